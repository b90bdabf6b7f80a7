// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hmem

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Iface names the kind of memory a buffer lives on.
type Iface uint8

const (
	// System is ordinary host memory.
	System Iface = iota

	// Device is accelerator memory which must be accessed by its copy function.
	Device
)

func (i Iface) String() string {
	switch i {
	case System:
		return "system"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("unknown iface %d", uint8(i))
	}
}

// CopyFunc copies min(len(dst), len(src)) bytes and returns the amount.
type CopyFunc func(dst, src []byte) (int, error)

var (
	copyFuncsMutex sync.RWMutex
	copyFuncs      = map[Iface]CopyFunc{
		System: systemCopy,
		Device: deviceCopy,
	}

	deviceCopies atomic.Uint64
)

func systemCopy(dst, src []byte) (int, error) {
	return copy(dst, src), nil
}

// deviceCopy is the default for Device memory. There is no real accelerator,
// so the bytes are moved on the host and the operation is counted.
func deviceCopy(dst, src []byte) (int, error) {
	deviceCopies.Add(1)
	return copy(dst, src), nil
}

// DeviceCopies returns how many copies went through the default Device copy.
func DeviceCopies() uint64 {
	return deviceCopies.Load()
}

// SetCopyFunc replaces the copy function of an Iface, e.g., to plug in a
// vendor runtime.
func SetCopyFunc(iface Iface, f CopyFunc) {
	copyFuncsMutex.Lock()
	defer copyFuncsMutex.Unlock()

	copyFuncs[iface] = f
}

// Copy moves bytes between src and dst, using the copy function of iface.
func Copy(dst, src []byte, iface Iface) (int, error) {
	copyFuncsMutex.RLock()
	f, ok := copyFuncs[iface]
	copyFuncsMutex.RUnlock()

	if !ok {
		return 0, fmt.Errorf("hmem: no copy function for %v", iface)
	}
	return f(dst, src)
}
