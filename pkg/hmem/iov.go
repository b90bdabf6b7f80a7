// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hmem

import "fmt"

// IOV is one element of a scatter/gather list. Desc is optional for System
// memory and required for Device memory.
type IOV struct {
	Buf  []byte
	Desc *Region
}

// Iface of this IOV's memory.
func (v IOV) Iface() Iface {
	if v.Desc == nil {
		return System
	}
	return v.Desc.Iface()
}

// RMAIOV addresses remote memory: Len bytes starting at offset Addr of the
// Region registered under Key.
type RMAIOV struct {
	Addr uint64
	Len  uint64
	Key  uint64
}

func (r RMAIOV) String() string {
	return fmt.Sprintf("RMAIOV(key=%d, addr=%d, len=%d)", r.Key, r.Addr, r.Len)
}

// TotalLen sums the lengths of all IOVs.
func TotalLen(iov []IOV) (n int) {
	for _, v := range iov {
		n += len(v.Buf)
	}
	return
}

// RMATotalLen sums the lengths of all RMAIOVs.
func RMATotalLen(rma []RMAIOV) (n uint64) {
	for _, r := range rma {
		n += r.Len
	}
	return
}

// IsDevice checks if any IOV lives on Device memory.
func IsDevice(iov []IOV) bool {
	for _, v := range iov {
		if v.Iface() == Device {
			return true
		}
	}
	return false
}

// Locate returns the index of the IOV containing the byte at offset and the
// offset within this IOV. For an offset at or behind the end, idx equals
// len(iov).
func Locate(iov []IOV, offset int) (idx, off int) {
	for idx = 0; idx < len(iov); idx++ {
		if offset < len(iov[idx].Buf) {
			return idx, offset
		}
		offset -= len(iov[idx].Buf)
	}
	return len(iov), 0
}

// CopyTo writes src into the IOVs, starting at offset.
func CopyTo(iov []IOV, offset int, src []byte) (n int, err error) {
	idx, off := Locate(iov, offset)
	for ; idx < len(iov) && n < len(src); idx++ {
		c, cErr := Copy(iov[idx].Buf[off:], src[n:], iov[idx].Iface())
		if cErr != nil {
			err = cErr
			return
		}
		n += c
		off = 0
	}
	return
}

// CopyFrom reads from the IOVs, starting at offset, into dst.
func CopyFrom(dst []byte, iov []IOV, offset int) (n int, err error) {
	idx, off := Locate(iov, offset)
	for ; idx < len(iov) && n < len(dst); idx++ {
		c, cErr := Copy(dst[n:], iov[idx].Buf[off:], iov[idx].Iface())
		if cErr != nil {
			err = cErr
			return
		}
		n += c
		off = 0
	}
	return
}

// Slice returns the IOVs covering [offset, offset+length). The returned
// buffers alias the original ones.
func Slice(iov []IOV, offset, length int) (out []IOV) {
	idx, off := Locate(iov, offset)
	for ; idx < len(iov) && length > 0; idx++ {
		b := iov[idx].Buf[off:]
		if len(b) > length {
			b = b[:length]
		}
		out = append(out, IOV{Buf: b, Desc: iov[idx].Desc})
		length -= len(b)
		off = 0
	}
	return
}
