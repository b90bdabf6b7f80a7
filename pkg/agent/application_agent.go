// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

// ApplicationAgent is an interface to describe application agents, which can both request and complete operations.
// Each implementation must provide the names it answers to. Furthermore two channels must be available, one for
// receiving and one for sending Messages.
//
// On closing down, an ApplicationAgent MUST close its MessageSender channel and MUST leave the MessageReceiver
// open. The supervising code MUST close the MessageReceiver of its subjects.
type ApplicationAgent interface {
	// Names returns the names this ApplicationAgent answers to.
	Names() []string

	// MessageReceiver is a channel on which the ApplicationAgent must listen for incoming Messages.
	MessageReceiver() chan Message

	// MessageSender is a channel to which the ApplicationAgent can send outgoing Messages.
	MessageSender() chan Message
}

// AppAgentHasName checks if an ApplicationAgent answers to one of the names.
func AppAgentHasName(app ApplicationAgent, names []string) bool {
	matches := make(map[string]struct{})
	for _, name := range names {
		matches[name] = struct{}{}
	}

	for _, name := range app.Names() {
		if _, ok := matches[name]; ok {
			return true
		}
	}
	return false
}
