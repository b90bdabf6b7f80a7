// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent connects applications to an rxr Endpoint.
//
// The main interface is the ApplicationAgent, which only requires two channels for incoming and outgoing Messages.
// An ApplicationAgent requests sends and receives by SendMessages and RecvMessages and is informed about their outcome
// by CompletionMessages. A Bridge executes those requests on an Endpoint and drives its progress.
//
// Implementations are available for in-process use, e.g., the PingAgent, and as external interfaces for third-party
// programs, the RestAgent and the WebSocketAgent.
package agent
