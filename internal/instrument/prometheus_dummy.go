// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

//go:build noprometheus
// +build noprometheus

package instrument

import "net/http"

// Init does nothing
func Init() {}

// Handler returns a handler that reports metrics as unavailable.
func Handler() http.Handler {
	return http.NotFoundHandler()
}

// Packet does nothing
func Packet(typ, outcome string) {}

// PacketDropped does nothing
func PacketDropped(reason string) {}

// PacketReplayed does nothing
func PacketReplayed() {}

// SignatureFailure does nothing
func SignatureFailure() {}

// Discovery does nothing
func Discovery(outcome string) {}

// MagicAuth does nothing
func MagicAuth(outcome string) {}

// Delivery does nothing
func Delivery(outcome string) {}
