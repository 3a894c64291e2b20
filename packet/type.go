// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/json"
	"fmt"

	"github.com/katzenpost/zot"
)

// Type is the packet type tag.
type Type uint8

const (
	invalidType Type = iota

	// Notify announces queued messages that the receiver picks up.
	Notify

	// Purge tells the receiver to forget the sender.
	Purge

	// Refresh asks the receiver to re-fetch the sender's identity.
	Refresh

	// ForceRefresh is Refresh ignoring any cached discovery failure.
	ForceRefresh

	// AuthCheck asks the sender's home site to confirm a magic-auth
	// attempt.
	AuthCheck

	// Ping asks the receiver for its signed site information.
	Ping

	// Pickup collects the messages announced by a Notify.
	Pickup
)

var typeNames = map[Type]string{
	Notify:       "notify",
	Purge:        "purge",
	Refresh:      "refresh",
	ForceRefresh: "force_refresh",
	AuthCheck:    "auth_check",
	Ping:         "ping",
	Pickup:       "pickup",
}

// Types returns every packet type.
func Types() []Type {
	return []Type{Notify, Purge, Refresh, ForceRefresh, AuthCheck, Ping, Pickup}
}

// ParseType returns the Type for the wire tag s.
func ParseType(s string) (Type, error) {
	for t, n := range typeNames {
		if n == s {
			return t, nil
		}
	}
	return invalidType, fmt.Errorf("%w: '%v'", zot.ErrUnsupportedType, s)
}

// String returns the wire tag.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("[unknown type: %d]", uint8(t))
}

// RequiresEncryption returns true for the types that must never be sent in
// the clear.
func (t Type) RequiresEncryption() bool {
	return t == AuthCheck || t == Pickup
}

// MarshalJSON implements json.Marshaler.
func (t Type) MarshalJSON() ([]byte, error) {
	n, ok := typeNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", zot.ErrUnsupportedType, uint8(t))
	}
	return json.Marshal(n)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}
