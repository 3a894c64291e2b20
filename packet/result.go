// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/json"
	"fmt"

	"github.com/katzenpost/zot"
)

// Flag is a protocol boolean, sent as 1 or 0 and accepted in any of the
// forms deployed sites use.
type Flag bool

// MarshalJSON implements json.Marshaler.
func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "1", "true", `"1"`, `"true"`:
		*f = true
	case "0", "false", `"0"`, `"false"`, `""`, "null":
		*f = false
	default:
		return fmt.Errorf("packet: invalid flag: %s", b)
	}
	return nil
}

// Result is the common part of every packet response.
type Result struct {
	Success Flag   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ParseResult parses the common part of a packet response.
func ParseResult(b []byte) (*Result, error) {
	r := new(Result)
	if err := json.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("%w: response: %v", zot.ErrMalformed, err)
	}
	return r, nil
}

// SiteInfo is the signed site description returned by ping.
type SiteInfo struct {
	URL     string `json:"url"`
	URLSig  string `json:"url_sig"`
	SiteKey string `json:"sitekey"`
}

// PingResult is the response to a ping.
type PingResult struct {
	Result
	Site *SiteInfo `json:"site,omitempty"`
}

// AuthCheckResult is the response to an auth_check.
type AuthCheckResult struct {
	Result
	Confirm      string `json:"confirm,omitempty"`
	ServiceClass string `json:"service_class,omitempty"`
	Level        int    `json:"level,omitempty"`
	DNT          Flag   `json:"DNT,omitempty"`
}

// PickupItem is one message returned by a pickup.
type PickupItem struct {
	Message json.RawMessage `json:"message"`
}

// PickupResult is the response to a pickup, sealed to the requesting
// site.
type PickupResult struct {
	Result
	Pickup []PickupItem `json:"pickup,omitempty"`
}
