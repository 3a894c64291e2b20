// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package magicauth

import (
	"net/url"
	"strconv"
)

// Request is one inbound magic-auth request.
type Request struct {
	// Auth is the address of the identity asking to be logged in.
	Auth string

	// Dest is where the visitor goes once the flow is done.
	Dest string

	// Sec is the secret issued by the identity's home site.
	Sec string

	Version int

	// Delegate is the address of a local channel the visitor wants to
	// act as.
	Delegate string

	// Test asks for a JSON diagnostic instead of a redirect.
	Test bool
}

// ParseRequest reads a Request from the query parameters of a magic-auth
// GET.  It returns false when there is no auth parameter, meaning
// magic-auth is not in play.
func ParseRequest(q url.Values) (*Request, bool) {
	auth := q.Get("auth")
	if auth == "" {
		return nil, false
	}
	req := &Request{
		Auth:     auth,
		Dest:     q.Get("dest"),
		Sec:      q.Get("sec"),
		Delegate: q.Get("delegate"),
	}
	if v, err := strconv.Atoi(q.Get("version")); err == nil {
		req.Version = v
	}
	switch q.Get("test") {
	case "1", "true":
		req.Test = true
	}
	return req, true
}
