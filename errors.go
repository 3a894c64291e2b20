// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package zot holds the failure classes shared by every part of the Zot
// protocol endpoint.  Packages wrap these with fmt.Errorf("...: %w") and
// callers classify with errors.Is.
package zot

import "errors"

var (
	// ErrMalformed is an unparseable envelope or crypto container.  The
	// packet is dropped and never retried.
	ErrMalformed = errors.New("zot: malformed packet")

	// ErrCrypto is a decrypt or verify primitive failure.
	ErrCrypto = errors.New("zot: crypto failure")

	// ErrSignatureInvalid is an envelope that parses but whose signatures
	// do not verify.  It is treated as hostile input.
	ErrSignatureInvalid = errors.New("zot: signature invalid")

	// ErrUnknownSender is a sender that could not be resolved even after
	// discovery.
	ErrUnknownSender = errors.New("zot: unknown sender")

	// ErrNotFound is an address or identity that discovery could not find.
	ErrNotFound = errors.New("zot: not found")

	// ErrNetwork is a transport failure reaching a remote site.
	ErrNetwork = errors.New("zot: network failure")

	// ErrPolicyViolation is an attempt to build an auth packet without
	// encryption.  It is a programming error.
	ErrPolicyViolation = errors.New("zot: policy violation")

	// ErrPermissionDenied is a failed capability check.
	ErrPermissionDenied = errors.New("zot: permission denied")

	// ErrUnsupportedType is a packet type tag this site does not handle.
	ErrUnsupportedType = errors.New("zot: unsupported packet type")

	// ErrUnsupportedAlgorithm is an unknown symmetric algorithm tag.
	ErrUnsupportedAlgorithm = errors.New("zot: unsupported algorithm")
)

// Version is the protocol version carried in every envelope built here.
const Version = 1
