// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope
// +build !pyroscope

// Package profiling starts continuous profiling of zotd.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing, zotd was built without the pyroscope tag.
func Start(log *logging.Logger, siteName string) error {
	log.Info("Pyroscope is disabled")
	return nil
}
