// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot/core/worker"
)

const (
	janitorInterval = 5 * time.Minute

	// SessionLifetime is how long an idle session is kept.
	SessionLifetime = 24 * time.Hour
)

// janitor periodically drops expired tokens and idle sessions.
type janitor struct {
	worker.Worker

	s   *Server
	log *logging.Logger
}

func (j *janitor) worker() {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()

	for {
		select {
		case <-j.HaltCh():
			j.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
		}
		j.sweep()
	}
}

func (j *janitor) sweep() {
	if n, err := j.s.tokens.Expire(); err != nil {
		j.log.Errorf("Failed to expire tokens: %v", err)
	} else if n > 0 {
		j.log.Debugf("Expired %v tokens", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), janitorInterval)
	defer cancel()
	if n, err := j.s.sessions.Expire(ctx, SessionLifetime); err != nil {
		j.log.Errorf("Failed to expire sessions: %v", err)
	} else if n > 0 {
		j.log.Debugf("Expired %v sessions", n)
	}
}

func newJanitor(s *Server) *janitor {
	j := &janitor{
		s:   s,
		log: s.logBackend.GetLogger("janitor"),
	}
	j.Go(j.worker)
	return j
}
