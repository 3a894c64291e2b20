// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package hook is the extension point through which zotd hands protocol
// events to the rest of the application.  Notifications are fire and
// forget: they never block or fail the protocol flow that raised them.
package hook

import (
	"context"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot/core/worker"
)

// Event is a hook event name.
type Event string

const (
	// Deliver carries one message picked up after a notify.
	Deliver Event = "zot_deliver"

	// Purged is raised when a remote identity asked to be forgotten.
	Purged Event = "zot_purge"

	// MagicAuthSuccess is raised when a remote visitor was authenticated.
	MagicAuthSuccess Event = "magic_auth_success"
)

const defaultQueueSize = 256

// Func is a hook callback.
type Func func(ctx context.Context, payload interface{}) error

type job struct {
	event   Event
	payload interface{}
}

// Registry dispatches events to registered hooks on worker goroutines.
type Registry struct {
	worker.Worker
	sync.RWMutex

	log   *logging.Logger
	hooks map[Event][]Func
	ch    chan job
}

// New creates a Registry running n worker goroutines.
func New(log *logging.Logger, n int) *Registry {
	if n < 1 {
		n = 1
	}
	r := &Registry{
		log:   log,
		hooks: make(map[Event][]Func),
		ch:    make(chan job, defaultQueueSize),
	}
	for i := 0; i < n; i++ {
		r.Go(r.worker)
	}
	return r
}

// Register adds fn to the hooks called for event.
func (r *Registry) Register(event Event, fn Func) {
	r.Lock()
	defer r.Unlock()
	r.hooks[event] = append(r.hooks[event], fn)
}

// Notify queues event for the registered hooks.  If the queue is full the
// event is dropped.
func (r *Registry) Notify(event Event, payload interface{}) {
	r.RLock()
	n := len(r.hooks[event])
	r.RUnlock()
	if n == 0 {
		return
	}

	select {
	case <-r.HaltCh():
		r.log.Debugf("Dropping %v: halted", event)
	case r.ch <- job{event: event, payload: payload}:
	default:
		r.log.Warningf("Dropping %v: queue full", event)
	}
}

func (r *Registry) worker() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-r.HaltCh():
			r.log.Debugf("Terminating gracefully.")
			return
		case j := <-r.ch:
			r.RLock()
			fns := append([]Func{}, r.hooks[j.event]...)
			r.RUnlock()
			for _, fn := range fns {
				r.call(ctx, j, fn)
			}
		}
	}
}

func (r *Registry) call(ctx context.Context, j job, fn Func) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Errorf("Hook %v panicked: %v", j.event, v)
		}
	}()
	if err := fn(ctx, j.payload); err != nil {
		r.log.Warningf("Hook %v failed: %v", j.event, err)
	}
}
