// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the outbound HTTP transport used to reach
// remote Zot sites: discovery fetches, packet delivery and pickup.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/core/retry"
)

const (
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 20 * time.Second

	maxResponseSize = 4 << 20
	userAgent       = "zotd"
)

// Transport sends requests to remote sites.  Failures that never reached
// the remote site are retried according to the policy, everything else
// is returned to the caller as is.
type Transport struct {
	client *http.Client
	policy retry.Policy
	log    *logging.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithClient overrides the underlying http.Client.
func WithClient(c *http.Client) Option {
	return func(t *Transport) {
		t.client = c
	}
}

// WithTimeout sets the per attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.client.Timeout = d
	}
}

// WithRetry sets the transport level retry policy.
func WithRetry(p retry.Policy) Option {
	return func(t *Transport) {
		t.policy = p
	}
}

// New creates a new Transport.
func New(log *logging.Logger, opts ...Option) *Transport {
	t := &Transport{
		client: &http.Client{Timeout: DefaultTimeout},
		policy: retry.Once,
		log:    log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get fetches u and returns the response body.
func (t *Transport) Get(ctx context.Context, u string) ([]byte, error) {
	return t.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

// Post delivers a packet to a remote callback URL as the `data` form
// field and returns the response body.
func (t *Transport) Post(ctx context.Context, callback string, data string) ([]byte, error) {
	form := url.Values{"data": {data}}.Encode()
	return t.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callback, strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

func (t *Transport) do(ctx context.Context, newReq func(context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte
	err := t.policy.Do(ctx, func(ctx context.Context) error {
		req, err := newReq(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := t.client.Do(req)
		if err != nil {
			t.log.Debugf("%v %v: %v", req.Method, req.URL.Host, err)
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode}
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", zot.ErrNetwork, err)
	}
	return body, nil
}

// StatusError is a non 200 response from a remote site.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d %s", e.Code, http.StatusText(e.Code))
}
