// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package outq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/core/retry"
	"github.com/katzenpost/zot/core/worker"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/internal/instrument"
	"github.com/katzenpost/zot/packet"
	"github.com/katzenpost/zot/transport"
)

const (
	// DefaultRetryInterval is the base delay between notify attempts.
	DefaultRetryInterval = time.Minute

	// DefaultMaxAge is how long an undelivered message is kept.
	DefaultMaxAge = 7 * 24 * time.Hour

	maxRetryDelay = 6 * time.Hour
)

// transientFailures are the reply messages of a receiver that could not
// finish handling a notify on its side.  The entry stays queued.
var transientFailures = map[string]bool{
	"network failure": true,
	"internal error":  true,
}

// Config is the Deliverer configuration.
type Config struct {
	Queue     *Queue
	Site      *channel.Site
	Builder   *packet.Builder
	Transport *transport.Transport
	Log       *logging.Logger

	Workers       int
	RetryInterval time.Duration
	MaxAge        time.Duration
}

// Deliverer queues outbound messages and announces them to their
// recipients' sites with notify packets, retrying transport failures in
// the background.
type Deliverer struct {
	worker.Worker

	cfg    Config
	log    *logging.Logger
	wakeCh chan struct{}
	jobCh  chan *Entry
}

// NewDeliverer creates a Deliverer and starts its workers.
func NewDeliverer(cfg Config) *Deliverer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	d := &Deliverer{
		cfg:    cfg,
		log:    cfg.Log,
		wakeCh: make(chan struct{}, 1),
		jobCh:  make(chan *Entry),
	}
	d.Go(d.scheduler)
	for i := 0; i < cfg.Workers; i++ {
		d.Go(d.worker)
	}
	return d
}

// Send queues message from ch to the identity at recipient and announces
// it to the recipient's site.  The returned ID identifies the queue entry.
func (d *Deliverer) Send(ctx context.Context, ch *channel.Channel, recipient *identity.Location, message json.RawMessage) (uint64, error) {
	signer, err := ch.Signer(d.cfg.Site)
	if err != nil {
		return 0, err
	}
	siteKey, err := recipient.SitePublicKey()
	if err != nil {
		return 0, err
	}
	secret, err := packet.NewSecret()
	if err != nil {
		return 0, err
	}
	rcpt := []packet.Recipient{{GUID: recipient.Xchan.GUID, GUIDSig: recipient.Xchan.GUIDSig}}
	pkt, err := d.cfg.Builder.Build(signer, packet.Notify, rcpt, siteKey, secret)
	if err != nil {
		return 0, err
	}

	e := &Entry{
		Hub:              recipient.Callback,
		ChannelID:        ch.ID,
		SiteURL:          recipient.SiteURL,
		SiteKey:          recipient.SiteKey,
		RecipientGUID:    recipient.Xchan.GUID,
		RecipientGUIDSig: recipient.Xchan.GUIDSig,
		Message:          message,
		Packet:           pkt,
		NextAttempt:      time.Now(),
	}
	if err := d.cfg.Queue.Enqueue(secret, e); err != nil {
		return 0, err
	}
	d.log.Debugf("Queued message %v for %v", e.ID, crypto.XchanHash(e.RecipientGUID, e.RecipientGUIDSig))

	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
	return e.ID, nil
}

func (d *Deliverer) scheduler() {
	t := time.NewTicker(d.cfg.RetryInterval)
	defer t.Stop()

	for {
		select {
		case <-d.HaltCh():
			d.log.Debugf("Scheduler terminating gracefully.")
			return
		case <-t.C:
			if n, err := d.cfg.Queue.Expire(d.cfg.MaxAge); err != nil {
				d.log.Errorf("Failed to expire queue: %v", err)
			} else if n > 0 {
				d.log.Noticef("Expired %v undelivered messages", n)
			}
		case <-d.wakeCh:
		}

		now := time.Now()
		due, err := d.cfg.Queue.Due(now)
		if err != nil {
			d.log.Errorf("Failed to query queue: %v", err)
			continue
		}
		for _, e := range due {
			e.Attempts++
			e.NextAttempt = now.Add(retry.Delay(d.cfg.RetryInterval, maxRetryDelay, retry.DefaultJitter, e.Attempts-1))
			if err := d.cfg.Queue.Update(e); err != nil {
				continue
			}
			select {
			case <-d.HaltCh():
				return
			case d.jobCh <- e:
			}
		}
	}
}

func (d *Deliverer) worker() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-d.HaltCh():
			return
		case e := <-d.jobCh:
			d.deliver(ctx, e)
		}
	}
}

func (d *Deliverer) deliver(ctx context.Context, e *Entry) {
	b, err := d.cfg.Transport.Post(ctx, e.Hub, string(e.Packet))
	if err != nil {
		d.log.Noticef("Notify %v to %v failed (attempt %v): %v", e.ID, e.SiteURL, e.Attempts, err)
		instrument.Delivery("retry")
		return
	}
	res, err := packet.ParseResult(b)
	if err != nil {
		d.log.Noticef("Notify %v to %v got a bad reply (attempt %v): %v", e.ID, e.SiteURL, e.Attempts, err)
		instrument.Delivery("retry")
		return
	}
	if !bool(res.Success) && transientFailures[res.Message] {
		d.log.Noticef("Notify %v deferred by %v (attempt %v): %v", e.ID, e.SiteURL, e.Attempts, res.Message)
		instrument.Delivery("retry")
		return
	}
	if !res.Success {
		d.log.Noticef("Notify %v rejected by %v: %v", e.ID, e.SiteURL, res.Message)
		instrument.Delivery("rejected")
		if err := d.cfg.Queue.Remove(e.ID); err != nil && !errors.Is(err, ErrNoSuchEntry) {
			d.log.Errorf("Failed to remove entry %v: %v", e.ID, err)
		}
		return
	}

	instrument.Delivery("ok")
	e.Notified = true
	if err := d.cfg.Queue.Update(e); err != nil && !errors.Is(err, ErrNoSuchEntry) {
		d.log.Errorf("Failed to update entry %v: %v", e.ID, err)
	}
}
