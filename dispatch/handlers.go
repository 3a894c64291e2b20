// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/hook"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/packet"
	"github.com/katzenpost/zot/tokens"
)

// Delivery is the hook.Deliver payload: one message picked up from the
// sender's site.
type Delivery struct {
	Sender *identity.Location

	// Recipients is empty for public messages.
	Recipients []*channel.Channel

	Message json.RawMessage
}

// PurgeEvent is the hook.Purged payload.  Recipients is empty when the
// sender asked every site to forget it.
type PurgeEvent struct {
	Sender     *identity.Location
	Recipients []*channel.Channel
}

type notifyHandler struct {
	d *Dispatcher
}

func (h *notifyHandler) Trust() Trust {
	return TrustChannel
}

func (h *notifyHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	if !req.Addressed() {
		return h.d.notAddressed(req.Envelope)
	}
	items, err := h.d.pickup(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		h.d.cfg.Hooks.Notify(hook.Deliver, &Delivery{
			Sender:     req.Sender,
			Recipients: req.Recipients,
			Message:    it.Message,
		})
	}
	h.d.log.Debugf("Picked up %v messages from %v", len(items), req.Sender.SiteURL)
	return NewResponse(&packet.Result{Success: true})
}

// callbackURL returns the URL a callback path of the site at siteURL
// refers to.  Absolute callbacks must stay on the same site.
func callbackURL(siteURL, callback string) (string, error) {
	if strings.HasPrefix(callback, "/") {
		return strings.TrimRight(siteURL, "/") + callback, nil
	}
	base, err := url.Parse(siteURL)
	if err != nil {
		return "", fmt.Errorf("%w: site url: %v", zot.ErrMalformed, err)
	}
	u, err := url.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("%w: callback: %v", zot.ErrMalformed, err)
	}
	if u.Scheme != base.Scheme || !strings.EqualFold(u.Host, base.Host) {
		return "", fmt.Errorf("%w: callback %v is not on %v", zot.ErrMalformed, callback, siteURL)
	}
	return u.String(), nil
}

// pickup collects the messages announced by a notify from the sender's
// site.
func (d *Dispatcher) pickup(ctx context.Context, req *Request) ([]packet.PickupItem, error) {
	env := req.Envelope
	target, err := req.Sender.SitePublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: site key: %v", zot.ErrCrypto, err)
	}
	cb, err := callbackURL(req.Sender.SiteURL, env.Callback)
	if err != nil {
		return nil, err
	}
	site := d.cfg.Site
	pkt, err := d.cfg.Builder.BuildPickup(site.Key, site.URL, site.Callback(), env.Secret, target)
	if err != nil {
		return nil, err
	}

	b, err := d.cfg.Transport.Post(ctx, cb, string(pkt))
	if err != nil {
		return nil, err
	}
	if !packet.IsEncrypted(b) {
		res, err := packet.ParseResult(b)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: pickup refused by %v: %v", zot.ErrNotFound, cb, res.Message)
	}
	pt, err := d.cfg.Codec.Open(b)
	if err != nil {
		return nil, err
	}
	var res packet.PickupResult
	if err = json.Unmarshal(pt, &res); err != nil {
		return nil, fmt.Errorf("%w: pickup response: %v", zot.ErrMalformed, err)
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: pickup refused by %v", zot.ErrNotFound, cb)
	}
	return res.Pickup, nil
}

type purgeHandler struct {
	d *Dispatcher
}

func (h *purgeHandler) Trust() Trust {
	return TrustChannel
}

func (h *purgeHandler) Handle(_ context.Context, req *Request) (*Response, error) {
	if !req.Addressed() {
		return h.d.notAddressed(req.Envelope)
	}
	if req.Envelope.IsPublic() {
		if err := h.d.cfg.Directory.Purge(req.Sender.Hash); err != nil {
			return nil, err
		}
		h.d.log.Noticef("Purged %v at the request of %v", req.Sender.Hash, req.Sender.SiteURL)
	}
	h.d.cfg.Hooks.Notify(hook.Purged, &PurgeEvent{
		Sender:     req.Sender,
		Recipients: req.Recipients,
	})
	return NewResponse(&packet.Result{Success: true})
}

type refreshHandler struct {
	d     *Dispatcher
	force bool
}

func (h *refreshHandler) Trust() Trust {
	return TrustChannel
}

func (h *refreshHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	if !req.Addressed() {
		return h.d.notAddressed(req.Envelope)
	}
	if err := h.d.cfg.Directory.Refresh(ctx, req.Sender, h.force); err != nil {
		return nil, err
	}
	return NewResponse(&packet.Result{Success: true})
}

type authCheckHandler struct {
	d *Dispatcher
}

func (h *authCheckHandler) Trust() Trust {
	return TrustChannel
}

// Handle answers for this site as the origin of a magic-auth login: the
// secret must be a token issued to one of the recipients for a login at
// the sender's site.
func (h *authCheckHandler) Handle(_ context.Context, req *Request) (*Response, error) {
	env := req.Envelope
	realm, err := identity.SiteHost(env.Sender.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: sender url: %v", zot.ErrMalformed, err)
	}

	for _, c := range req.Recipients {
		err := h.d.cfg.Tokens.Consume(c.ID, realm, env.Secret)
		switch {
		case errors.Is(err, tokens.ErrNoSuchToken):
			continue
		case err != nil:
			return nil, err
		}

		k, err := c.Key()
		if err != nil {
			return nil, err
		}
		confirm, err := crypto.Sign([]byte(env.Secret+c.Hash), k)
		if err != nil {
			return nil, err
		}
		h.d.log.Noticef("Confirmed auth_check for %v from %v", c.Address, realm)
		return NewResponse(&packet.AuthCheckResult{
			Result:       packet.Result{Success: true},
			Confirm:      confirm,
			ServiceClass: c.ServiceClass,
			Level:        c.Level,
			DNT:          packet.Flag(c.DNT),
		})
	}

	h.d.log.Noticef("Rejected auth_check from %v: no matching token", env.Sender.URL)
	return NewResponse(&packet.Result{})
}

type pingHandler struct {
	d *Dispatcher
}

func (h *pingHandler) Trust() Trust {
	return TrustNone
}

func (h *pingHandler) Handle(_ context.Context, _ *Request) (*Response, error) {
	site := h.d.cfg.Site
	sig, err := site.URLSig()
	if err != nil {
		return nil, err
	}
	pub, err := site.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	return NewResponse(&packet.PingResult{
		Result: packet.Result{Success: true},
		Site: &packet.SiteInfo{
			URL:     site.URL,
			URLSig:  sig,
			SiteKey: pub,
		},
	})
}

type pickupHandler struct {
	d *Dispatcher
}

func (h *pickupHandler) Trust() Trust {
	return TrustSite
}

// Handle returns the queued messages announced under the request secret to
// the callback, sealed to the requesting site.  Anything that does not
// match gets a bare failure.
func (h *pickupHandler) Handle(_ context.Context, req *Request) (*Response, error) {
	env := req.Envelope
	if !strings.HasPrefix(env.Callback, strings.TrimRight(env.URL, "/")+"/") {
		h.d.log.Noticef("Rejected pickup from %v: foreign callback %v", env.URL, env.Callback)
		return NewResponse(&packet.Result{})
	}
	entries, err := h.d.cfg.Queue.Pickup(env.Secret, env.Callback)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		h.d.log.Noticef("Rejected pickup from %v: nothing queued", env.URL)
		return NewResponse(&packet.Result{})
	}

	res := &packet.PickupResult{Result: packet.Result{Success: true}}
	for _, e := range entries {
		res.Pickup = append(res.Pickup, packet.PickupItem{Message: e.Message})
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	sealed, err := h.d.cfg.Codec.Seal(b, req.SiteKey)
	if err != nil {
		return nil, err
	}
	h.d.log.Debugf("Handed %v messages to %v", len(entries), env.URL)
	return RawResponse(sealed), nil
}
