// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package dispatch implements the inbound packet endpoint: it decodes a
// packet, authenticates its sender to the level its type requires, and
// hands it to the handler for that type.
package dispatch

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/hook"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/internal/instrument"
	"github.com/katzenpost/zot/outq"
	"github.com/katzenpost/zot/packet"
	"github.com/katzenpost/zot/tokens"
	"github.com/katzenpost/zot/transport"
)

// Trust is the level of sender authentication a handler requires before
// it is invoked.
type Trust int

const (
	// TrustNone handlers accept any well formed packet.
	TrustNone Trust = iota

	// TrustSite handlers require a packet signed by a known site key.
	TrustSite

	// TrustChannel handlers require a packet signed by a resolved remote
	// identity, with url_sig and secret_sig verified and the secret not
	// seen before.
	TrustChannel
)

// Request is a decoded packet together with what the Dispatcher learned
// while authenticating it.
type Request struct {
	Envelope *packet.Envelope

	// Sender is the verified location of the sending identity.  Set for
	// TrustChannel handlers.
	Sender *identity.Location

	// SiteKey is the verified key of the sending site.  Set for TrustSite
	// handlers.
	SiteKey *rsa.PublicKey

	// Recipients are the channels hosted here among the envelope
	// recipients.  Set for TrustChannel handlers.
	Recipients []*channel.Channel
}

// Addressed returns true if the packet is public or names at least one
// channel hosted here.
func (r *Request) Addressed() bool {
	return r.Envelope.IsPublic() || len(r.Recipients) > 0
}

// Handler handles one packet type.
type Handler interface {
	Trust() Trust
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// Response is the JSON body returned to the sending site.
type Response struct {
	body []byte
}

// NewResponse returns a Response carrying v encoded as JSON.
func NewResponse(v interface{}) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Response{body: b}, nil
}

// RawResponse returns a Response carrying b as is.
func RawResponse(b []byte) *Response {
	return &Response{body: b}
}

// Bytes returns the response body.
func (r *Response) Bytes() []byte {
	return r.body
}

var failureClasses = []struct {
	err    error
	reason string
}{
	{zot.ErrMalformed, "malformed"},
	{zot.ErrCrypto, "crypto"},
	{zot.ErrSignatureInvalid, "signature"},
	{zot.ErrUnknownSender, "unknown_sender"},
	{zot.ErrNotFound, "not_found"},
	{zot.ErrNetwork, "network"},
	{zot.ErrPermissionDenied, "permission"},
	{zot.ErrUnsupportedType, "unsupported_type"},
	{zot.ErrUnsupportedAlgorithm, "unsupported_algorithm"},
}

func classify(err error) (error, string) {
	for _, c := range failureClasses {
		if errors.Is(err, c.err) {
			return c.err, c.reason
		}
	}
	return nil, "internal"
}

// failure is the response to a packet that could not be handled.  It
// names the failure class and nothing more.
func failure(err error) *Response {
	msg := "internal error"
	if class, _ := classify(err); class != nil {
		msg = strings.TrimPrefix(class.Error(), "zot: ")
	}
	b, _ := json.Marshal(&packet.Result{Message: msg})
	return RawResponse(b)
}

type peerKey struct{}

// WithPeer returns a context carrying the network address of the remote
// site, used to identify it in log messages.
func WithPeer(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, peerKey{}, addr)
}

func peer(ctx context.Context) string {
	if s, ok := ctx.Value(peerKey{}).(string); ok {
		return s
	}
	return "unknown"
}

// Config is the Dispatcher configuration.
type Config struct {
	Site      *channel.Site
	Codec     *packet.Codec
	Builder   *packet.Builder
	Directory *identity.Directory
	Channels  channel.Store
	Tokens    *tokens.Store
	Queue     *outq.Queue
	Hooks     *hook.Registry
	Transport *transport.Transport
	Log       *logging.Logger
}

func (cfg *Config) validate() error {
	switch {
	case cfg.Site == nil:
		return errors.New("dispatch: no Site")
	case cfg.Codec == nil:
		return errors.New("dispatch: no Codec")
	case cfg.Builder == nil:
		return errors.New("dispatch: no Builder")
	case cfg.Directory == nil:
		return errors.New("dispatch: no Directory")
	case cfg.Channels == nil:
		return errors.New("dispatch: no channel Store")
	case cfg.Tokens == nil:
		return errors.New("dispatch: no token Store")
	case cfg.Queue == nil:
		return errors.New("dispatch: no Queue")
	case cfg.Hooks == nil:
		return errors.New("dispatch: no hook Registry")
	case cfg.Transport == nil:
		return errors.New("dispatch: no Transport")
	case cfg.Log == nil:
		return errors.New("dispatch: no Log")
	}
	return nil
}

// Dispatcher routes inbound packets to their handlers.
type Dispatcher struct {
	cfg      *Config
	log      *logging.Logger
	replay   *replayFilter
	handlers map[packet.Type]Handler
}

// New creates a Dispatcher with a handler for every packet type.
func New(cfg *Config) (*Dispatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f, err := newReplayFilter(replayFilterLn2)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		cfg:    cfg,
		log:    cfg.Log,
		replay: f,
	}
	d.handlers = map[packet.Type]Handler{
		packet.Notify:       &notifyHandler{d},
		packet.Purge:        &purgeHandler{d},
		packet.Refresh:      &refreshHandler{d: d},
		packet.ForceRefresh: &refreshHandler{d: d, force: true},
		packet.AuthCheck:    &authCheckHandler{d},
		packet.Ping:         &pingHandler{d},
		packet.Pickup:       &pickupHandler{d},
	}
	return d, nil
}

// Handle processes one raw packet and returns the response for its
// sender.  It never fails: every error is turned into a failure
// response.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) *Response {
	env, err := d.cfg.Codec.Decode(raw)
	if err != nil {
		_, reason := classify(err)
		d.log.Noticef("Dropping packet from %v: %v", peer(ctx), err)
		instrument.PacketDropped(reason)
		return failure(err)
	}

	h, ok := d.handlers[env.Type]
	if !ok {
		err = fmt.Errorf("%w: %v", zot.ErrUnsupportedType, env.Type)
		d.log.Noticef("Dropping packet from %v: %v", peer(ctx), err)
		instrument.PacketDropped("unsupported_type")
		return failure(err)
	}

	req := &Request{Envelope: env}
	switch h.Trust() {
	case TrustSite:
		err = d.authenticateSite(req)
	case TrustChannel:
		err = d.authenticateChannel(ctx, req)
	}
	if err != nil {
		_, reason := classify(err)
		d.log.Noticef("Dropping %v from %v (%v): %v", env.Type, env.Sender.URL, peer(ctx), err)
		instrument.Packet(env.Type.String(), "dropped")
		instrument.PacketDropped(reason)
		return failure(err)
	}

	resp, err := h.Handle(ctx, req)
	if err != nil {
		d.log.Warningf("%v from %v failed: %v", env.Type, env.Sender.URL, err)
		instrument.Packet(env.Type.String(), "failed")
		return failure(err)
	}
	instrument.Packet(env.Type.String(), "ok")
	return resp
}

func findSite(locs []*identity.Location, siteURL string) *identity.Location {
	for _, l := range locs {
		if l.SiteURL == siteURL {
			return l
		}
	}
	return nil
}

// resolveSender finds the location the packet claims to come from,
// discovering the sender at its claimed site when it is not known there.
func (d *Dispatcher) resolveSender(ctx context.Context, s *packet.Sender) (*identity.Location, error) {
	locs, err := d.cfg.Directory.ResolveByGUID(s.GUID, s.GUIDSig)
	if err != nil {
		return nil, err
	}
	if loc := findSite(locs, s.URL); loc != nil {
		return loc, nil
	}

	locs, err = d.cfg.Directory.DiscoverByGUID(ctx, s.URL, s.GUID, s.GUIDSig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zot.ErrUnknownSender, err)
	}
	if loc := findSite(locs, s.URL); loc != nil {
		return loc, nil
	}
	return nil, fmt.Errorf("%w: %v is not a location of %v", zot.ErrUnknownSender, s.URL, s.Hash())
}

func (d *Dispatcher) authenticateChannel(ctx context.Context, req *Request) error {
	env := req.Envelope
	loc, err := d.resolveSender(ctx, &env.Sender)
	if err != nil {
		return err
	}
	k, err := loc.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: sender key: %v", zot.ErrCrypto, err)
	}
	if err = env.VerifySender(k); err != nil {
		d.log.Warningf("Bad signature from %v (%v)", env.Sender.URL, loc.Hash)
		instrument.SignatureFailure()
		return err
	}

	seen, err := d.replay.TestAndSet(loc.Hash, env.Secret)
	if err != nil {
		return err
	}
	if seen {
		instrument.PacketReplayed()
		return fmt.Errorf("%w: replayed secret", zot.ErrSignatureInvalid)
	}

	req.Sender = loc
	for _, r := range env.Recipients {
		if c := channel.IsLocal(d.cfg.Channels, r.GUID, r.GUIDSig); c != nil {
			req.Recipients = append(req.Recipients, c)
		}
	}
	return nil
}

// authenticateSite verifies a site signed packet against the key of the
// site at the packet's url, which must be a site we have identities of.
func (d *Dispatcher) authenticateSite(req *Request) error {
	env := req.Envelope
	if env.Sender.URL != env.URL {
		return fmt.Errorf("%w: sender url mismatch", zot.ErrMalformed)
	}
	locs, err := d.cfg.Directory.ResolveSite(env.URL)
	if err != nil {
		return err
	}
	if len(locs) == 0 {
		return fmt.Errorf("%w: unknown site %v", zot.ErrUnknownSender, env.URL)
	}
	k, err := locs[0].SitePublicKey()
	if err != nil {
		return fmt.Errorf("%w: site key: %v", zot.ErrCrypto, err)
	}
	if !crypto.Verify([]byte(env.URL), env.Sender.URLSig, k) {
		instrument.SignatureFailure()
		return fmt.Errorf("%w: url_sig", zot.ErrSignatureInvalid)
	}
	if err = env.VerifyCallback(k); err != nil {
		instrument.SignatureFailure()
		return err
	}
	req.SiteKey = k
	return nil
}

// notAddressed is the response to a packet with no recipient hosted
// here.  The packet is ignored.
func (d *Dispatcher) notAddressed(env *packet.Envelope) (*Response, error) {
	d.log.Debugf("Ignoring %v from %v: not addressed to this site", env.Type, env.Sender.URL)
	instrument.PacketDropped("not_addressed")
	return NewResponse(&packet.Result{Message: "not addressed to this site"})
}
