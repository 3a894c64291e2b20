// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package magicauth implements the delegated login handshake that lets a
// channel logged in at its home site be recognized here without
// credentials.
//
// The destination side is Flow: it resolves the requesting identity,
// challenges the identity's home site with an auth_check packet and, once
// the answer verifies, establishes the visitor in the session.  The home
// side is Issuer, which issues the one time secret the challenge must
// present.
package magicauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/hook"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/internal/instrument"
	"github.com/katzenpost/zot/packet"
	"github.com/katzenpost/zot/session"
	"github.com/katzenpost/zot/transport"
)

const (
	// DefaultChallengeTimeout bounds one auth_check round trip.
	DefaultChallengeTimeout = 20 * time.Second

	// DefaultReauthPath is the entry point remote visitors use to start
	// a login here.
	DefaultReauthPath = "/rmagic"

	// MagicPath is the entry point a local channel uses to log in at a
	// remote site.
	MagicPath = "/magic"
)

// State is a step of the magic-auth state machine.
type State int

const (
	StateStart State = iota
	StateLocalChannelSelected
	StateRequesterResolved
	StateAlreadyAuthed
	StateChallengeSent
	StateVerified
	StateSessionEstablished
	StateRedirect
)

var stateNames = []string{
	"start",
	"local_channel_selected",
	"requester_resolved",
	"already_authed",
	"challenge_sent",
	"verified",
	"session_established",
	"redirect",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("[unknown state: %d]", int(s))
}

// Outcome is the result of one run of the flow.
type Outcome struct {
	// State is the furthest state the flow reached before redirecting.
	State State

	Success bool

	// Trace holds human readable diagnostics, shown only in test mode.
	Trace []string

	// Redirect is where the visitor is sent.
	Redirect string

	// Notice is a message for the visitor, set when the login was
	// refused because another channel is logged in.
	Notice string
}

func (o *Outcome) tracef(format string, args ...interface{}) {
	o.Trace = append(o.Trace, fmt.Sprintf(format, args...))
}

// Render writes the outcome: a redirect, or in test mode a JSON diagnostic
// with status 200.
func (o *Outcome) Render(w http.ResponseWriter, r *http.Request, testMode bool) {
	if !testMode {
		http.Redirect(w, r, o.Redirect, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(&struct {
		Success  bool   `json:"success"`
		Message  string `json:"message"`
		Redirect string `json:"redirect"`
	}{
		Success:  o.Success,
		Message:  strings.Join(o.Trace, "\n"),
		Redirect: o.Redirect,
	})
}

// Config is the Flow configuration.
type Config struct {
	Site      *channel.Site
	Directory *identity.Directory
	Channels  channel.Store
	Builder   *packet.Builder
	Hooks     *hook.Registry
	Log       *logging.Logger

	// Transport carries auth_check challenges.  Its retry policy should
	// retry transport failures only.
	Transport *transport.Transport

	ChallengeTimeout time.Duration
	ReauthPath       string

	// AllowTest enables the test mode diagnostic.  It is an operator
	// setting and must stay off on production sites.
	AllowTest bool

	// Now overrides the time source.
	Now func() time.Time
}

// Success is the hook.MagicAuthSuccess payload.
type Success struct {
	Location *identity.Location
	Dest     string
	Session  *session.State
}

// Flow runs magic-auth requests.
type Flow struct {
	cfg Config
	log *logging.Logger
}

// New creates a Flow.
func New(cfg Config) *Flow {
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = DefaultChallengeTimeout
	}
	if cfg.ReauthPath == "" {
		cfg.ReauthPath = DefaultReauthPath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Flow{
		cfg: cfg,
		log: cfg.Log,
	}
}

// TestMode returns true if req gets the JSON diagnostic.
func (f *Flow) TestMode(req *Request) bool {
	if req.Test && !f.cfg.AllowTest {
		f.log.Warningf("Ignoring test mode request for %v: disabled", req.Auth)
	}
	return req.Test && f.cfg.AllowTest
}

// Destination returns where a visitor asking for dest is sent.  The
// re-auth entry point is replaced by the site root so that a failed login
// cannot loop.  Any other destination on this site is returned as is.  A
// destination on another site is replaced by the site root as well, so
// that an unauthenticated /post request cannot be used as an open
// redirect to an arbitrary URL.
func (f *Flow) Destination(dest string) string {
	root := f.cfg.Site.URL + "/"
	if strings.HasPrefix(dest, "/") && !strings.HasPrefix(dest, "//") {
		dest = f.cfg.Site.URL + dest
	}
	if dest != f.cfg.Site.URL && !strings.HasPrefix(dest, root) {
		return root
	}
	if strings.HasPrefix(dest, f.cfg.Site.URL+f.cfg.ReauthPath) {
		return root
	}
	return dest
}

// Run executes the flow for req against the visitor's session sess, which
// it updates in place.  The caller persists sess afterwards.
func (f *Flow) Run(ctx context.Context, req *Request, sess *session.State) *Outcome {
	o := &Outcome{
		State:    StateStart,
		Redirect: f.Destination(req.Dest),
	}
	o.tracef("magic-auth for %v (version %v) to %v", req.Auth, req.Version, o.Redirect)
	defer func() {
		outcome := "failed"
		if o.Success {
			outcome = "ok"
		}
		instrument.MagicAuth(outcome)
		f.log.Infof("Magic-auth for %v: %v (%v)", req.Auth, outcome, o.State)
	}()

	channels, err := f.cfg.Channels.List(false)
	if err != nil {
		f.log.Errorf("Failed to list channels: %v", err)
		o.tracef("no local channel: %v", err)
		return o
	}
	sender := channel.SelectSender(channels)
	if sender == nil {
		o.tracef("no local channel available to sign the challenge")
		return o
	}
	o.State = StateLocalChannelSelected

	locs, err := f.cfg.Directory.ResolveByAddress(req.Auth)
	if err != nil {
		o.tracef("invalid address %v: %v", req.Auth, err)
		return o
	}
	if len(locs) == 0 {
		o.tracef("%v is not known here, discovering", req.Auth)
		if locs, err = f.cfg.Directory.Discover(ctx, req.Auth); err != nil {
			o.tracef("discovery failed: %v", err)
		}
	}
	if len(locs) == 0 {
		o.tracef("no hubloc found for %v", req.Auth)
		return o
	}
	o.State = StateRequesterResolved

	var delegate *channel.Channel
	if req.Delegate != "" {
		if delegate, err = f.cfg.Channels.ByAddress(req.Delegate); err != nil || delegate.Removed {
			o.tracef("delegate %v is not a local channel", req.Delegate)
			delegate = nil
		}
	}

	for _, loc := range locs {
		var res *packet.AuthCheckResult
		if f.alreadyAuthed(sess, loc, delegate) {
			o.tracef("already authenticated as %v via %v", loc.Hash, loc.SiteURL)
			o.State = StateAlreadyAuthed
		} else {
			if req.Sec == "" {
				o.tracef("no secret, cannot challenge %v", loc.SiteURL)
				continue
			}
			o.State = StateChallengeSent
			if res, err = f.challenge(ctx, sender, loc, req.Sec); err != nil {
				f.log.Noticef("Challenge of %v at %v failed: %v", loc.Hash, loc.SiteURL, err)
				o.tracef("challenge to %v failed: %v", loc.Callback, err)
				continue
			}
			o.tracef("verified %v via %v", loc.Hash, loc.SiteURL)
		}
		o.State = StateVerified

		if conflict := f.conflict(sess, loc); conflict != "" {
			o.Notice = fmt.Sprintf("Remote authentication blocked. You are logged in locally as %v. Please logout and retry.", conflict)
			o.tracef("session belongs to local channel %v", conflict)
			continue
		}

		f.establish(o, sess, loc, res, delegate)
		o.State = StateSessionEstablished
		o.Success = true
		f.cfg.Hooks.Notify(hook.MagicAuthSuccess, &Success{
			Location: loc,
			Dest:     o.Redirect,
			Session:  sess.Clone(),
		})
		break
	}
	if !o.Success {
		o.tracef("authentication failed")
	}
	return o
}

// alreadyAuthed returns true if the session has already verified the
// identity at loc, for the same delegation.  Hub URLs are compared
// exactly.
func (f *Flow) alreadyAuthed(sess *session.State, loc *identity.Location, delegate *channel.Channel) bool {
	visitor := sess.VisitorID
	if sess.DelegateChannel != 0 {
		visitor = sess.Delegate
	}
	var target uint64
	if delegate != nil {
		target = delegate.ID
	}
	return visitor != "" &&
		visitor == loc.Hash &&
		sess.AuthHub == loc.SiteURL &&
		sess.DelegateChannel == target
}

// conflict returns the address of the local channel logged in to the
// session if it is not the identity at loc.
func (f *Flow) conflict(sess *session.State, loc *identity.Location) string {
	if !sess.IsLocal() {
		return ""
	}
	c, err := f.cfg.Channels.Get(sess.LocalChannel)
	if err != nil {
		return fmt.Sprintf("channel %d", sess.LocalChannel)
	}
	if c.Hash == loc.Hash {
		return ""
	}
	return c.Address
}

// challenge asks the home site at loc to confirm that it issued secret to
// the identity at loc.
func (f *Flow) challenge(ctx context.Context, sender *channel.Channel, loc *identity.Location, secret string) (*packet.AuthCheckResult, error) {
	target, err := loc.SitePublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: site key: %v", zot.ErrCrypto, err)
	}
	signer, err := sender.Signer(f.cfg.Site)
	if err != nil {
		return nil, err
	}
	rcpt := []packet.Recipient{{GUID: loc.Xchan.GUID, GUIDSig: loc.Xchan.GUIDSig}}
	pkt, err := f.cfg.Builder.Build(signer, packet.AuthCheck, rcpt, target, secret)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.ChallengeTimeout)
	defer cancel()
	b, err := f.cfg.Transport.Post(ctx, loc.Callback, string(pkt))
	if err != nil {
		return nil, err
	}

	res := new(packet.AuthCheckResult)
	if err = json.Unmarshal(b, res); err != nil {
		return nil, fmt.Errorf("%w: auth_check response: %v", zot.ErrMalformed, err)
	}
	if !res.Success {
		return nil, errors.New("auth_check refused")
	}
	pub, err := loc.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: identity key: %v", zot.ErrCrypto, err)
	}
	if !crypto.Verify([]byte(secret+loc.Hash), res.Confirm, pub) {
		instrument.SignatureFailure()
		return nil, fmt.Errorf("%w: confirm", zot.ErrSignatureInvalid)
	}
	return res, nil
}

// establish records the verified identity at loc in the session.  A
// successful delegation makes the session act as the delegate channel
// instead.  res is nil when the identity was already authenticated.
func (f *Flow) establish(o *Outcome, sess *session.State, loc *identity.Location, res *packet.AuthCheckResult, delegate *channel.Channel) {
	sess.AuthHub = loc.SiteURL
	sess.Updated = f.cfg.Now()

	if delegate != nil {
		if f.cfg.Channels.IsAllowed(delegate.ID, loc.Hash, channel.CapDelegate) {
			sess.DelegateChannel = delegate.ID
			sess.Delegate = loc.Hash
			o.tracef("acting as delegate %v", delegate.Address)
			return
		}
		err := fmt.Errorf("%w: %v may not act as %v", zot.ErrPermissionDenied, loc.Hash, delegate.Address)
		f.log.Noticef("Delegation refused: %v", err)
		o.tracef("delegation refused: %v", err)
	}

	sess.DelegateChannel = 0
	sess.Delegate = ""
	sess.Authenticated = true
	sess.VisitorID = loc.Hash
	sess.VisitorURL = loc.Xchan.URL
	sess.VisitorAddress = loc.Address
	sess.RemoteHub = loc.SiteURL
	if res != nil {
		sess.RemoteServiceClass = res.ServiceClass
		sess.RemoteLevel = res.Level
		sess.DNT = bool(res.DNT)
	}
}

// Reauth returns the home site URL that starts a login of the identity
// at address here, ending at dest.
func (f *Flow) Reauth(ctx context.Context, address, dest string) (string, error) {
	locs, err := f.cfg.Directory.ResolveByAddress(address)
	if err != nil {
		return "", err
	}
	if len(locs) == 0 {
		if locs, err = f.cfg.Directory.Discover(ctx, address); err != nil {
			return "", err
		}
	}
	if len(locs) == 0 {
		return "", fmt.Errorf("%w: no hubloc found for %v", zot.ErrNotFound, address)
	}
	loc := locs[0]
	for _, l := range locs {
		if l.Primary {
			loc = l
			break
		}
	}
	q := url.Values{"dest": {f.Destination(dest)}}
	return strings.TrimRight(loc.SiteURL, "/") + MagicPath + "?" + q.Encode(), nil
}
