// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package magicauth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/hook"
	"github.com/katzenpost/zot/internal/zottest"
	"github.com/katzenpost/zot/magicauth"
	"github.com/katzenpost/zot/session"
)

// testbed is a home site a hosting alice, and a site b where alice logs
// in.  b hosts bob, who signs b's challenges.
type testbed struct {
	a, b   *zottest.Site
	alice  *channel.Channel
	bob    *channel.Channel
	flow   *magicauth.Flow
	issuer *magicauth.Issuer
}

func newTestbed(t *testing.T) *testbed {
	tb := &testbed{
		a: zottest.NewSite(t, "a"),
		b: zottest.NewSite(t, "b"),
	}
	tb.alice = tb.a.AddChannel(t, "alice")
	tb.bob = tb.b.AddChannel(t, "bob")
	tb.flow = magicauth.New(magicauth.Config{
		Site:             tb.b.Site,
		Directory:        tb.b.Directory,
		Channels:         tb.b.Channels,
		Builder:          tb.b.Builder,
		Hooks:            tb.b.Hooks,
		Log:              logging.MustGetLogger("b/magicauth"),
		Transport:        tb.b.Transport,
		ChallengeTimeout: 10 * time.Second,
		AllowTest:        true,
	})
	tb.issuer = magicauth.NewIssuer(tb.a.Site, tb.a.Tokens, logging.MustGetLogger("a/magicauth"))
	return tb
}

// login has a issue a login of alice at b for path, and parses the
// resulting request as b would.
func (tb *testbed) login(t *testing.T, path string) *magicauth.Request {
	u, err := tb.issuer.Issue(tb.alice, tb.b.Site.URL+path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, tb.b.Site.URL+channel.PostPath+"?"))
	pu, err := url.Parse(u)
	require.NoError(t, err)
	req, ok := magicauth.ParseRequest(pu.Query())
	require.True(t, ok)
	return req
}

func TestParseRequest(t *testing.T) {
	require := require.New(t)

	_, ok := magicauth.ParseRequest(url.Values{"dest": {"/"}})
	require.False(ok)

	req, ok := magicauth.ParseRequest(url.Values{
		"auth":     {"alice@a.example"},
		"dest":     {"https://b.example/x"},
		"sec":      {"s3cret"},
		"version":  {"2"},
		"delegate": {"shared@b.example"},
		"test":     {"1"},
	})
	require.True(ok)
	require.Equal(&magicauth.Request{
		Auth:     "alice@a.example",
		Dest:     "https://b.example/x",
		Sec:      "s3cret",
		Version:  2,
		Delegate: "shared@b.example",
		Test:     true,
	}, req)

	req, ok = magicauth.ParseRequest(url.Values{"auth": {"alice@a.example"}, "version": {"x"}})
	require.True(ok)
	require.Zero(req.Version)
	require.False(req.Test)
}

func TestDestination(t *testing.T) {
	tb := newTestbed(t)
	site := tb.b.Site.URL

	for _, v := range []struct {
		dest string
		want string
	}{
		{"", site + "/"},
		{site, site},
		{site + "/channel/bob", site + "/channel/bob"},
		{"/channel/bob", site + "/channel/bob"},
		{"//evil.example/x", site + "/"},
		{"https://evil.example/x", site + "/"},
		{site + ".evil.example/x", site + "/"},
		{site + "@evil.example/x", site + "/"},
		{site + "/rmagic", site + "/"},
		{site + "/rmagic?address=alice@a.example", site + "/"},
		{"/rmagic", site + "/"},
	} {
		require.Equal(t, v.want, tb.flow.Destination(v.dest), v.dest)
	}
}

func TestFlowChallenge(t *testing.T) {
	require := require.New(t)
	tb := newTestbed(t)

	succeeded := make(chan *magicauth.Success, 1)
	tb.b.Hooks.Register(hook.MagicAuthSuccess, func(_ context.Context, p interface{}) error {
		succeeded <- p.(*magicauth.Success)
		return nil
	})

	req := tb.login(t, "/channel/bob")
	sess := new(session.State)
	o := tb.flow.Run(context.Background(), req, sess)
	require.True(o.Success, "%v", o.Trace)
	require.Equal(magicauth.StateSessionEstablished, o.State)
	require.Equal(tb.b.Site.URL+"/channel/bob", o.Redirect)
	require.Empty(o.Notice)

	require.True(sess.Authenticated)
	require.Equal(tb.alice.Hash, sess.VisitorID)
	require.Equal(tb.alice.Address, sess.VisitorAddress)
	require.Equal(tb.a.Site.URL, sess.AuthHub)
	require.Equal(tb.a.Site.URL, sess.RemoteHub)
	require.Zero(sess.DelegateChannel)

	select {
	case s := <-succeeded:
		require.Equal(tb.alice.Hash, s.Location.Hash)
		require.Equal(tb.alice.Hash, s.Session.VisitorID)
	case <-time.After(5 * time.Second):
		t.Fatal("no success hook")
	}

	// The secret was single use.
	o = tb.flow.Run(context.Background(), req, new(session.State))
	require.False(o.Success)
}

func TestFlowBadSecret(t *testing.T) {
	require := require.New(t)
	tb := newTestbed(t)

	req := tb.login(t, "/")
	req.Sec = "forged"
	sess := new(session.State)
	o := tb.flow.Run(context.Background(), req, sess)
	require.False(o.Success)
	require.Equal(magicauth.StateChallengeSent, o.State)
	require.Equal(tb.b.Site.URL+"/", o.Redirect)
	require.Equal(&session.State{}, sess)
	require.Contains(strings.Join(o.Trace, "\n"), "challenge to "+tb.a.Site.Callback()+" failed")
}

func TestFlowShortCircuit(t *testing.T) {
	require := require.New(t)
	tb := newTestbed(t)

	_, err := tb.b.Directory.Discover(context.Background(), tb.alice.Address)
	require.NoError(err)

	sess := &session.State{
		Authenticated: true,
		VisitorID:     tb.alice.Hash,
		AuthHub:       tb.a.Site.URL,
	}
	posts := tb.a.Posts.Load()
	o := tb.flow.Run(context.Background(), &magicauth.Request{Auth: tb.alice.Address, Dest: "/"}, sess)
	require.True(o.Success, "%v", o.Trace)
	require.Equal(posts, tb.a.Posts.Load(), "no challenge was sent")
	require.Equal(tb.alice.Hash, sess.VisitorID)

	// Another hub is not the same authentication.
	sess.AuthHub = tb.a.Site.URL + "/"
	o = tb.flow.Run(context.Background(), &magicauth.Request{Auth: tb.alice.Address, Dest: "/", Sec: "forged"}, sess)
	require.False(o.Success)
	require.Equal(posts+1, tb.a.Posts.Load())
}

func TestFlowDelegate(t *testing.T) {
	tb := newTestbed(t)
	shared := tb.b.AddChannel(t, "shared")

	t.Run("denied", func(t *testing.T) {
		require := require.New(t)
		req := tb.login(t, "/")
		req.Delegate = shared.Address
		sess := new(session.State)
		o := tb.flow.Run(context.Background(), req, sess)
		require.True(o.Success, "%v", o.Trace)
		require.Zero(sess.DelegateChannel)
		require.True(sess.Authenticated)
		require.Equal(tb.alice.Hash, sess.VisitorID)
		require.Contains(strings.Join(o.Trace, "\n"), "delegation refused")
	})

	t.Run("granted", func(t *testing.T) {
		require := require.New(t)
		require.NoError(tb.b.Channels.Grant(shared.ID, tb.alice.Hash, channel.CapDelegate))
		req := tb.login(t, "/")
		req.Delegate = shared.Address
		sess := new(session.State)
		o := tb.flow.Run(context.Background(), req, sess)
		require.True(o.Success, "%v", o.Trace)
		require.Equal(shared.ID, sess.DelegateChannel)
		require.Equal(tb.alice.Hash, sess.Delegate)
		require.False(sess.Authenticated)
		require.Empty(sess.VisitorID)
		require.Empty(sess.VisitorURL)
		require.Empty(sess.VisitorAddress)

		// The delegated session short-circuits the same delegation.
		posts := tb.a.Posts.Load()
		o = tb.flow.Run(context.Background(), &magicauth.Request{Auth: tb.alice.Address, Delegate: shared.Address}, sess)
		require.True(o.Success, "%v", o.Trace)
		require.Equal(posts, tb.a.Posts.Load())
	})
}

func TestFlowConflict(t *testing.T) {
	require := require.New(t)
	tb := newTestbed(t)

	req := tb.login(t, "/")
	sess := &session.State{LocalChannel: tb.bob.ID}
	o := tb.flow.Run(context.Background(), req, sess)
	require.False(o.Success)
	require.Contains(o.Notice, tb.bob.Address)
	require.False(sess.Authenticated)
	require.Empty(sess.VisitorID)
}

func TestFlowNoLocalChannel(t *testing.T) {
	require := require.New(t)
	tb := newTestbed(t)
	require.NoError(tb.b.Channels.Remove(tb.bob.ID))

	o := tb.flow.Run(context.Background(), tb.login(t, "/x"), new(session.State))
	require.False(o.Success)
	require.Equal(magicauth.StateStart, o.State)
	require.Equal(tb.b.Site.URL+"/x", o.Redirect)
}

func TestFlowLoopPrevention(t *testing.T) {
	require := require.New(t)
	tb := newTestbed(t)

	o := tb.flow.Run(context.Background(), tb.login(t, "/rmagic?address="+tb.alice.Address), new(session.State))
	require.True(o.Success, "%v", o.Trace)
	require.Equal(tb.b.Site.URL+"/", o.Redirect)
}

func TestFlowDiscoveryFailure(t *testing.T) {
	require := require.New(t)
	tb := newTestbed(t)

	host := strings.TrimPrefix(tb.a.Site.URL, "http://")
	req, ok := magicauth.ParseRequest(url.Values{
		"auth": {"nobody@" + host},
		"dest": {tb.b.Site.URL + "/x"},
		"sec":  {"s3cret"},
		"test": {"1"},
	})
	require.True(ok)
	require.True(tb.flow.TestMode(req))

	sess := new(session.State)
	o := tb.flow.Run(context.Background(), req, sess)
	require.False(o.Success)
	require.Equal(&session.State{}, sess)

	w := httptest.NewRecorder()
	o.Render(w, httptest.NewRequest(http.MethodGet, "/post", nil), true)
	require.Equal(http.StatusOK, w.Code)
	require.Empty(w.Header().Get("Location"))
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(json.Unmarshal(w.Body.Bytes(), &body))
	require.False(body.Success)
	require.Contains(body.Message, "no hubloc found")

	w = httptest.NewRecorder()
	o.Render(w, httptest.NewRequest(http.MethodGet, "/post", nil), false)
	require.Equal(http.StatusFound, w.Code)
	require.Equal(tb.b.Site.URL+"/x", w.Header().Get("Location"))
}

func TestTestModeGate(t *testing.T) {
	tb := newTestbed(t)
	flow := magicauth.New(magicauth.Config{
		Site:      tb.b.Site,
		Directory: tb.b.Directory,
		Channels:  tb.b.Channels,
		Builder:   tb.b.Builder,
		Hooks:     tb.b.Hooks,
		Log:       logging.MustGetLogger("b/magicauth"),
		Transport: tb.b.Transport,
	})
	require.False(t, flow.TestMode(&magicauth.Request{Auth: "x@y", Test: true}))
	require.True(t, tb.flow.TestMode(&magicauth.Request{Auth: "x@y", Test: true}))
	require.False(t, tb.flow.TestMode(&magicauth.Request{Auth: "x@y"}))
}

func TestReauth(t *testing.T) {
	require := require.New(t)
	tb := newTestbed(t)

	u, err := tb.flow.Reauth(context.Background(), tb.alice.Address, "/channel/bob")
	require.NoError(err)
	want := tb.a.Site.URL + magicauth.MagicPath + "?" + url.Values{"dest": {tb.b.Site.URL + "/channel/bob"}}.Encode()
	require.Equal(want, u)

	_, err = tb.flow.Reauth(context.Background(), "nobody@"+strings.TrimPrefix(tb.a.Site.URL, "http://"), "/")
	require.Error(err)
}

func TestIssuer(t *testing.T) {
	require := require.New(t)
	tb := newTestbed(t)

	u, err := tb.issuer.Issue(tb.alice, tb.a.Site.URL+"/channel/alice")
	require.NoError(err)
	require.Equal(tb.a.Site.URL+"/channel/alice", u, "no login needed at home")

	for _, dest := range []string{"", "/relative", "ftp://b.example/", "https://"} {
		_, err = tb.issuer.Issue(tb.alice, dest)
		require.Error(err, dest)
	}

	u, err = tb.issuer.Issue(tb.alice, "https://B.example/x?y=1")
	require.NoError(err)
	pu, err := url.Parse(u)
	require.NoError(err)
	require.Equal("B.example", pu.Host)
	require.Equal(channel.PostPath, pu.Path)
	require.Equal(tb.alice.Address, pu.Query().Get("auth"))
	require.Equal("https://B.example/x?y=1", pu.Query().Get("dest"))
	require.Equal("1", pu.Query().Get("version"))
	require.NotEmpty(pu.Query().Get("sec"))
}
