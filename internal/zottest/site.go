// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package zottest runs complete in-process Zot sites on httptest servers
// for tests that need remote sites to talk to.
package zottest

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/channel/boltchannel"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/dispatch"
	"github.com/katzenpost/zot/hook"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/identity/boltstore"
	"github.com/katzenpost/zot/outq"
	"github.com/katzenpost/zot/packet"
	"github.com/katzenpost/zot/tokens"
	"github.com/katzenpost/zot/transport"
)

// KeyBits is the RSA key size of test sites and channels.
const KeyBits = 2048

// Site is a site serving packet delivery and identity documents.
type Site struct {
	Site       *channel.Site
	Codec      *packet.Codec
	Builder    *packet.Builder
	Transport  *transport.Transport
	Directory  *identity.Directory
	Channels   channel.Store
	Tokens     *tokens.Store
	Queue      *outq.Queue
	Hooks      *hook.Registry
	Dispatcher *dispatch.Dispatcher
	Server     *httptest.Server

	// Discoveries counts identity document requests served.
	Discoveries atomic.Int32

	// Posts counts packets received.
	Posts atomic.Int32
}

// NewSite starts a site named name.  Everything is torn down when the test
// finishes.
func NewSite(t *testing.T, name string) *Site {
	require := require.New(t)
	dir := t.TempDir()
	s := new(Site)

	mux := http.NewServeMux()
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		s.Posts.Add(1)
		resp := s.Dispatcher.Handle(dispatch.WithPeer(r.Context(), r.RemoteAddr), []byte(r.FormValue("data")))
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp.Bytes())
	})
	mux.HandleFunc(identity.WellKnownPath, func(w http.ResponseWriter, r *http.Request) {
		s.Discoveries.Add(1)
		q := r.URL.Query()
		var (
			c   *channel.Channel
			err error
		)
		if guid := q.Get("guid"); guid != "" {
			c, err = s.Channels.ByGUID(guid)
		} else {
			c, err = s.Channels.ByAddress(q.Get("address") + "@" + s.Site.Host())
		}
		if err != nil {
			json.NewEncoder(w).Encode(&identity.Document{Message: "not found"})
			return
		}
		doc, err := c.Document(s.Site)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(doc)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)

	k, err := crypto.GenerateKey(KeyBits)
	require.NoError(err)
	s.Site = channel.NewSite(s.Server.URL, name, k)
	s.Codec = packet.NewCodec(k, "")
	s.Builder = packet.NewBuilder(s.Codec)
	s.Transport = transport.New(logging.MustGetLogger(name + "/transport"))

	store, err := boltstore.New(filepath.Join(dir, "identity.db"))
	require.NoError(err)
	t.Cleanup(store.Close)
	s.Directory = identity.New(store, s.Transport, logging.MustGetLogger(name+"/identity"), identity.WithScheme("http"))

	s.Channels, err = boltchannel.New(filepath.Join(dir, "channels.db"))
	require.NoError(err)
	t.Cleanup(s.Channels.Close)
	s.Tokens, err = tokens.New(filepath.Join(dir, "tokens.db"))
	require.NoError(err)
	t.Cleanup(s.Tokens.Close)
	s.Queue, err = outq.New(filepath.Join(dir, "outq.db"))
	require.NoError(err)
	t.Cleanup(s.Queue.Close)
	s.Hooks = hook.New(logging.MustGetLogger(name+"/hook"), 1)
	t.Cleanup(s.Hooks.Halt)

	s.Dispatcher, err = dispatch.New(&dispatch.Config{
		Site:      s.Site,
		Codec:     s.Codec,
		Builder:   s.Builder,
		Directory: s.Directory,
		Channels:  s.Channels,
		Tokens:    s.Tokens,
		Queue:     s.Queue,
		Hooks:     s.Hooks,
		Transport: s.Transport,
		Log:       logging.MustGetLogger(name + "/dispatch"),
	})
	require.NoError(err)
	return s
}

// AddChannel creates a channel named name.
func (s *Site) AddChannel(t *testing.T, name string) *channel.Channel {
	c, err := channel.Generate(name, s.Site, KeyBits)
	require.NoError(t, err)
	require.NoError(t, s.Channels.Create(c))
	return c
}

// Build builds a packet from c.
func (s *Site) Build(t *testing.T, c *channel.Channel, typ packet.Type, rcpts []packet.Recipient, target *rsa.PublicKey, secret string) []byte {
	signer, err := c.Signer(s.Site)
	require.NoError(t, err)
	b, err := s.Builder.Build(signer, typ, rcpts, target, secret)
	require.NoError(t, err)
	return b
}

// Post delivers pkt to the site to and returns the response.
func (s *Site) Post(t *testing.T, to *Site, pkt []byte) []byte {
	b, err := s.Transport.Post(context.Background(), to.Site.Callback(), string(pkt))
	require.NoError(t, err)
	return b
}
