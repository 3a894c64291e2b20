// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package outq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/channel/boltchannel"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/packet"
	"github.com/katzenpost/zot/transport"
)

type deliveryFixture struct {
	q         *Queue
	d         *Deliverer
	alice     *channel.Channel
	recipient *identity.Location
	codec     *packet.Codec
}

func newDeliveryFixture(t *testing.T, handler func(f *deliveryFixture) http.HandlerFunc) *deliveryFixture {
	require := require.New(t)

	siteKey, err := crypto.GenerateKey(2048)
	require.NoError(err)
	remoteKey, err := crypto.GenerateKey(2048)
	require.NoError(err)
	remotePub, err := crypto.PublicKeyToPEM(&remoteKey.PublicKey)
	require.NoError(err)

	site := channel.NewSite("https://a.example", "a", siteKey)
	channels, err := boltchannel.New(filepath.Join(t.TempDir(), "channels.db"))
	require.NoError(err)
	t.Cleanup(channels.Close)
	alice, err := channel.Generate("alice", site, 2048)
	require.NoError(err)
	require.NoError(channels.Create(alice))

	f := &deliveryFixture{
		q:     newQueue(t),
		alice: alice,
		codec: packet.NewCodec(remoteKey, ""),
	}
	srv := httptest.NewServer(handler(f))
	t.Cleanup(srv.Close)

	f.recipient = &identity.Location{
		Hubloc: &identity.Hubloc{
			SiteURL:  srv.URL,
			Callback: srv.URL + "/post",
			SiteKey:  remotePub,
		},
		Xchan: &identity.Xchan{GUID: "bob-guid", GUIDSig: "bob-sig"},
	}
	f.d = NewDeliverer(Config{
		Queue:         f.q,
		Site:          site,
		Builder:       packet.NewBuilder(packet.NewCodec(siteKey, "")),
		Transport:     transport.New(logging.MustGetLogger("transport")),
		Log:           logging.MustGetLogger("outq"),
		RetryInterval: time.Hour,
	})
	t.Cleanup(f.d.Halt)
	return f
}

func TestDeliverer(t *testing.T) {
	require := require.New(t)

	got := make(chan *packet.Envelope, 1)
	f := newDeliveryFixture(t, func(f *deliveryFixture) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			env, err := f.codec.Decode([]byte(r.FormValue("data")))
			if err != nil {
				json.NewEncoder(w).Encode(&packet.Result{Message: err.Error()})
				return
			}
			// Collect as the remote site would, with the notify secret.
			es, err := f.q.Pickup(env.Secret, "http://"+r.Host+r.URL.Path)
			if err == nil && len(es) == 1 {
				got <- env
			}
			json.NewEncoder(w).Encode(&packet.Result{Success: true})
		}
	})
	alice := f.alice

	_, err := f.d.Send(context.Background(), alice, f.recipient, json.RawMessage(`{"type":"mail","body":"hi"}`))
	require.NoError(err)

	select {
	case env := <-got:
		require.Equal(packet.Notify, env.Type)
		require.Equal(alice.GUID, env.Sender.GUID)
		require.Equal([]packet.Recipient{{GUID: "bob-guid", GUIDSig: "bob-sig"}}, env.Recipients)
		k, err := alice.Key()
		require.NoError(err)
		require.NoError(env.VerifySender(&k.PublicKey))
	case <-time.After(10 * time.Second):
		t.Fatal("notify was not delivered")
	}
}

func TestDelivererFailureReplies(t *testing.T) {
	for _, tc := range []struct {
		reply string
		kept  bool
	}{
		{`{"success":0,"message":"network failure"}`, true},
		{`{"success":0,"message":"internal error"}`, true},
		{`not json`, true},
		{`{"success":0,"message":"signature invalid"}`, false},
		{`{"success":0,"message":"not addressed to this site"}`, false},
	} {
		t.Run(tc.reply, func(t *testing.T) {
			require := require.New(t)

			replied := make(chan struct{}, 1)
			f := newDeliveryFixture(t, func(f *deliveryFixture) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					w.Write([]byte(tc.reply))
					select {
					case replied <- struct{}{}:
					default:
					}
				}
			})

			id, err := f.d.Send(context.Background(), f.alice, f.recipient, json.RawMessage(`{"body":"hi"}`))
			require.NoError(err)

			select {
			case <-replied:
			case <-time.After(10 * time.Second):
				t.Fatal("notify was not sent")
			}

			future := time.Now().Add(100 * time.Hour)
			if !tc.kept {
				require.Eventually(func() bool {
					es, err := f.q.Due(future)
					return err == nil && len(es) == 0
				}, 5*time.Second, 10*time.Millisecond)
				return
			}
			// The reply is handled after the handler returns.
			require.Never(func() bool {
				es, err := f.q.Due(future)
				return err != nil || len(es) != 1
			}, 500*time.Millisecond, 50*time.Millisecond)
			es, err := f.q.Due(future)
			require.NoError(err)
			require.Equal(id, es[0].ID)
			require.Equal(1, es[0].Attempts)
			require.True(es[0].NextAttempt.After(time.Now()), "retry is scheduled")
		})
	}
}
