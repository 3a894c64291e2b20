// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/dispatch"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/internal/instrument"
	"github.com/katzenpost/zot/magicauth"
	"github.com/katzenpost/zot/session"
)

const (
	// SessionCookie names the cookie carrying the session ID.
	SessionCookie = "zotsid"

	maxPostSize = 4 << 20
)

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(channel.PostPath, s.onPost).Methods(http.MethodPost)
	r.HandleFunc(channel.PostPath, s.onMagicAuth).Methods(http.MethodGet)
	r.HandleFunc(magicauth.MagicPath, s.onMagic).Methods(http.MethodGet)
	r.HandleFunc(s.cfg.MagicAuth.ReauthPath, s.onReauth).Methods(http.MethodGet)
	r.HandleFunc(identity.WellKnownPath, s.onZotInfo).Methods(http.MethodGet)
	if s.cfg.Metrics.Enable {
		r.Handle("/metrics", instrument.Handler()).Methods(http.MethodGet)
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type failureBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) onPost(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPostSize)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, &failureBody{Message: "malformed request"})
		return
	}
	ctx := dispatch.WithPeer(r.Context(), r.RemoteAddr)
	resp := s.dispatcher.Handle(ctx, []byte(r.PostFormValue("data")))
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp.Bytes())
}

// loadSession returns the session of r, creating one if needed.
func (s *Server) loadSession(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, *session.State) {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			st, err := s.sessions.Get(ctx, c.Value)
			switch err {
			case nil:
				return c.Value, st
			case session.ErrNoSession:
			default:
				s.log.Errorf("Failed to load session: %v", err)
			}
		}
	}
	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   strings.HasPrefix(s.site.URL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
	return id, new(session.State)
}

func (s *Server) onMagicAuth(w http.ResponseWriter, r *http.Request) {
	req, ok := magicauth.ParseRequest(r.URL.Query())
	if !ok {
		writeJSON(w, http.StatusBadRequest, &failureBody{Message: "missing auth parameter"})
		return
	}
	ctx := r.Context()
	id, sess := s.loadSession(ctx, w, r)
	o := s.flow.Run(ctx, req, sess)
	if err := s.sessions.Put(ctx, id, sess); err != nil {
		s.log.Errorf("Failed to save session: %v", err)
	}
	o.Render(w, r, s.flow.TestMode(req))
}

// onMagic sends the local channel logged in to the session to dest at a
// remote site, logged in there as well.
func (s *Server) onMagic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dest := r.URL.Query().Get("dest")
	_, sess := s.loadSession(ctx, w, r)
	if !sess.IsLocal() {
		writeJSON(w, http.StatusForbidden, &failureBody{Message: "not logged in"})
		return
	}
	ch, err := s.channels.Get(sess.LocalChannel)
	if err != nil || ch.Removed {
		writeJSON(w, http.StatusForbidden, &failureBody{Message: "not logged in"})
		return
	}
	u, err := s.issuer.Issue(ch, dest)
	if err != nil {
		s.log.Noticef("Magic login of %v to '%v' refused: %v", ch.Address, dest, err)
		writeJSON(w, http.StatusBadRequest, &failureBody{Message: "invalid destination"})
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// onReauth sends a remote visitor to their home site to start a login here.
func (s *Server) onReauth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	u, err := s.flow.Reauth(r.Context(), q.Get("address"), q.Get("dest"))
	if err != nil {
		s.log.Noticef("Reauth of %v failed: %v", q.Get("address"), err)
		http.Redirect(w, r, s.flow.Destination(q.Get("dest")), http.StatusFound)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

func (s *Server) onZotInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		c   *channel.Channel
		err error
	)
	switch {
	case q.Get("guid") != "":
		c, err = s.channels.ByGUID(q.Get("guid"))
	case q.Get("address") != "":
		addr := q.Get("address")
		if !strings.Contains(addr, "@") {
			addr += "@" + s.site.Host()
		}
		c, err = s.channels.ByAddress(addr)
	default:
		writeJSON(w, http.StatusOK, &identity.Document{Message: "no address or guid"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, &identity.Document{Message: "not found"})
		return
	}
	doc, err := c.Document(s.site)
	if err != nil {
		s.log.Errorf("Failed to build document of %v: %v", c.Address, err)
		writeJSON(w, http.StatusInternalServerError, &identity.Document{Message: "internal error"})
		return
	}
	if c.Removed {
		for i := range doc.Locations {
			doc.Locations[i].Deleted = true
		}
	}
	writeJSON(w, http.StatusOK, doc)
}
