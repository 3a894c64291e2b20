// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package server implements zotd, the Zot protocol endpoint of a site.
package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/channel/boltchannel"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/core/log"
	"github.com/katzenpost/zot/core/retry"
	"github.com/katzenpost/zot/dispatch"
	"github.com/katzenpost/zot/hook"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/identity/boltstore"
	"github.com/katzenpost/zot/identity/pgxstore"
	"github.com/katzenpost/zot/internal/instrument"
	"github.com/katzenpost/zot/internal/profiling"
	"github.com/katzenpost/zot/magicauth"
	"github.com/katzenpost/zot/outq"
	"github.com/katzenpost/zot/packet"
	"github.com/katzenpost/zot/server/config"
	"github.com/katzenpost/zot/session/boltsession"
	"github.com/katzenpost/zot/tokens"
	"github.com/katzenpost/zot/transport"
)

const (
	// SitePrivateKeyFile and SitePublicKeyFile hold the site key pair
	// under the data directory.
	SitePrivateKeyFile = "site.private.pem"
	SitePublicKeyFile  = "site.public.pem"

	// ChannelsFile is the channel database under the data directory.
	ChannelsFile = "channels.db"

	identityFile = "identity.db"
	tokensFile   = "tokens.db"
	outqFile     = "outq.db"
	sessionsFile = "sessions.db"

	shutdownTimeout = 10 * time.Second
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a zotd instance.
type Server struct {
	sync.WaitGroup

	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	site       *channel.Site
	directory  *identity.Directory
	channels   channel.Store
	tokens     *tokens.Store
	queue      *outq.Queue
	sessions   boltsession.Store
	hooks      *hook.Registry
	dispatcher *dispatch.Dispatcher
	deliverer  *outq.Deliverer
	flow       *magicauth.Flow
	issuer     *magicauth.Issuer
	janitor    *janitor

	httpServers []*http.Server
	listeners   []net.Listener

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v', should be '%v'", d, fi.Mode(), dirMode)
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("zotd")
	}
	return err
}

func (s *Server) dataFile(f string) string {
	return filepath.Join(s.cfg.Server.DataDir, f)
}

func (s *Server) initSiteKey() (*rsa.PrivateKey, error) {
	k, err := crypto.LoadOrGenerateKey(s.dataFile(SitePrivateKeyFile), s.dataFile(SitePublicKeyFile), crypto.DefaultKeyBits)
	if err != nil {
		return nil, err
	}
	s.site = channel.NewSite(s.cfg.Server.BaseURL, s.cfg.Server.SiteName, k)
	return k, nil
}

func (s *Server) newTransport(name string, timeout time.Duration, attempts int) *transport.Transport {
	opts := []transport.Option{transport.WithRetry(retry.NewPolicy(attempts))}
	if timeout > 0 {
		opts = append(opts, transport.WithTimeout(timeout))
	}
	return transport.New(s.logBackend.GetLogger(name), opts...)
}

func (s *Server) initDirectory() error {
	var (
		store identity.Store
		err   error
	)
	switch s.cfg.Directory.Backend {
	case config.BackendPgx:
		store, err = pgxstore.New(s.cfg.Directory.PgxDSN, s.logBackend.GetLogger("pgx"), s.cfg.Logging.Level)
	default:
		store, err = boltstore.New(s.dataFile(identityFile))
	}
	if err != nil {
		return fmt.Errorf("server: failed to open identity store: %w", err)
	}

	// Discovery follows this site's scheme, so that plain http is only
	// spoken by sites that are themselves plain http.
	scheme := "https"
	if strings.HasPrefix(s.cfg.Server.BaseURL, "http://") {
		scheme = "http"
	}
	t := s.newTransport("identity/transport", s.cfg.Directory.DiscoveryTimeout, s.cfg.Directory.DiscoveryAttempts)
	s.directory = identity.New(store, t, s.logBackend.GetLogger("identity"),
		identity.WithScheme(scheme),
		identity.WithNegativeCacheTTL(s.cfg.Directory.NegativeCacheTTL),
	)
	return nil
}

func (s *Server) initStores() error {
	var err error
	if s.channels, err = boltchannel.New(s.dataFile(ChannelsFile)); err != nil {
		return fmt.Errorf("server: failed to open channel store: %w", err)
	}
	if s.tokens, err = tokens.New(s.dataFile(tokensFile), tokens.WithLifetime(s.cfg.MagicAuth.TokenLifetime)); err != nil {
		return fmt.Errorf("server: failed to open token store: %w", err)
	}
	if s.queue, err = outq.New(s.dataFile(outqFile)); err != nil {
		return fmt.Errorf("server: failed to open outbound queue: %w", err)
	}
	if s.sessions, err = boltsession.New(s.dataFile(sessionsFile)); err != nil {
		return fmt.Errorf("server: failed to open session store: %w", err)
	}
	return nil
}

func (s *Server) initProtocol(k *rsa.PrivateKey) error {
	codec := packet.NewCodec(k, "")
	builder := packet.NewBuilder(codec)

	s.hooks = hook.New(s.logBackend.GetLogger("hook"), 1)
	s.registerLogHooks()

	var err error
	s.dispatcher, err = dispatch.New(&dispatch.Config{
		Site:      s.site,
		Codec:     codec,
		Builder:   builder,
		Directory: s.directory,
		Channels:  s.channels,
		Tokens:    s.tokens,
		Queue:     s.queue,
		Hooks:     s.hooks,
		Transport: s.newTransport("dispatch/transport", 0, 1),
		Log:       s.logBackend.GetLogger("dispatch"),
	})
	if err != nil {
		return err
	}

	s.deliverer = outq.NewDeliverer(outq.Config{
		Queue:         s.queue,
		Site:          s.site,
		Builder:       builder,
		Transport:     s.newTransport("outq/transport", 0, 1),
		Log:           s.logBackend.GetLogger("outq"),
		Workers:       s.cfg.Delivery.Workers,
		RetryInterval: s.cfg.Delivery.RetryInterval,
		MaxAge:        s.cfg.Delivery.MaxAge,
	})

	s.flow = magicauth.New(magicauth.Config{
		Site:             s.site,
		Directory:        s.directory,
		Channels:         s.channels,
		Builder:          builder,
		Hooks:            s.hooks,
		Log:              s.logBackend.GetLogger("magicauth"),
		Transport:        s.newTransport("magicauth/transport", 0, s.cfg.MagicAuth.ChallengeAttempts),
		ChallengeTimeout: s.cfg.MagicAuth.ChallengeTimeout,
		ReauthPath:       s.cfg.MagicAuth.ReauthPath,
		AllowTest:        s.cfg.Debug.AllowAuthTest,
	})
	s.issuer = magicauth.NewIssuer(s.site, s.tokens, s.logBackend.GetLogger("magicauth/issuer"))
	return nil
}

func (s *Server) registerLogHooks() {
	l := s.logBackend.GetLogger("events")
	s.hooks.Register(hook.Deliver, func(_ context.Context, p interface{}) error {
		d := p.(*dispatch.Delivery)
		l.Infof("Message from %v for %v recipient(s)", d.Sender.Address, len(d.Recipients))
		return nil
	})
	s.hooks.Register(hook.Purged, func(_ context.Context, p interface{}) error {
		e := p.(*dispatch.PurgeEvent)
		l.Infof("Purge from %v", e.Sender.Address)
		return nil
	})
	s.hooks.Register(hook.MagicAuthSuccess, func(_ context.Context, p interface{}) error {
		m := p.(*magicauth.Success)
		l.Infof("Visitor %v logged in via %v", m.Location.Address, m.Location.SiteURL)
		return nil
	})
}

// Site returns this site.
func (s *Server) Site() *channel.Site {
	return s.site
}

// Channels returns the local channel store.
func (s *Server) Channels() channel.Store {
	return s.channels
}

// Hooks returns the extension hook registry.
func (s *Server) Hooks() *hook.Registry {
	return s.hooks
}

// Send delivers message from the local channel at from to the identity at
// to, discovering it if needed.  It returns the outbound queue entry ID.
func (s *Server) Send(ctx context.Context, from, to string, message []byte) (uint64, error) {
	ch, err := s.channels.ByAddress(from)
	if err != nil {
		return 0, err
	}
	if ch.Removed {
		return 0, fmt.Errorf("%w: channel %v was removed", zot.ErrNotFound, from)
	}
	locs, err := s.directory.ResolveByAddress(to)
	if err != nil {
		return 0, err
	}
	if len(locs) == 0 {
		if locs, err = s.directory.Discover(ctx, to); err != nil {
			return 0, err
		}
	}
	loc := locs[0]
	for _, l := range locs {
		if l.Primary {
			loc = l
			break
		}
	}
	return s.deliverer.Send(ctx, ch, loc, message)
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
		return
	}
	s.log.Notice("Log rotated.")
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) serve(srv *http.Server, l net.Listener) {
	addr := l.Addr()
	s.log.Noticef("Listening on: %v", addr)
	defer func() {
		s.log.Noticef("Stopping listening on: %v", addr)
		s.Done()
	}()
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Errorf("Critical serve failure: %v", err)
		select {
		case s.fatalErrCh <- err:
		default:
		}
	}
}

func (s *Server) listen(addr string, h http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          s.logBackend.GetGoLogger("http", "debug"),
	}
	s.listeners = append(s.listeners, l)
	s.httpServers = append(s.httpServers, srv)
	s.Add(1)
	go s.serve(srv, l)
	return nil
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range s.httpServers {
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warningf("HTTP shutdown: %v", err)
		}
	}
	s.WaitGroup.Wait()
	s.httpServers = nil
	s.listeners = nil
	close(s.fatalErrCh)

	if s.janitor != nil {
		s.janitor.Halt()
		s.janitor = nil
	}
	if s.deliverer != nil {
		s.deliverer.Halt()
		s.deliverer = nil
	}
	if s.hooks != nil {
		s.hooks.Halt()
	}
	if s.sessions != nil {
		s.sessions.Close()
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if s.tokens != nil {
		s.tokens.Close()
	}
	if s.channels != nil {
		s.channels.Close()
	}
	if s.directory != nil {
		s.directory.Store().Close()
	}

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specific
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	if s.cfg.Debug.AllowAuthTest {
		s.log.Warning("Magic-auth test mode is enabled, diagnostics are shown to visitors.")
	}

	k, err := s.initSiteKey()
	if err != nil {
		s.log.Errorf("Failed to initialize site key: %v", err)
		return nil, err
	}
	pub, err := s.site.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	s.log.Noticef("Site %v (%v) key hash: %v", s.site.Name, s.site.URL, crypto.Hash([]byte(pub)))

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if s.cfg.Debug.EnableProfiling {
		if err := profiling.Start(s.logBackend.GetLogger("profiling"), s.site.Name); err != nil {
			s.log.Warningf("Failed to start profiling: %v", err)
		}
	}
	if s.cfg.Metrics.Enable {
		instrument.Init()
	}

	if err = s.initDirectory(); err != nil {
		return nil, err
	}
	if err = s.initStores(); err != nil {
		return nil, err
	}
	if err = s.initProtocol(k); err != nil {
		return nil, err
	}
	s.janitor = newJanitor(s)

	router := s.newRouter()
	for _, v := range s.cfg.Server.Addresses {
		if err := s.listen(v, router); err != nil {
			s.log.Errorf("Failed to start listener '%v': %v", v, err)
		}
	}
	if len(s.listeners) == 0 {
		s.log.Errorf("Failed to start all listeners.")
		return nil, fmt.Errorf("server: failed to start all listeners")
	}
	if s.cfg.Metrics.Enable && s.cfg.Metrics.Address != "" {
		if err := s.listen(s.cfg.Metrics.Address, instrument.Handler()); err != nil {
			s.log.Errorf("Failed to start metrics listener '%v': %v", s.cfg.Metrics.Address, err)
		}
	}

	isOk = true
	return s, nil
}
