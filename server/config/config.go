// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the zotd configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/katzenpost/zot/magicauth"
	"github.com/katzenpost/zot/outq"
	"github.com/katzenpost/zot/tokens"
)

const (
	defaultAddress  = ":8080"
	defaultLogLevel = "NOTICE"

	defaultDiscoveryTimeout  = 30 * time.Second
	defaultNegativeCacheTTL  = 10 * time.Minute
	defaultDiscoveryAttempts = 3

	defaultChallengeAttempts = 2
	minChallengeTimeout      = time.Second
	maxChallengeTimeout      = 60 * time.Second

	defaultDeliveryWorkers = 4

	// BackendBolt stores the identity directory in a bbolt database.
	BackendBolt = "bolt"

	// BackendPgx stores the identity directory in PostgreSQL.
	BackendPgx = "pgx"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the site configuration.
type Server struct {
	// Addresses are the address/port combinations that the server will
	// bind to for incoming connections.
	Addresses []string

	// BaseURL is the canonical URL of this site, as published in identity
	// documents and used as the hub URL of every local channel.
	BaseURL string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// SiteName is the human readable site name.
	SiteName string
}

func (sCfg *Server) validate() error {
	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{defaultAddress}
	}
	for _, v := range sCfg.Addresses {
		if _, _, err := net.SplitHostPort(v); err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
	}

	u, err := url.Parse(sCfg.BaseURL)
	if err != nil {
		return fmt.Errorf("config: Server: BaseURL '%v' is invalid: %v", sCfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: Server: BaseURL '%v' is not a http(s) URL", sCfg.BaseURL)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("config: Server: BaseURL '%v' must not have a path", sCfg.BaseURL)
	}
	hostname, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil || hostname == "" {
		return fmt.Errorf("config: Server: BaseURL '%v' has an invalid host: %v", sCfg.BaseURL, err)
	}
	hostname = strings.ToLower(hostname)
	host := hostname
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(hostname, port)
	}
	sCfg.BaseURL = u.Scheme + "://" + host

	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.SiteName == "" {
		sCfg.SiteName = hostname
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Directory is the identity directory configuration.
type Directory struct {
	// Backend is the storage backend, "bolt" (default) or "pgx".
	Backend string

	// PgxDSN is the PostgreSQL connection string for the pgx backend.
	PgxDSN string

	// DiscoveryTimeout bounds a single identity document fetch.
	DiscoveryTimeout time.Duration

	// NegativeCacheTTL is how long a failed discovery is remembered.
	NegativeCacheTTL time.Duration

	// DiscoveryAttempts is the number of attempts of a fetch that fails
	// at the transport level.
	DiscoveryAttempts int
}

func (dCfg *Directory) validate() error {
	switch dCfg.Backend {
	case "", BackendBolt:
	case BackendPgx:
		if dCfg.PgxDSN == "" {
			return errors.New("config: Directory: PgxDSN is required by the pgx backend")
		}
	default:
		return fmt.Errorf("config: Directory: Backend '%v' is invalid", dCfg.Backend)
	}
	if dCfg.DiscoveryTimeout < 0 || dCfg.NegativeCacheTTL < 0 || dCfg.DiscoveryAttempts < 0 {
		return errors.New("config: Directory: negative values are invalid")
	}
	return nil
}

func (dCfg *Directory) applyDefaults() {
	if dCfg.Backend == "" {
		dCfg.Backend = BackendBolt
	}
	if dCfg.DiscoveryTimeout == 0 {
		dCfg.DiscoveryTimeout = defaultDiscoveryTimeout
	}
	if dCfg.NegativeCacheTTL == 0 {
		dCfg.NegativeCacheTTL = defaultNegativeCacheTTL
	}
	if dCfg.DiscoveryAttempts == 0 {
		dCfg.DiscoveryAttempts = defaultDiscoveryAttempts
	}
}

// MagicAuth is the magic-auth configuration.
type MagicAuth struct {
	// ChallengeTimeout bounds one auth_check round trip.
	ChallengeTimeout time.Duration

	// TokenLifetime is how long a secret issued to a local channel may
	// be presented.
	TokenLifetime time.Duration

	// ReauthPath is the entry point remote visitors use to start a login.
	ReauthPath string

	// ChallengeAttempts is the number of attempts of a challenge that
	// fails at the transport level.
	ChallengeAttempts int
}

func (mCfg *MagicAuth) validate() error {
	if mCfg.ChallengeTimeout != 0 && (mCfg.ChallengeTimeout < minChallengeTimeout || mCfg.ChallengeTimeout > maxChallengeTimeout) {
		return fmt.Errorf("config: MagicAuth: ChallengeTimeout %v is out of range", mCfg.ChallengeTimeout)
	}
	if mCfg.TokenLifetime < 0 || mCfg.ChallengeAttempts < 0 {
		return errors.New("config: MagicAuth: negative values are invalid")
	}
	if mCfg.ReauthPath != "" && !strings.HasPrefix(mCfg.ReauthPath, "/") {
		return fmt.Errorf("config: MagicAuth: ReauthPath '%v' is not an absolute path", mCfg.ReauthPath)
	}
	return nil
}

func (mCfg *MagicAuth) applyDefaults() {
	if mCfg.ChallengeTimeout == 0 {
		mCfg.ChallengeTimeout = magicauth.DefaultChallengeTimeout
	}
	if mCfg.TokenLifetime == 0 {
		mCfg.TokenLifetime = tokens.DefaultLifetime
	}
	if mCfg.ReauthPath == "" {
		mCfg.ReauthPath = magicauth.DefaultReauthPath
	}
	if mCfg.ChallengeAttempts == 0 {
		mCfg.ChallengeAttempts = defaultChallengeAttempts
	}
}

// Delivery is the outbound delivery configuration.
type Delivery struct {
	// Workers is the number of concurrent notify deliveries.
	Workers int

	// RetryInterval is the base delay between notify attempts.
	RetryInterval time.Duration

	// MaxAge is how long an undelivered message is kept.
	MaxAge time.Duration
}

func (dCfg *Delivery) validate() error {
	if dCfg.Workers < 0 || dCfg.RetryInterval < 0 || dCfg.MaxAge < 0 {
		return errors.New("config: Delivery: negative values are invalid")
	}
	return nil
}

func (dCfg *Delivery) applyDefaults() {
	if dCfg.Workers == 0 {
		dCfg.Workers = defaultDeliveryWorkers
	}
	if dCfg.RetryInterval == 0 {
		dCfg.RetryInterval = outq.DefaultRetryInterval
	}
	if dCfg.MaxAge == 0 {
		dCfg.MaxAge = outq.DefaultMaxAge
	}
}

// Metrics is the Prometheus configuration.
type Metrics struct {
	// Enable mounts /metrics on the main router.
	Enable bool

	// Address, if set, additionally serves /metrics on a dedicated
	// listener.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// AllowAuthTest enables the magic-auth JSON diagnostic requested with
	// test=1.  It leaks login internals and must stay off in production.
	AllowAuthTest bool

	// GenerateOnly halts and cleans up the server right after long term
	// key generation.
	GenerateOnly bool

	// EnableProfiling starts the continuous profiler, if compiled in.
	EnableProfiling bool
}

// Config is the top level zotd configuration.
type Config struct {
	Server    *Server
	Logging   *Logging
	Directory *Directory
	MagicAuth *MagicAuth
	Delivery  *Delivery
	Metrics   *Metrics
	Debug     *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Directory == nil {
		cfg.Directory = &Directory{}
	}
	if cfg.MagicAuth == nil {
		cfg.MagicAuth = &MagicAuth{}
	}
	if cfg.Delivery == nil {
		cfg.Delivery = &Delivery{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Directory.validate(); err != nil {
		return err
	}
	if err := cfg.MagicAuth.validate(); err != nil {
		return err
	}
	if err := cfg.Delivery.validate(); err != nil {
		return err
	}
	if err := cfg.Metrics.validate(); err != nil {
		return err
	}
	cfg.Directory.applyDefaults()
	cfg.MagicAuth.applyDefaults()
	cfg.Delivery.applyDefaults()
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte, forceGenOnly bool) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	if forceGenOnly {
		cfg.Debug.GenerateOnly = true
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string, forceGenOnly bool) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b, forceGenOnly)
}
