// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil, false)
	require.EqualError(err, "No nil buffer as config file")

	basicConfig := `# A basic configuration example.
[Server]
Addresses = [ "127.0.0.1:8443", "[::1]:8443" ]
BaseURL = "https://Zot.Example.ORG:8443/"
DataDir = "%s"

[Logging]
Level = "debug"

[MagicAuth]
ChallengeTimeout = "5s"

[Delivery]
Workers = 2
RetryInterval = "30s"
`
	cfg, err := Load([]byte(fmt.Sprintf(basicConfig, os.TempDir())), false)
	require.NoError(err)
	require.Equal("https://zot.example.org:8443", cfg.Server.BaseURL)
	require.Equal("zot.example.org", cfg.Server.SiteName)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(5*time.Second, cfg.MagicAuth.ChallengeTimeout)
	require.Equal("/rmagic", cfg.MagicAuth.ReauthPath)
	require.Equal(2, cfg.Delivery.Workers)
	require.Equal(30*time.Second, cfg.Delivery.RetryInterval)
	require.Equal(BackendBolt, cfg.Directory.Backend)
	require.Equal(defaultDiscoveryAttempts, cfg.Directory.DiscoveryAttempts)
	require.False(cfg.Debug.GenerateOnly)
	require.False(cfg.Debug.AllowAuthTest)

	cfg, err = Load([]byte(fmt.Sprintf(basicConfig, os.TempDir())), true)
	require.NoError(err)
	require.True(cfg.Debug.GenerateOnly)
}

func TestMinimalConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`[Server]
BaseURL = "http://bücher.example"
DataDir = "/var/lib/zotd"
`), false)
	require.NoError(err)
	require.Equal("http://xn--bcher-kva.example", cfg.Server.BaseURL)
	require.Equal("xn--bcher-kva.example", cfg.Server.SiteName)
	require.Equal([]string{defaultAddress}, cfg.Server.Addresses)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal(20*time.Second, cfg.MagicAuth.ChallengeTimeout)
	require.NotNil(cfg.Metrics)
	require.NotNil(cfg.Debug)
}

func TestInvalidConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		err  string
	}{
		{
			name: "no server",
			body: "[Logging]\nLevel = \"INFO\"\n",
			err:  "config: No Server block was present",
		},
		{
			name: "relative data dir",
			body: "[Server]\nBaseURL = \"https://zot.example\"\nDataDir = \"zotd\"\n",
			err:  "config: Server: DataDir 'zotd' is not an absolute path",
		},
		{
			name: "base url path",
			body: "[Server]\nBaseURL = \"https://zot.example/hub\"\nDataDir = \"/var/lib/zotd\"\n",
			err:  "config: Server: BaseURL 'https://zot.example/hub' must not have a path",
		},
		{
			name: "base url scheme",
			body: "[Server]\nBaseURL = \"ftp://zot.example\"\nDataDir = \"/var/lib/zotd\"\n",
			err:  "config: Server: BaseURL 'ftp://zot.example' is not a http(s) URL",
		},
		{
			name: "log level",
			body: "[Server]\nBaseURL = \"https://zot.example\"\nDataDir = \"/var/lib/zotd\"\n[Logging]\nLevel = \"LOUD\"\n",
			err:  "config: Logging: Level 'LOUD' is invalid",
		},
		{
			name: "challenge timeout",
			body: "[Server]\nBaseURL = \"https://zot.example\"\nDataDir = \"/var/lib/zotd\"\n[MagicAuth]\nChallengeTimeout = \"2m\"\n",
			err:  "config: MagicAuth: ChallengeTimeout 2m0s is out of range",
		},
		{
			name: "pgx without dsn",
			body: "[Server]\nBaseURL = \"https://zot.example\"\nDataDir = \"/var/lib/zotd\"\n[Directory]\nBackend = \"pgx\"\n",
			err:  "config: Directory: PgxDSN is required by the pgx backend",
		},
		{
			name: "undecoded",
			body: "[Server]\nBaseURL = \"https://zot.example\"\nDataDir = \"/var/lib/zotd\"\nIsProvider = true\n",
			err:  "config: Undecoded keys in config file: [Server.IsProvider]",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.body), false)
			require.EqualError(t, err, tc.err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "zotd.toml")
	require.NoError(os.WriteFile(f, []byte("[Server]\nBaseURL = \"https://zot.example\"\nDataDir = \"/var/lib/zotd\"\n"), 0600))
	cfg, err := LoadFile(f, false)
	require.NoError(err)
	require.Equal("https://zot.example", cfg.Server.BaseURL)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"), false)
	require.Error(err)
}
