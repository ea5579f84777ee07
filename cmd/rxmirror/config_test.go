package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/nostr-rx/registry"
)

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rxmirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":4000"
query_remotes: ["wss://a.example", "wss://b.example"]
strategy: aggressive
retry_max: 3
ok_timeout: 2s
relay_name: from-file
`), 0o600))

	t.Setenv("RELAY_NAME", "from-env")
	t.Setenv("RETRY_MAX", "4")

	cfg, err := LoadConfig([]string{"-config", path, "-retry-max", "7"})
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Addr)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.QueryRemotes)
	assert.Equal(t, cfg.QueryRemotes, cfg.PublishRemotes)
	assert.Equal(t, "aggressive", cfg.Strategy)
	assert.Equal(t, 2*time.Second, cfg.OKTimeout)
	assert.Equal(t, "from-env", cfg.RelayName)
	assert.Equal(t, 7, cfg.RetryMax)
	assert.True(t, cfg.Auth)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig([]string{"-query-remotes", " wss://a.example, ,wss://b.example"})
	require.NoError(t, err)
	assert.Equal(t, ":3337", cfg.Addr)
	assert.Equal(t, "lazy-keep", cfg.Strategy)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.QueryRemotes)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig([]string{"--config=" + filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestConfig_DefaultRelays(t *testing.T) {
	cfg := &Config{
		QueryRemotes:   []string{"wss://a.example", "wss://b.example"},
		PublishRemotes: []string{"wss://b.example", "wss://c.example"},
	}
	assert.Equal(t, []registry.RelayConfig{
		{URL: "wss://a.example", Read: true},
		{URL: "wss://b.example", Read: true, Write: true},
		{URL: "wss://c.example", Write: true},
	}, cfg.DefaultRelays())
}

func TestSplitAddr(t *testing.T) {
	host, port, err := splitAddr(":3337")
	require.NoError(t, err)
	assert.Equal(t, "", host)
	assert.Equal(t, 3337, port)

	_, _, err = splitAddr("localhost")
	assert.Error(t, err)
}
