package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 25*time.Second, cfg.PingPeriod)
	assert.Equal(t, 8, cfg.MaxParticipants)
	assert.True(t, cfg.AllowGuest)
	require.Len(t, cfg.ICEServers, 1)
	assert.NotEmpty(t, cfg.ICEServers[0].URLs)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	yaml := `
mode: debug
port: 9090
ring_timeout: 45s
max_participants: 0
ice_servers:
  - urls: ["turn:turn.example.com:3478"]
    username: u
    credential: p
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CALLSIG_PORT", "9191")
	t.Setenv("CALLSIG_ALLOW_GUEST", "false")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9191, cfg.Port)
	assert.False(t, cfg.AllowGuest)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Zero(t, cfg.MaxParticipants)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, "u", cfg.ICEServers[0].Username)
}

func TestValidate(t *testing.T) {
	cfg := Config{Port: 8080, RingTimeout: time.Second, PingPeriod: time.Minute, IdleTimeout: time.Second}
	assert.Error(t, cfg.Validate())

	cfg.PingPeriod = 0
	assert.NoError(t, cfg.Validate())

	cfg.Port = 0
	assert.Error(t, cfg.Validate())
}
