package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, "static", cfg.Auth.Mode)
	require.Equal(t, 1024, cfg.Broker.MaxEvents)
	require.Equal(t, time.Hour, cfg.Broker.RetainFor)
	require.Equal(t, 5*time.Second, cfg.Runs.CancelGrace)
	require.Equal(t, "memory", cfg.Store.Backend)
	require.Equal(t, "inproc", cfg.Engine.Backend)
}

func TestLoadOverlaysFile(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
http:
  addr: ":9090"
auth:
  mode: static
  tokens:
    acme-token:
      subject: svc-acme
      owner: acme
      scopes: [runs:read, runs:write]
broker:
  max_events: 64
  retain_for: 10m
runs:
  cancel_grace: 2s
redis:
  addr: localhost:6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTP.Addr)
	require.Equal(t, 64, cfg.Broker.MaxEvents)
	require.Equal(t, 10*time.Minute, cfg.Broker.RetainFor)
	require.Equal(t, 5*time.Minute, cfg.Broker.SweepInterval)
	require.Equal(t, 2*time.Second, cfg.Runs.CancelGrace)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	tok, ok := cfg.Auth.Tokens["acme-token"]
	require.True(t, ok)
	require.Equal(t, "acme", tok.Owner)
	require.Equal(t, []string{"runs:read", "runs:write"}, tok.Scopes)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "jwt without secret",
			content: "auth:\n  mode: jwt\n",
			wantErr: "auth.jwt.secret",
		},
		{
			name:    "unknown auth mode",
			content: "auth:\n  mode: ldap\n",
			wantErr: "auth.mode",
		},
		{
			name:    "mongo without uri",
			content: "store:\n  backend: mongo\n",
			wantErr: "store.mongo.uri",
		},
		{
			name:    "unknown store backend",
			content: "store:\n  backend: dynamo\n",
			wantErr: "store.backend",
		},
		{
			name:    "temporal without host",
			content: "engine:\n  backend: temporal\n",
			wantErr: "engine.temporal.host_port",
		},
		{
			name:    "zero retention window",
			content: "broker:\n  max_events: 0\n",
			wantErr: "broker.max_events",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.content))
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}
