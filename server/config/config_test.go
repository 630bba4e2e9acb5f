package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swiftgate.toml")
	contents := `
[Listener]
endpoint = "127.0.0.1:9000"
backlog = 64
tcp_nodelay = false
keepalive = 15

[Queue]
max_total = 1024
per_packet_timeout_ms = 10000
validate_on_dequeue = false
thread_safe = false
collect_statistics = false
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9000", cfg.Listener.Endpoint)
	require.Equal(t, 64, cfg.Listener.Backlog)
	require.False(t, cfg.Listener.TCPNoDelay)
	require.Equal(t, 1024, cfg.Queue.MaxTotal)
	require.False(t, cfg.Queue.ThreadSafe)

	// Sections omitted from the file keep their built-in defaults.
	require.Equal(t, 65536, cfg.BufferPool.MaxBufferSize)
}

func TestValidateRejectsEmptyEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Listener.Endpoint = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveQueueMax(t *testing.T) {
	cfg := Default()
	cfg.Queue.MaxTotal = 0
	require.Error(t, cfg.Validate())
}

func TestBucketsRoundTripsFromDefault(t *testing.T) {
	cfg := Default()
	buckets := cfg.BufferPool.Buckets()
	require.NotEmpty(t, buckets)
	require.Equal(t, len(cfg.BufferPool.Buckets), len(buckets))
}
