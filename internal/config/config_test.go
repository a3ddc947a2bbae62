package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, BackendMemory, cfg.Backend)
}

func TestParse(t *testing.T) {
	t.Run("Overrides Defaults", func(t *testing.T) {
		cfg, err := Parse(strings.NewReader(`
log:
  level: debug
backend: redis
redis:
  addrs: ["10.0.0.1:6379"]
  prefix: "{arena}"
world:
  read_block: 250ms
  max_log_length: 5000
server:
  listen_addr: ":9000"
  token: secret
replica:
  name: spatial
  stall_timeout: 1m
  filter:
    all_of: [54]
`))
		require.NoError(t, err)
		require.Equal(t, "debug", cfg.Log.Level)
		require.Equal(t, "json", cfg.Log.Encoding)
		require.Equal(t, BackendRedis, cfg.Backend)
		require.Equal(t, []string{"10.0.0.1:6379"}, cfg.Redis.Addrs)
		require.Equal(t, "{arena}", cfg.Redis.Prefix)
		require.Equal(t, 250*time.Millisecond, cfg.World.ReadBlock)
		require.Equal(t, int64(5000), cfg.World.MaxLogLength)
		require.Equal(t, DefaultConfig().World.MaxChangesPerUpdate, cfg.World.MaxChangesPerUpdate)
		require.Equal(t, ":9000", cfg.Server.ListenAddr)
		require.Equal(t, "/ws", cfg.Server.Path)
		require.Equal(t, time.Minute, cfg.Replica.StallTimeout)
		require.Len(t, cfg.Replica.Filter.AllOf, 1)
	})

	t.Run("Empty Document", func(t *testing.T) {
		cfg, err := Parse(strings.NewReader(""))
		require.NoError(t, err)
		require.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("Unknown Key", func(t *testing.T) {
		_, err := Parse(strings.NewReader("bakcend: redis\n"))
		require.Error(t, err)
	})

	t.Run("Invalid Values", func(t *testing.T) {
		_, err := Parse(strings.NewReader(`
backend: sqlite
log:
  level: loud
server:
  send_queue: 0
`))
		require.ErrorIs(t, err, ErrInvalidConfig)
		require.ErrorContains(t, err, "backend")
		require.ErrorContains(t, err, "log.level")
		require.ErrorContains(t, err, "send_queue")
	})

	t.Run("Bolt Needs A Path", func(t *testing.T) {
		_, err := Parse(strings.NewReader("backend: bolt\nbolt:\n  path: \"\"\n"))
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worldstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: bolt\nbolt:\n  path: /tmp/w.db\n  timeout: 2s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendBolt, cfg.Backend)
	require.Equal(t, 2*time.Second, cfg.Bolt.Timeout)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}
