package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keystored.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7499", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 32*1024, cfg.Engine.MaxUpdateChunk)
	assert.False(t, cfg.Audit.Enabled)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9000"
log:
  level: debug
storage:
  type: redis
  redis:
    address: 10.0.0.5:6379
    db: 2
engine:
  max_operations: 16
audit:
  enabled: true
  max_events: 50
  sink:
    type: file
    file_path: /var/log/keystored-audit.jsonl
    batch_size: 10
    flush_interval: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, "10.0.0.5:6379", cfg.Storage.Redis.Address)
	assert.Equal(t, 2, cfg.Storage.Redis.DB)
	assert.Equal(t, 16, cfg.Engine.MaxOperations)
	assert.Equal(t, 32*1024, cfg.Engine.MaxUpdateChunk, "unset fields keep their defaults")
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Audit.Sink.FlushInterval)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"bad log level":       "log:\n  level: verbose\n",
		"bad storage type":    "storage:\n  type: dynamodb\n",
		"redis without addr":  "storage:\n  type: redis\n  redis:\n    address: \"\"\n",
		"bad chunk":           "engine:\n  max_update_chunk: 0\n",
		"http sink no target": "audit:\n  enabled: true\n  sink:\n    type: http\n",
		"unknown sink":        "audit:\n  enabled: true\n  sink:\n    type: kafka\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, logrus.New(), func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before the write.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-ctx.Done():
		t.Fatal("no reload observed")
	}

	cancel()
	<-done
}

func TestWatch_KeepsRunningOnBrokenConfig(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reloaded := make(chan *Config, 1)
	go Watch(ctx, path, logrus.New(), func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: nonsense\n"), 0o600))
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))
	select {
	case cfg := <-reloaded:
		// The broken intermediate write must not have killed the watcher.
		assert.Equal(t, "warn", cfg.Log.Level)
	case <-ctx.Done():
		t.Fatal("no reload observed after recovery")
	}
}
