package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OverridesDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logLevel: debug
redis:
  addr: redis.internal:6379
worker:
  concurrency: 16
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, 8, cfg.Scheduler.TargetChunksPerCycle, "fields absent from the file keep their default")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: info\n"), 0o644))

	var mu sync.Mutex
	var reloaded Config
	reloadCh := make(chan struct{}, 1)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	w, err := NewWatcher(path, logger, func(c Config) {
		mu.Lock()
		reloaded = c
		mu.Unlock()
		select {
		case reloadCh <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	stop := make(chan struct{})
	defer close(stop)
	go w.Run(stop)

	require.NoError(t, os.WriteFile(path, []byte("logLevel: warn\n"), 0o644))

	select {
	case <-reloadCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "warn", reloaded.LogLevel)
}
