package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "127.0.0.1:50061", c.ListenAddr)
	assert.Equal(t, 5, c.MaxConcurrentMoves)
	assert.Equal(t, 100*MB, c.MultipartThreshold)
	assert.Equal(t, 20*MB, c.PartSize)
	assert.Equal(t, 6, c.PartConcurrency)
	assert.Equal(t, 200*time.Millisecond, c.ProgressInterval)
	assert.Equal(t, time.Second, c.CheckpointInterval)
	assert.Equal(t, "bucketkeeper.token", c.TokenFile)
}

func TestLoadConfig_UsesDefaultsWithoutArgs(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"bucketkeeperd"}
	t.Setenv("BUCKETKEEPER_CONFIG", "")

	cfg := LoadConfig()

	require.NotNil(t, cfg, "LoadConfig must not return nil")
	assert.Equal(t, "127.0.0.1:50061", cfg.ListenAddr)
	assert.Equal(t, 200*time.Millisecond, cfg.ProgressInterval)
}
