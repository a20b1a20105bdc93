// Package config handles configuration for the bucketkeeper daemon,
// including defaults, JSON overlay, and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	MB = int64(1024 * 1024)
)

// Config holds runtime settings for the bucketkeeper daemon.
//
// Fields:
//   - ListenAddr: bind address of the gRPC command endpoint.
//   - DatabasePath: sqlite file holding cache, sessions and accounts.
//   - TempDir: scratch space for move staging files.
//   - TokenSecret / TokenTTL: HMAC secret and lifetime of UI session tokens.
//   - TokenFile: where the daemon writes a fresh CLI token on start.
//   - MaxConcurrentMoves: global ceiling of active transfer tasks.
//   - MultipartThreshold / PartSize / PartConcurrency: upload engine tuning.
//   - ProgressInterval: minimum spacing of move-progress events per task.
//   - CheckpointInterval: minimum spacing of upload session checkpoints.
//   - CleanupAttempts: retries for deleting a moved object's source.
//   - LogLevel: debug, info, warn or error.
type Config struct {
	ListenAddr         string
	DatabasePath       string
	TempDir            string
	TokenSecret        string
	TokenTTL           time.Duration
	TokenFile          string
	MaxConcurrentMoves int
	MultipartThreshold int64
	PartSize           int64
	PartConcurrency    int
	ProgressInterval   time.Duration
	CheckpointInterval time.Duration
	CleanupAttempts    int
	LogLevel           string
}

// LoadDefaults populates Config with development defaults.
// NOTE: TokenSecret must be overridden outside of local development.
func (c *Config) LoadDefaults() {
	c.ListenAddr = "127.0.0.1:50061"
	c.DatabasePath = "bucketkeeper.db"
	c.TempDir = filepath.Join(os.TempDir(), "bucketkeeper")
	c.TokenSecret = "secretKey"
	c.TokenTTL = 12 * time.Hour
	c.TokenFile = "bucketkeeper.token"
	c.MaxConcurrentMoves = 5
	c.MultipartThreshold = 100 * MB
	c.PartSize = 20 * MB
	c.PartConcurrency = 6
	c.ProgressInterval = 200 * time.Millisecond
	c.CheckpointInterval = time.Second
	c.CleanupAttempts = 5
	c.LogLevel = "info"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
