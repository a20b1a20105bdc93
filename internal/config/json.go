package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/bucketkeeper/internal/flagx"
	"github.com/dmitrijs2005/bucketkeeper/internal/timex"
)

// JsonConfig is the on-disk shape of the daemon config. Pointer fields let
// a file override only what it mentions; everything else keeps the value
// that was there before (usually the default).
type JsonConfig struct {
	ListenAddr         *string         `json:"listen_addr"`
	DatabasePath       *string         `json:"database_path"`
	TempDir            *string         `json:"temp_dir"`
	TokenSecret        *string         `json:"token_secret"`
	TokenTTL           *timex.Duration `json:"token_ttl"`
	TokenFile          *string         `json:"token_file"`
	MaxConcurrentMoves *int            `json:"max_concurrent_moves"`
	MultipartThreshold *int64          `json:"multipart_threshold"`
	PartSize           *int64          `json:"part_size"`
	PartConcurrency    *int            `json:"part_concurrency"`
	ProgressInterval   *timex.Duration `json:"progress_interval"`
	CheckpointInterval *timex.Duration `json:"checkpoint_interval"`
	CleanupAttempts    *int            `json:"cleanup_attempts"`
	LogLevel           *string         `json:"log_level"`
}

// parseJson overlays config with values from the JSON file named by
// -c/-config (or $BUCKETKEEPER_CONFIG). It panics when the file cannot be
// read or parsed; LoadConfig is only called from main.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()

	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	if c.ListenAddr != nil {
		config.ListenAddr = *c.ListenAddr
	}
	if c.DatabasePath != nil {
		config.DatabasePath = *c.DatabasePath
	}
	if c.TempDir != nil {
		config.TempDir = *c.TempDir
	}
	if c.TokenSecret != nil {
		config.TokenSecret = *c.TokenSecret
	}
	if c.TokenTTL != nil {
		config.TokenTTL = c.TokenTTL.Duration
	}
	if c.TokenFile != nil {
		config.TokenFile = *c.TokenFile
	}
	if c.MaxConcurrentMoves != nil {
		config.MaxConcurrentMoves = *c.MaxConcurrentMoves
	}
	if c.MultipartThreshold != nil {
		config.MultipartThreshold = *c.MultipartThreshold
	}
	if c.PartSize != nil {
		config.PartSize = *c.PartSize
	}
	if c.PartConcurrency != nil {
		config.PartConcurrency = *c.PartConcurrency
	}
	if c.ProgressInterval != nil {
		config.ProgressInterval = c.ProgressInterval.Duration
	}
	if c.CheckpointInterval != nil {
		config.CheckpointInterval = c.CheckpointInterval.Duration
	}
	if c.CleanupAttempts != nil {
		config.CleanupAttempts = *c.CleanupAttempts
	}
	if c.LogLevel != nil {
		config.LogLevel = *c.LogLevel
	}
}
