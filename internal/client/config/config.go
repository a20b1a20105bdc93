package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds runtime settings for the bucketkeeper CLI.
//
// Fields:
//   - ServerAddr: host:port of the daemon's gRPC endpoint.
//   - Token: session token; when empty it is read from TokenFile.
//   - TokenFile: file the daemon writes a fresh token to on start.
//   - Timeout: deadline of a single invoke call.
type Config struct {
	ServerAddr string
	Token      string
	TokenFile  string
	Timeout    time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerAddr = "127.0.0.1:50061"
	c.TokenFile = "bucketkeeper.token"
	c.Timeout = 30 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

// AccessToken returns Token or, failing that, the contents of TokenFile.
func (c *Config) AccessToken() (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}
	if c.TokenFile == "" {
		return "", fmt.Errorf("no token: set -t or a token file")
	}
	b, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", c.TokenFile)
	}
	return tok, nil
}
