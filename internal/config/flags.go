package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/flagx"
)

// parseFlags populates selected daemon Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., "127.0.0.1:50061")
//	-d string   sqlite database path
//	-s string   token HMAC secret
//	-t string   file the CLI token is written to
//	-m int      max concurrent moves
//	-p int      part concurrency for multipart uploads
//	-i int      move progress interval, milliseconds
//	-l string   log level
//
// Like the JSON loader, it only looks at the flags it knows about.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-s", "-t", "-m", "-p", "-i", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ListenAddr, "a", config.ListenAddr, "address and port to run the command server")
	fs.StringVar(&config.DatabasePath, "d", config.DatabasePath, "sqlite database path")
	fs.StringVar(&config.TokenSecret, "s", config.TokenSecret, "token secret key")
	fs.StringVar(&config.TokenFile, "t", config.TokenFile, "file the CLI token is written to")
	fs.IntVar(&config.MaxConcurrentMoves, "m", config.MaxConcurrentMoves, "max concurrent moves")
	fs.IntVar(&config.PartConcurrency, "p", config.PartConcurrency, "concurrent multipart parts")
	progressInterval := fs.Int("i", int(config.ProgressInterval.Milliseconds()), "move progress interval (in milliseconds)")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.ProgressInterval = time.Duration(*progressInterval) * time.Millisecond
}
