package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   address and port of the daemon
//	-t string   session token
//	-f string   token file
//	-w int      invoke timeout in seconds
//
// Only these flags are looked at; the rest of the command line belongs to
// the subcommand.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-t", "-f", "-w"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerAddr, "a", cfg.ServerAddr, "address and port of the daemon")
	fs.StringVar(&cfg.Token, "t", cfg.Token, "session token")
	fs.StringVar(&cfg.TokenFile, "f", cfg.TokenFile, "token file")
	timeout := fs.Int("w", int(cfg.Timeout.Seconds()), "invoke timeout (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.Timeout = time.Duration(*timeout) * time.Second
}
