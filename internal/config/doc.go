// Package config loads runtime configuration for the bucketkeeper daemon.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config,
//     or the BUCKETKEEPER_CONFIG environment variable.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   listen address of the gRPC command endpoint
//	-d string   path of the sqlite database
//	-s string   token signing secret
//	-m int      maximum concurrently active move tasks
//	-p int      multipart part concurrency
//	-i int      move progress interval (milliseconds)
//	-l string   log level
//
// # JSON schema
//
// Durations use timex.Duration, so values can be either strings like "3s"
// or integer nanoseconds:
//
//	{
//	  "listen_addr": "127.0.0.1:50061",
//	  "database_path": "/var/lib/bucketkeeper/cache.db",
//	  "token_ttl": "12h",
//	  "max_concurrent_moves": 5,
//	  "progress_interval": "200ms"
//	}
package config
