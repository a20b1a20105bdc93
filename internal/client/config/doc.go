// Package config loads runtime configuration for the bucketkeeper CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via -c or -config.
//  3. Command-line flags, which override earlier values.
//
// # JSON schema
//
//	{
//	  "server_addr": "127.0.0.1:50061",
//	  "token_file": "/var/lib/bucketkeeper/bucketkeeper.token",
//	  "timeout": "30s"
//	}
package config
