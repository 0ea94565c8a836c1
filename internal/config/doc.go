// Package config handles configuration loading for pairchat.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The format is chosen by file extension (.toml, otherwise YAML).
// Load applies defaults and validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PAIRCHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/pairchat/config.yaml
//  3. ~/.config/pairchat/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PAIRCHAT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	live:
//	  idle_channel_ttl: "5m"
//	  heartbeat_interval: "15s"
//
// # Storage
//
// storage.backend selects the message log: "file" (default, one log file per
// conversation under storage.dir), "sqlite" (database.path) or "badger"
// (storage.dir). Users always live in the SQLite database at database.path.
package config
