// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable expansion.
// The format follows the file extension: ".toml" is TOML, anything else is YAML.
// Missing values get defaults and the result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parley/gateway.yaml
//  3. ~/.config/parley/gateway.yaml
//
// PARLEY_DB_PATH, when set, replaces database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	realtime:
//	  ping_interval: "30s"
//	  pong_timeout: "10s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  shutdown_timeout: "10s"
//
//	database:
//	  path: "~/.local/share/parley/parley.db"
//
//	auth:
//	  jwt_secret: ""          # empty = anonymous mode (X-User-Email header)
//	  token_ttl: "24h"
//
//	realtime:
//	  ping_interval: "30s"
//	  pong_timeout: "10s"
//	  write_timeout: "5s"
//	  send_buffer: 64
//	  allowed_origins: []
//
//	notify:
//	  redis_addr: ""          # empty = log notifications only
//	  redis_list: "parley:notify:outbox"
//	  workers: 2
//	  queue_size: 256
//	  max_attempts: 5
//
//	gate:
//	  base_url: ""            # empty = every new thread is allowed
//	  token: ""
//	  timeout: "3s"
//
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "text"          # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
