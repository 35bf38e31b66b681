// Package config handles configuration loading for coven-chat.
//
// # Configuration File
//
// Files ending in .toml are decoded as TOML; anything else is YAML. The CLI
// looks for the file in this order:
//
//  1. Path from the COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//
// COVEN_CHAT_DB_PATH, when set, replaces database.path.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	messages:
//	  idempotency_ttl: "10m"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"
//	database:
//	  driver: sqlite
//	  path: ~/.local/share/coven/chat.db
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//	live:
//	  redis_url: "redis://localhost:6379/0"
//	logging:
//	  level: info
//	  format: text
package config
