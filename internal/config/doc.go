// Package config handles configuration loading for coven-chat.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	matrix:
//	  access_token: "${MATRIX_TOKEN}"
//
// Unset variables expand to an empty string.
//
// # Example
//
//	user:
//	  id: "alice"
//	transport:
//	  backend: "redis"        # local | nats | redis | matrix
//	  history_limit: 50
//	  request_timeout: "5s"
//	  typing_timeout: "6s"
//	redis:
//	  addr: "127.0.0.1:6379"
//	channels:
//	  default: "general"
//	  open: ["general", "random"]
//	logging:
//	  level: "info"
//	  format: "text"
package config
