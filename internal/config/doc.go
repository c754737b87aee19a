// Package config handles configuration loading for buzzposter-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML (or TOML) file with environment variable
// expansion, then defaulted and validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BUZZPOSTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/buzzposter/gateway.yaml
//  3. ~/.config/buzzposter/gateway.yaml
//
// A file whose name ends in .toml is decoded with BurntSushi/toml instead.
//
// # Environment Variable Expansion
//
//	stripe:
//	  secret_key: "${STRIPE_SECRET_KEY}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  base_url: "https://buzzposter.example.com"
//
//	database:
//	  path: "/var/lib/buzzposter/gateway.db"
//
//	auth:
//	  state_secret: "${BUZZPOSTER_STATE_SECRET}"   # >= 32 bytes
//
//	quota:
//	  backend: "sqlite"   # sqlite or redis
//	  window: "24h"       # rolling window
//
//	redis:
//	  addr: "localhost:6379"
//
//	tiers:
//	  pro:
//	    daily_quota: 1000
//
//	newsapi:
//	  api_key: "${NEWSAPI_KEY}"
//
//	late:
//	  client_id: "${LATE_CLIENT_ID}"
//	  client_secret: "${LATE_CLIENT_SECRET}"
//
//	stripe:
//	  secret_key: "${STRIPE_SECRET_KEY}"
//	  webhook_secret: "${STRIPE_WEBHOOK_SECRET}"
//	  pro_price_id: "price_..."
//	  business_price_id: "price_..."
//
//	media:
//	  account_id: "${R2_ACCOUNT_ID}"
//	  access_key_id: "${R2_ACCESS_KEY_ID}"
//	  secret_access_key: "${R2_SECRET_ACCESS_KEY}"
//	  bucket: "buzzposter-media"
//	  public_url: "https://media.example.com"
//
//	feeds:
//	  cache_ttl: "15m"
//	  timeout: "10s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() rejects a missing listener or database path, a short state secret,
// an unknown quota backend, a window under one minute and tier overrides that
// produce an invalid policy.
package config
