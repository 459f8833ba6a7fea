// Package config handles configuration loading for coven-presence.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_PRESENCE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/presence.yaml
//  3. ~/.config/coven/presence.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	bucket:
//	  signing_secret: "${COVEN_BUCKET_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  server_id: "node-1"            # default: hostname
//
//	database:
//	  path: "/var/lib/coven/tracking.db"   # empty or ":memory:" for in-process
//	  redis_url: "redis://localhost:6379/0" # overrides path
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"    # optional, >= 32 bytes
//
//	bucket:
//	  signing_secret: "${COVEN_BUCKET_SECRET}"
//	  algorithm: "HS256"                   # HS256, HS384, HS512
//	  url_pattern: "https://{1}/events?token={3}&server={6}"
//	  max_age: "24h"                       # 0 or empty: tokens never expire
//	  idle_ttl: "30m"                      # 0 or empty: buckets are never evicted
//	  max_buckets: 0
//	  trust_host_header: false             # {1}/{2} from Host instead of local address
//
//	cluster:
//	  tracking_cookie: "SAKAI-TRACKING"
//	  tracking_ttl: "168h"                 # redis records only
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-presence"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Durations use time.ParseDuration syntax.
package config
