// Package config handles configuration loading for coven-voice.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_VOICE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven-voice/gateway.yaml
//  3. ~/.config/coven-voice/gateway.yaml
//
// A path ending in .toml is decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	upstream:
//	  api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	upstream:
//	  ready_timeout: "10s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-voice"
//
//	database:
//	  path: "~/.local/share/coven-voice/voice.db"
//
//	upstream:
//	  url: "https://api.openai.com/v1/realtime/calls"
//	  model: "gpt-realtime"
//	  voice: "marin"
//	  transcription_model: "gpt-4o-mini-transcribe"
//
//	agents:
//	  coder:
//	    command: "claude"
//	    args: ["-p", "--output-format", "stream-json", "--verbose"]
//	    new_context_args: ["--session-id", "{context}"]
//	    resume_args: ["--resume", "{context}"]
//	    work_dir: "~/src/project"
//
//	events:
//	  verbose: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text or json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
