// Package logging provides structured logging for the Deerma bridge.
//
// It wraps log/slog so every component logs the same way:
//
//   - JSON output for production, text for development
//   - service and version attributes on every entry
//   - level filtering (debug, info, warn, error)
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("poller").Info("poll complete", "devices", 2)
//
// Never log account secrets, SMS codes, or access tokens.
package logging
