// Package logging provides structured logging for HomeGrow Core.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same handler, level filter and default fields.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "3.0.0")
//	logger.Info("starting service", "port", 4000)
//	logger.With("component", "discovery").Warn("falling back to loopback")
//
// Never log secrets such as the MQTT password or InfluxDB token.
package logging
