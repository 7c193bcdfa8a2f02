// Package logging provides structured logging for the Fibaro bridge.
//
// It wraps log/slog with the bridge's defaults: JSON or text output,
// level filtering, service and version fields on every entry, and
// redaction of attributes whose key names a password, token or secret.
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
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("listener").Info("push listener started", "address", addr)
package logging
