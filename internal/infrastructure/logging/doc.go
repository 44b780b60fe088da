// Package logging provides structured logging for the MoIP manager.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same default fields (service, version) and shares one level that
// can be changed at runtime, for example from the --log-level flag.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Security
//
// Never log controller passwords or bearer tokens.
package logging
