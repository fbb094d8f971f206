// Package logging provides structured logging for Gray Logic Uplink.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same default fields (service, version) and level filtering.
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
//	st.SetLogger(logger.Component("store"))
//
// Never log message payloads or broker credentials.
package logging
