// Package logging provides the process-wide leveled logger used by every
// localcloud subsystem. It wraps log/slog with a subsystem discriminator so
// provider, poller and dispatch logs can be filtered by origin.
//
// Initialize the logger once, before the orchestrator starts any provider:
//
//	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)
//
// All emit functions are safe for concurrent use.
package logging
