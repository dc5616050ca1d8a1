// Package log provides structured logging for the agent using
// zerolog: a package-global Logger, Init(Config) for startup, and
// WithComponent/WithTask/WithWorker child loggers for context fields.
//
// Reconfigure applies a server-pushed logger_config scheduler
// directive at runtime without restarting the process.
package log
