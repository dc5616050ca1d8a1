// Package worker launches task modules as child OS processes and
// supervises their lifetime.
//
// Host tracks one Handle per running task, re-exec'ing the agent binary
// with a "worker-run" subcommand and passing module, arguments, and an
// auth token over the child's stdin. Stop requests go through a
// two-flag StopChannel: a graceful signal first, then Kill after a
// grace period if the child hasn't acknowledged. Platform-specific
// process priority and signal handling live in priority_linux.go,
// priority_darwin.go, and priority_windows.go.
package worker
