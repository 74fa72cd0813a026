// Package timeouts holds the server's shared time limits.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 10 * time.Second

// SweepTick bounds a single expiry sweep so a stuck presenter cannot hold
// the sweeper forever.
const SweepTick = 30 * time.Second
