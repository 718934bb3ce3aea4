// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Heartbeat is the interval realtime clients are expected to send
// room heartbeats at. The staleness window is derived from it.
const Heartbeat = 15 * time.Second

// StalePresence is the default window after which an online membership
// with no heartbeat is considered stale and swept offline.
const StalePresence = 4 * Heartbeat
