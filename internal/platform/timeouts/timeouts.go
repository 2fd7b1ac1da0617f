// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// WebSocketWrite caps a single outbound frame write to a realtime client.
const WebSocketWrite = 10 * time.Second

// PushDelivery caps one outbound push provider request.
const PushDelivery = 10 * time.Second

// SweepRun caps a single warning sweep pass.
const SweepRun = 10 * time.Minute

// KVRequest caps one round trip to the shared key-value store.
const KVRequest = 2 * time.Second
