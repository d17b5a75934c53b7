// Package timeouts defines shared timeout constants used across the broker.
// Every suspension point (IdP calls, storage, HTTP serving) draws its bound
// from here so a slow collaborator surfaces as an error instead of a hung
// request.
package timeouts

import "time"

// IdPExchange caps a single server-to-server call to the identity provider,
// including the authorization-code exchange.
const IdPExchange = 10 * time.Second

// IdPDiscovery caps provider metadata discovery at startup.
const IdPDiscovery = 15 * time.Second

// Storage caps a single identity store operation, including its transaction.
const Storage = 5 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// HealthCheck bounds a command-line health check of a running broker.
const HealthCheck = 5 * time.Second
