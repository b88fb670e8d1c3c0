// Package timeouts defines shared timeout constants used across the service.
package timeouts

import "time"

// PhoneVerification caps how long a phone verification request may wait for
// the backend before resolving to a retriable failure.
const PhoneVerification = 60 * time.Second

// BackendCall caps a single backend round trip issued by a flow.
const BackendCall = 30 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
