// Package api implements the HTTP API and WebSocket server for the MoIP
// manager.
//
// This package provides:
//   - Snapshot reads of devices and routing served from the state cache
//   - Command endpoints (switch, rename, video settings, CEC, serial, IR)
//     that call the controller communication layer
//   - A WebSocket hub relaying live state changes, filtered per client by
//     change kind and device, with a state snapshot on subscribe
//   - Request instrumentation (request ID, access log, panic recovery,
//     counters) and CORS middleware
//
// # Error Mapping
//
// Communication layer errors map to HTTP statuses: invalid arguments are
// 400, unknown resources 404, correlation conflicts 409, controller
// rejections 422, controller authentication failures 502, an unreachable or
// unconfigured controller 503 and timeouts 504.
//
// # Stale Reads
//
// Device and routing reads always return the last known state. While the
// line-protocol session is down the body carries "stale": true and the
// X-MoIP-Stale header is set.
//
// The server has no authentication of its own; it is meant to sit behind
// the web UI on a trusted network.
package api
