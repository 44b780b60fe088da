// Package moip implements the controller communication layer for a MoIP
// AV-over-IP system.
//
// The controller exposes two independent paths. The line protocol (a telnet
// style text session, default port 23) carries routing, CEC, serial and IR
// commands and pushes unsolicited routing and serial broadcasts. The
// management REST API (HTTPS, bearer token) carries names, unit details,
// video settings and preview images. This package keeps one long-lived
// session on each path and reconciles both into a single state cache.
//
// # Architecture
//
//	              ┌────────────┐  line   ┌──────────────┐
//	 Controller ─►│ Supervisor │────────►│ LineTransport│◄──► controller :23
//	 (facade)     │            │  rest   ├──────────────┤
//	     │        └─────┬──────┘────────►│  RestClient  │◄──► controller :443
//	     │              │ resync         └──────┬───────┘
//	     ▼              ▼                       │ frames / events
//	┌──────────┐   ┌──────────┐   apply   ┌─────▼──────┐
//	│  Mapper  │   │StateCache│◄──────────│ Dispatcher │
//	└──────────┘   └────┬─────┘           └────────────┘
//	                    │ changes
//	           Bridge (MQTT) · Recorder (InfluxDB) · API websocket
//
// # Key Responsibilities
//
//   - Frame and correlate line-protocol requests with their replies
//   - Keep a bearer token valid with at most one login in flight
//   - Map line-protocol indices to management-plane group and unit ids
//   - Apply unsolicited broadcasts to the cache in arrival order
//   - Reconnect with exponential backoff and resync after every reconnect
//
// # Device Addressing
//
// Transmitters and receivers are addressed by 1-based index on the line
// protocol. The REST API addresses them by group id and unit id; the Mapper
// resolves one to the other by scanning group settings once per refresh.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// Cache reads never block on network I/O.
package moip
