// Package api implements the HTTP API and WebSocket relay of a HomeGrow node.
//
// This package provides:
//   - GET /api/v1/health and /api/v1/metrics for monitoring
//   - GET /api/v1/discovery/status for the announcer snapshot
//   - GET /api/v1/discovery/peers for an on-demand, time-boxed peer scan
//   - a WebSocket hub on websocket.path relaying discovery.status and
//     discovery.peers events
//
// # Graceful Degradation
//
// The server runs without MQTT and without a browser. Health always answers
// 200; its status field turns "degraded" when the announcer failed to start
// or a configured broker is unreachable.
package api
