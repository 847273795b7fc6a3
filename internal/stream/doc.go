// Package stream implements the streaming connection manager for the
// Noren push feed.
//
// The manager:
//   - Owns a single WebSocket transport and its lifecycle
//   - Authenticates the connection with the session credentials
//   - Sends periodic heartbeat frames while the connection is open
//   - Reconnects on unexpected drops with a fixed backoff, up to a
//     configured attempt limit
//   - Tracks subscribed instruments and replays the full subscription
//     set after every successful reconnect
//   - Classifies inbound frames and dispatches them to the registered
//     data and order callbacks
package stream
