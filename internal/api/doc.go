// Package api implements the local HTTP REST API and WebSocket feed of the
// Deerma bridge.
//
// This package provides:
//   - Device endpoints returning each purifier's shadow and displayed values
//   - Command endpoints: POST returns a command id at once, GET reports its state
//   - Session endpoints for interactive password or SMS-code login
//   - A WebSocket hub broadcasting state changes and failed commands
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server reads from the shadow reconciler and writes through the command
// dispatcher; it never talks to the cloud directly except to poll a device on
// request. The hub is registered as a reconciler listener and a dispatcher
// failure handler, so every change and every failed command reaches
// subscribed clients.
//
// # Security
//
// The bridge is meant for a trusted local network. There is no user
// authentication; cloud tokens are never returned by any endpoint.
package api
