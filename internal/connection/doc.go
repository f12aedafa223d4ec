// Package connection manages the single WebSocket connection to the
// interview service. It owns the credential handshake, typed event dispatch,
// acknowledged sends, and automatic reconnection with exponential backoff.
package connection
