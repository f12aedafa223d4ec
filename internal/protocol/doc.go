// Package protocol implements the WebSocket event contract of the interview service.
// It defines the closed set of event names, the JSON payload types for each event,
// and the envelope with optional acknowledgement ids that carries them.
package protocol
