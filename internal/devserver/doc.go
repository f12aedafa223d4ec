// Package devserver implements the service side of the streaming contract:
// a fiber WebSocket endpoint with bearer-token handshake, a session hub for
// membership and presence, audio relay between members, and a transcription
// engine that segments streamed frames into utterances and answers with
// partial/final results and response suggestions.
package devserver
