// Package transcription implements the HTTP client for an external
// transcription engine. It handles multipart form data requests with audio
// clips and metadata, implements retry logic with exponential backoff, and
// manages rate limiting.
package transcription
