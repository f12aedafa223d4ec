// Package vad provides energy-based voice activity detection. It scores
// fixed windows of PCM audio with configurable thresholds and segments a
// continuous stream into utterances at silence boundaries.
package vad
