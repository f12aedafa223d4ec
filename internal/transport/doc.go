// Package transport batches captured audio chunks into encoded frames
// and streams them over an established connection, tracking compression
// and latency statistics per frame.
package transport
