// Package transcript assembles transcription results arriving over the
// connection into a stable transcript. Partials replace each other per
// request, finals append in arrival order, and requests that never resolve
// are abandoned after a timeout.
package transcript
