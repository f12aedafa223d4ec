// Package audio handles capture, buffering, and frame encoding.
// It accumulates fixed-duration PCM chunks until a flush threshold, encodes
// batches as pcm16/WAV or mu-law+deflate frames, and tracks compression
// statistics with an exponentially weighted moving average.
package audio
