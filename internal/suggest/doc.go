// Package suggest receives generated answer candidates over the connection
// and keys each batch to the transcript turn it responds to.
package suggest
