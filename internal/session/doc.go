// Package session coordinates interview session membership, join/leave
// requests, status updates, and the observable set of session members.
package session
