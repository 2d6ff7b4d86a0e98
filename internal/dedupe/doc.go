// Package dedupe remembers which realtime events a client has already delivered, so pushes
// replayed around a reconnect reach the consumer once.
package dedupe
