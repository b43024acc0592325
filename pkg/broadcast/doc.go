// Package broadcast relays one live byte stream to many listeners.
//
// An Engine reads chunks from a single source, keeps the most recent ones in a
// ReplayBuffer so late joiners can catch up, and hands each new chunk to every
// registered Subscriber. Every subscriber drains its own bounded queue on its
// own goroutine; a subscriber that falls behind or fails a write is dropped
// without affecting the producer or the other listeners.
package broadcast
