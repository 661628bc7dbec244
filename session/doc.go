// Package session owns the participant's connection to the arena.
//
// Ownership boundary:
//   - transport dial and registration handshake
//   - receive loop and frame dispatch
//   - ordered outbound queue (one writer per connection)
//   - reconnection state machine with exponential backoff
package session
