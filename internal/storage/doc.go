// Package storage persists birthdays and per-scope schedule state.
//
// A scope is one chat the bot serves. Every driver keeps:
//   - scope -> userID -> Record (display name + civil date)
//   - scope -> ScopeState (zone, announcement channel, last fired date)
//
// Writes to one scope are serialized; different scopes never wait on each other.
package storage
