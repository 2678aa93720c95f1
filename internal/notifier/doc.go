// Package notifier delivers birthday announcements to chat.
//
// Service implements scheduler.Sink. For each announcement it looks up the
// scope's announcement channel, renders the greeting and sends it through a
// transport adapter.
//
// # Throttling
//
// Sends share one token bucket (RatePerSec) so a busy day across many scopes
// stays under the platform's flood limits. Transient send failures are retried
// with exponential backoff and jitter; permanent ones (unknown chat, bot
// removed) fail at once.
//
// # Dedup
//
// A delivered (scope, user, day) is remembered for DedupWindow. A day that is
// re-walked after a failed MarkFired does not greet the same user twice while
// the process is alive.
//
// # History
//
// The service keeps a small in-memory history of recent deliveries for
// operator visibility.
package notifier
