// Package scheduler runs the daily birthday announcement loop.
//
// # Overview
//
// The Engine tracks every scope that has an announcement channel. For each one it keeps the
// next fire instant (local 00:01 of the following day in the scope's zone) and walks forward
// one local calendar day at a time, announcing every birthday that occurs on that day and
// then persisting the day as fired.
//
// # Catch-up
//
// A tick never trusts the instant it was scheduled for. It recomputes today from the zone
// rule and announces every day after the stored last-fired date up to today, bounded by
// Config.CatchUpDays. Days before today are announced as belated. A scope that never fired
// starts at today.
//
// # Delivery guarantees
//
// Announcements for a day are sent before the day is marked fired, and the mark is durable
// before the scope is re-armed. A crash between the two re-announces that day once on
// restart; a day is never skipped.
//
// # Concurrency
//
// One loop goroutine sleeps until the earliest next fire (or a Register wake-up), then
// ticks the due scopes on a bounded errgroup. Stop waits for in-flight ticks.
package scheduler
