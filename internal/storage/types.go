package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bdaybot/internal/civil"
	"bdaybot/internal/zone"
)

var (
	ErrClosed  = errors.New("storage closed")
	ErrCorrupt = errors.New("corrupt persisted data")
)

// StorageError wraps an I/O or decode failure with the operation and scope.
type StorageError struct {
	Op    string
	Scope string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s (scope %s): %v", e.Op, e.Scope, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrapErr(op, scope string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Scope: scope, Err: err}
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit
//   - "file": one snapshot + journal pair per scope under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//   - "redis": Redis at DSN (redis://...)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	KeyPrefix   string        // redis only; default "bdaybot"
}

// Record is one user's birthday within a scope.
type Record struct {
	UserID      string
	DisplayName string
	Birthday    civil.Date
	// Seq is the insertion order within the scope, assigned on first Set and kept on overwrite.
	Seq int64
}

// Channel is where a scope's announcements go.
type Channel struct {
	ChatID   int64
	ThreadID int
}

// ScopeState is the persisted schedule of a scope.
type ScopeState struct {
	Scope     string
	Zone      zone.Spec
	Channel   Channel
	LastFired civil.Date // zero until the first announcement day completes
}

func (s ScopeState) HasChannel() bool { return s.Channel.ChatID != 0 }

// Store is the persistence API used by the scheduler and the command layer.
type Store interface {
	// Load returns all records of scope keyed by user ID; empty (not an error) when there are none.
	Load(ctx context.Context, scope string) (map[string]Record, error)
	// Set inserts or overwrites a user's record and is durable when it returns nil.
	Set(ctx context.Context, scope, userID string, rec Record) error
	Delete(ctx context.Context, scope, userID string) error
	// List returns records ordered by (month, day), ties by insertion order.
	List(ctx context.Context, scope string) ([]Record, error)

	Scope(ctx context.Context, scope string) (ScopeState, bool, error)
	PutScope(ctx context.Context, st ScopeState) error
	// MarkFired advances LastFired to day. It never moves it backwards.
	MarkFired(ctx context.Context, scope string, day civil.Date) error
	Scopes(ctx context.Context) ([]ScopeState, error)

	Close() error
}

// Compacter is implemented by drivers that keep a journal.
type Compacter interface {
	Compact(ctx context.Context) error
}

// Pinger is implemented by drivers backed by a network service.
type Pinger interface {
	Ping(ctx context.Context) error
}
