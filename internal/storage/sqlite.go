package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bdaybot/internal/civil"
	"bdaybot/internal/zone"
	logx "bdaybot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	locks scopeLocks
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapErr("open", "", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapErr("open", "", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = FULL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, wrapErr("migrate", "", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	stmts, err := migrationStatements("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// migrationStatements splits an embedded migration file on ';'.
func migrationStatements(name string) ([]string, error) {
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, part := range strings.Split(string(b), ";") {
		if q := strings.TrimSpace(part); q != "" {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Load(ctx context.Context, scope string) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, display_name, year, month, day, seq FROM birthdays WHERE scope = ?`, scope)
	if err != nil {
		return nil, wrapErr("load", scope, err)
	}
	defer rows.Close()

	out := map[string]Record{}
	for rows.Next() {
		var (
			r                Record
			year, month, day int
		)
		if err := rows.Scan(&r.UserID, &r.DisplayName, &year, &month, &day, &r.Seq); err != nil {
			return nil, wrapErr("load", scope, err)
		}
		if r.Birthday, err = decodeBirthday(year, month, day); err != nil {
			return nil, wrapErr("load", scope, err)
		}
		out[r.UserID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("load", scope, err)
	}
	return out, nil
}

func (s *sqliteStore) Set(ctx context.Context, scope, userID string, rec Record) error {
	unlock := s.locks.lock(scope)
	defer unlock()
	b := rec.Birthday
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO birthdays(scope, user_id, display_name, year, month, day, seq)
		 VALUES(?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM birthdays WHERE scope = ?))
		 ON CONFLICT(scope, user_id) DO UPDATE SET
		   display_name=excluded.display_name, year=excluded.year, month=excluded.month, day=excluded.day`,
		scope, userID, rec.DisplayName, b.Year, int(b.Month), b.Day, scope,
	)
	return wrapErr("set", scope, err)
}

func (s *sqliteStore) Delete(ctx context.Context, scope, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM birthdays WHERE scope = ? AND user_id = ?`, scope, userID)
	return wrapErr("delete", scope, err)
}

func (s *sqliteStore) List(ctx context.Context, scope string) ([]Record, error) {
	m, err := s.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return SortRecords(m), nil
}

func (s *sqliteStore) Scope(ctx context.Context, scope string) (ScopeState, bool, error) {
	var (
		st   = ScopeState{Scope: scope}
		last string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT utc_offset, dst, chat_id, thread_id, last_fired FROM scopes WHERE scope = ?`, scope,
	).Scan(&st.Zone.Offset, &st.Zone.DST, &st.Channel.ChatID, &st.Channel.ThreadID, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return ScopeState{}, false, wrapErr("scope", scope, err)
	}
	if st.LastFired, err = parseDay(last); err != nil {
		return ScopeState{}, false, wrapErr("scope", scope, err)
	}
	return st, true, nil
}

func (s *sqliteStore) PutScope(ctx context.Context, st ScopeState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scopes(scope, utc_offset, dst, chat_id, thread_id, last_fired) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(scope) DO UPDATE SET
		   utc_offset=excluded.utc_offset, dst=excluded.dst, chat_id=excluded.chat_id, thread_id=excluded.thread_id,
		   last_fired=CASE WHEN excluded.last_fired > scopes.last_fired THEN excluded.last_fired ELSE scopes.last_fired END`,
		st.Scope, st.Zone.Offset, st.Zone.DST, st.Channel.ChatID, st.Channel.ThreadID, formatDay(st.LastFired),
	)
	return wrapErr("put_scope", st.Scope, err)
}

func (s *sqliteStore) MarkFired(ctx context.Context, scope string, day civil.Date) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scopes(scope, last_fired) VALUES(?,?)
		 ON CONFLICT(scope) DO UPDATE SET last_fired=excluded.last_fired
		 WHERE scopes.last_fired < excluded.last_fired`,
		scope, formatDay(day),
	)
	return wrapErr("mark_fired", scope, err)
}

func (s *sqliteStore) Scopes(ctx context.Context) ([]ScopeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, utc_offset, dst, chat_id, thread_id, last_fired FROM scopes ORDER BY scope`)
	if err != nil {
		return nil, wrapErr("scopes", "", err)
	}
	defer rows.Close()
	var out []ScopeState
	for rows.Next() {
		var (
			st   ScopeState
			spec zone.Spec
			last string
		)
		if err := rows.Scan(&st.Scope, &spec.Offset, &spec.DST, &st.Channel.ChatID, &st.Channel.ThreadID, &last); err != nil {
			return nil, wrapErr("scopes", "", err)
		}
		st.Zone = spec
		if st.LastFired, err = parseDay(last); err != nil {
			s.log.Warn("skipping unreadable scope", logx.String("scope", st.Scope), logx.Err(err))
			continue
		}
		out = append(out, st)
	}
	return out, wrapErr("scopes", "", rows.Err())
}

// Compact checkpoints the WAL into the main database file.
func (s *sqliteStore) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return wrapErr("compact", "", err)
}
