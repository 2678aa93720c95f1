package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bdaybot/internal/civil"
	logx "bdaybot/pkg/logx"
)

type postgresStore struct {
	pool  *pgxpool.Pool
	log   logx.Logger
	locks scopeLocks
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrapErr("open", "", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapErr("open", "", err)
	}
	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, wrapErr("migrate", "", err)
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	stmts, err := migrationStatements("migrations/postgres.sql")
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := tx.Exec(ctx, q); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *postgresStore) Load(ctx context.Context, scope string) (map[string]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, display_name, year, month, day, seq FROM birthdays WHERE scope = $1`, scope)
	if err != nil {
		return nil, wrapErr("load", scope, err)
	}
	defer rows.Close()

	out := map[string]Record{}
	for rows.Next() {
		var (
			r          Record
			year       int32
			month, day int16
		)
		if err := rows.Scan(&r.UserID, &r.DisplayName, &year, &month, &day, &r.Seq); err != nil {
			return nil, wrapErr("load", scope, err)
		}
		if r.Birthday, err = decodeBirthday(int(year), int(month), int(day)); err != nil {
			return nil, wrapErr("load", scope, err)
		}
		out[r.UserID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("load", scope, err)
	}
	return out, nil
}

func (s *postgresStore) Set(ctx context.Context, scope, userID string, rec Record) error {
	unlock := s.locks.lock(scope)
	defer unlock()
	b := rec.Birthday
	_, err := s.pool.Exec(ctx, `
		INSERT INTO birthdays(scope, user_id, display_name, year, month, day, seq)
		VALUES($1,$2,$3,$4,$5,$6,(SELECT COALESCE(MAX(seq),0)+1 FROM birthdays WHERE scope = $1))
		ON CONFLICT (scope, user_id) DO UPDATE
		SET display_name=EXCLUDED.display_name,
			year=EXCLUDED.year,
			month=EXCLUDED.month,
			day=EXCLUDED.day
	`, scope, userID, rec.DisplayName, int32(b.Year), int16(b.Month), int16(b.Day))
	return wrapErr("set", scope, err)
}

func (s *postgresStore) Delete(ctx context.Context, scope, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM birthdays WHERE scope = $1 AND user_id = $2`, scope, userID)
	return wrapErr("delete", scope, err)
}

func (s *postgresStore) List(ctx context.Context, scope string) ([]Record, error) {
	m, err := s.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return SortRecords(m), nil
}

func (s *postgresStore) Scope(ctx context.Context, scope string) (ScopeState, bool, error) {
	var (
		st     = ScopeState{Scope: scope}
		offset int16
		last   string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT utc_offset, dst, chat_id, thread_id, last_fired FROM scopes WHERE scope = $1`, scope,
	).Scan(&offset, &st.Zone.DST, &st.Channel.ChatID, &st.Channel.ThreadID, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return ScopeState{}, false, wrapErr("scope", scope, err)
	}
	st.Zone.Offset = int(offset)
	if st.LastFired, err = parseDay(last); err != nil {
		return ScopeState{}, false, wrapErr("scope", scope, err)
	}
	return st, true, nil
}

func (s *postgresStore) PutScope(ctx context.Context, st ScopeState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scopes(scope, utc_offset, dst, chat_id, thread_id, last_fired)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (scope) DO UPDATE
		SET utc_offset=EXCLUDED.utc_offset,
			dst=EXCLUDED.dst,
			chat_id=EXCLUDED.chat_id,
			thread_id=EXCLUDED.thread_id,
			last_fired=GREATEST(scopes.last_fired, EXCLUDED.last_fired)
	`, st.Scope, int16(st.Zone.Offset), st.Zone.DST, st.Channel.ChatID, int32(st.Channel.ThreadID), formatDay(st.LastFired))
	return wrapErr("put_scope", st.Scope, err)
}

func (s *postgresStore) MarkFired(ctx context.Context, scope string, day civil.Date) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scopes(scope, last_fired) VALUES($1,$2)
		ON CONFLICT (scope) DO UPDATE
		SET last_fired=EXCLUDED.last_fired
		WHERE scopes.last_fired < EXCLUDED.last_fired
	`, scope, formatDay(day))
	return wrapErr("mark_fired", scope, err)
}

func (s *postgresStore) Scopes(ctx context.Context) ([]ScopeState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scope, utc_offset, dst, chat_id, thread_id, last_fired FROM scopes ORDER BY scope`)
	if err != nil {
		return nil, wrapErr("scopes", "", err)
	}
	defer rows.Close()
	var out []ScopeState
	for rows.Next() {
		var (
			st       ScopeState
			offset   int16
			threadID int32
			last     string
		)
		if err := rows.Scan(&st.Scope, &offset, &st.Zone.DST, &st.Channel.ChatID, &threadID, &last); err != nil {
			return nil, wrapErr("scopes", "", err)
		}
		st.Zone.Offset = int(offset)
		st.Channel.ThreadID = int(threadID)
		if st.LastFired, err = parseDay(last); err != nil {
			s.log.Warn("skipping unreadable scope", logx.String("scope", st.Scope), logx.Err(err))
			continue
		}
		out = append(out, st)
	}
	return out, wrapErr("scopes", "", rows.Err())
}
