package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"bdaybot/internal/civil"
	logx "bdaybot/pkg/logx"
)

// redisStore keeps one hash of records and one state hash per scope.
//
// Keys:
//   - <prefix>:scope:<scope>:birthdays  userID -> JSON record
//   - <prefix>:scope:<scope>:seq        insertion counter
//   - <prefix>:scope:<scope>:state      offset, dst, chat_id, thread_id, last_fired
//   - <prefix>:scopes                   set of scopes with state
//
// Read-modify-write sequences are serialized per scope inside this process.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
	locks  scopeLocks
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, wrapErr("open", "", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, wrapErr("open", "", fmt.Errorf("redis ping failed: %w", err))
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "bdaybot"
	}
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) key(scope, kind string) string {
	return s.prefix + ":scope:" + scope + ":" + kind
}

func (s *redisStore) scopesKey() string { return s.prefix + ":scopes" }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *redisStore) Load(ctx context.Context, scope string) (map[string]Record, error) {
	m, err := s.client.HGetAll(ctx, s.key(scope, "birthdays")).Result()
	if err != nil {
		return nil, wrapErr("load", scope, err)
	}
	out := make(map[string]Record, len(m))
	for userID, raw := range m {
		var fr fileRecord
		if err := json.Unmarshal([]byte(raw), &fr); err != nil {
			return nil, wrapErr("load", scope, fmt.Errorf("%w: %v", ErrCorrupt, err))
		}
		rec, err := decodeFileRecord(fr)
		if err != nil {
			return nil, wrapErr("load", scope, err)
		}
		rec.UserID = userID
		out[userID] = rec
	}
	return out, nil
}

func (s *redisStore) Set(ctx context.Context, scope, userID string, rec Record) error {
	unlock := s.locks.lock(scope)
	defer unlock()

	bkey := s.key(scope, "birthdays")
	raw, err := s.client.HGet(ctx, bkey, userID).Result()
	switch {
	case err == nil:
		var prev fileRecord
		if json.Unmarshal([]byte(raw), &prev) == nil && prev.Seq > 0 {
			rec.Seq = prev.Seq
		}
	case errors.Is(err, redis.Nil):
	default:
		return wrapErr("set", scope, err)
	}
	if rec.Seq <= 0 {
		seq, err := s.client.Incr(ctx, s.key(scope, "seq")).Result()
		if err != nil {
			return wrapErr("set", scope, err)
		}
		rec.Seq = seq
	}
	rec.UserID = userID
	b, err := json.Marshal(encodeFileRecord(rec))
	if err != nil {
		return wrapErr("set", scope, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, bkey, userID, string(b))
		return nil
	})
	return wrapErr("set", scope, err)
}

func (s *redisStore) Delete(ctx context.Context, scope, userID string) error {
	err := s.client.HDel(ctx, s.key(scope, "birthdays"), userID).Err()
	return wrapErr("delete", scope, err)
}

func (s *redisStore) List(ctx context.Context, scope string) ([]Record, error) {
	m, err := s.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return SortRecords(m), nil
}

func (s *redisStore) Scope(ctx context.Context, scope string) (ScopeState, bool, error) {
	m, err := s.client.HGetAll(ctx, s.key(scope, "state")).Result()
	if err != nil {
		return ScopeState{}, false, wrapErr("scope", scope, err)
	}
	if len(m) == 0 {
		return ScopeState{Scope: scope}, false, nil
	}
	st, err := decodeRedisState(scope, m)
	if err != nil {
		return ScopeState{}, false, wrapErr("scope", scope, err)
	}
	return st, true, nil
}

func decodeRedisState(scope string, m map[string]string) (ScopeState, error) {
	st := ScopeState{Scope: scope}
	var err error
	atoi := func(field string) int64 {
		v := m[field]
		if v == "" || err != nil {
			return 0
		}
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			err = fmt.Errorf("%w: %s=%q", ErrCorrupt, field, v)
		}
		return n
	}
	st.Zone.Offset = int(atoi("offset"))
	st.Zone.DST = m["dst"] == "1"
	st.Channel.ChatID = atoi("chat_id")
	st.Channel.ThreadID = int(atoi("thread_id"))
	if err != nil {
		return ScopeState{}, err
	}
	if st.LastFired, err = parseDay(m["last_fired"]); err != nil {
		return ScopeState{}, err
	}
	return st, nil
}

func (s *redisStore) PutScope(ctx context.Context, st ScopeState) error {
	unlock := s.locks.lock(st.Scope)
	defer unlock()

	skey := s.key(st.Scope, "state")
	prev, err := s.client.HGet(ctx, skey, "last_fired").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapErr("put_scope", st.Scope, err)
	}
	last := formatDay(st.LastFired)
	if prev > last {
		last = prev
	}
	dst := "0"
	if st.Zone.DST {
		dst = "1"
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, skey,
			"offset", strconv.Itoa(st.Zone.Offset),
			"dst", dst,
			"chat_id", strconv.FormatInt(st.Channel.ChatID, 10),
			"thread_id", strconv.Itoa(st.Channel.ThreadID),
			"last_fired", last,
		)
		p.SAdd(ctx, s.scopesKey(), st.Scope)
		return nil
	})
	return wrapErr("put_scope", st.Scope, err)
}

func (s *redisStore) MarkFired(ctx context.Context, scope string, day civil.Date) error {
	unlock := s.locks.lock(scope)
	defer unlock()

	skey := s.key(scope, "state")
	prev, err := s.client.HGet(ctx, skey, "last_fired").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapErr("mark_fired", scope, err)
	}
	next := formatDay(day)
	if prev >= next {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, skey, "last_fired", next)
		p.SAdd(ctx, s.scopesKey(), scope)
		return nil
	})
	return wrapErr("mark_fired", scope, err)
}

func (s *redisStore) Scopes(ctx context.Context) ([]ScopeState, error) {
	names, err := s.client.SMembers(ctx, s.scopesKey()).Result()
	if err != nil {
		return nil, wrapErr("scopes", "", err)
	}
	sort.Strings(names)
	out := make([]ScopeState, 0, len(names))
	for _, name := range names {
		st, ok, err := s.Scope(ctx, name)
		if err != nil {
			s.log.Warn("skipping unreadable scope", logx.String("scope", name), logx.Err(err))
			continue
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}
