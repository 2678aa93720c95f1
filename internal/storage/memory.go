package storage

import (
	"context"
	"sort"
	"sync"

	"bdaybot/internal/civil"
)

// memoryStore keeps everything in process memory.
type memoryStore struct {
	mu     sync.RWMutex
	scopes map[string]*scopeData
	locks  scopeLocks
	closed bool
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return &memoryStore{scopes: map[string]*scopeData{}}
}

func (s *memoryStore) scope(name string, create bool) (*scopeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	d := s.scopes[name]
	if d == nil && create {
		d = newScopeData(name)
		s.scopes[name] = d
	}
	return d, nil
}

func (s *memoryStore) Load(ctx context.Context, scope string) (map[string]Record, error) {
	unlock := s.locks.lock(scope)
	defer unlock()
	d, err := s.scope(scope, false)
	if err != nil {
		return nil, wrapErr("load", scope, err)
	}
	if d == nil {
		return map[string]Record{}, nil
	}
	return d.copyRecords(), nil
}

func (s *memoryStore) Set(ctx context.Context, scope, userID string, rec Record) error {
	unlock := s.locks.lock(scope)
	defer unlock()
	d, err := s.scope(scope, true)
	if err != nil {
		return wrapErr("set", scope, err)
	}
	d.set(userID, rec)
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, scope, userID string) error {
	unlock := s.locks.lock(scope)
	defer unlock()
	d, err := s.scope(scope, false)
	if err != nil {
		return wrapErr("delete", scope, err)
	}
	if d != nil {
		delete(d.records, userID)
	}
	return nil
}

func (s *memoryStore) List(ctx context.Context, scope string) ([]Record, error) {
	m, err := s.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return SortRecords(m), nil
}

func (s *memoryStore) Scope(ctx context.Context, scope string) (ScopeState, bool, error) {
	unlock := s.locks.lock(scope)
	defer unlock()
	d, err := s.scope(scope, false)
	if err != nil {
		return ScopeState{}, false, wrapErr("scope", scope, err)
	}
	if d == nil || !d.hasState {
		return ScopeState{Scope: scope}, false, nil
	}
	return d.state, true, nil
}

func (s *memoryStore) PutScope(ctx context.Context, st ScopeState) error {
	unlock := s.locks.lock(st.Scope)
	defer unlock()
	d, err := s.scope(st.Scope, true)
	if err != nil {
		return wrapErr("put_scope", st.Scope, err)
	}
	d.putState(st)
	return nil
}

func (s *memoryStore) MarkFired(ctx context.Context, scope string, day civil.Date) error {
	unlock := s.locks.lock(scope)
	defer unlock()
	d, err := s.scope(scope, true)
	if err != nil {
		return wrapErr("mark_fired", scope, err)
	}
	d.markFired(day)
	return nil
}

func (s *memoryStore) Scopes(ctx context.Context) ([]ScopeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapErr("scopes", "", ErrClosed)
	}
	out := make([]ScopeState, 0, len(s.scopes))
	for _, d := range s.scopes {
		if d.hasState {
			out = append(out, d.state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
