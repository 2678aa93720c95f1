package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"bdaybot/internal/civil"
	"bdaybot/internal/zone"
	logx "bdaybot/pkg/logx"
)

// fileStore persists each scope as a snapshot plus an append-only journal.
//
// Files under <path>/scopes:
//   - <scope>.snapshot.json (periodic snapshot)
//   - <scope>.journal.jsonl (append-only journal, fsynced per write)
//
// The journal is compacted into the snapshot every compactEvery writes and on Compact.
type fileStore struct {
	log logx.Logger
	dir string

	mu     sync.RWMutex
	scopes map[string]*fileScope
	locks  scopeLocks
	closed bool

	compactEvery int
}

type fileScope struct {
	data    *scopeData
	base    string
	corrupt error
	writes  int
}

type fileRecord struct {
	UserID string `json:"user"`
	Name   string `json:"name"`
	Year   int    `json:"year,omitempty"`
	Month  int    `json:"month"`
	Day    int    `json:"day"`
	Seq    int64  `json:"seq"`
}

type fileState struct {
	Offset    int    `json:"offset"`
	DST       bool   `json:"dst"`
	ChatID    int64  `json:"chat_id,omitempty"`
	ThreadID  int    `json:"thread_id,omitempty"`
	LastFired string `json:"last_fired,omitempty"`
}

type fileSnapshot struct {
	Scope   string       `json:"scope"`
	State   *fileState   `json:"state,omitempty"`
	NextSeq int64        `json:"next_seq"`
	Records []fileRecord `json:"records"`
}

// journalEntry ops: set, del, state, fired.
type journalEntry struct {
	Op     string      `json:"op"`
	Record *fileRecord `json:"rec,omitempty"`
	UserID string      `json:"user,omitempty"`
	State  *fileState  `json:"state,omitempty"`
	Day    string      `json:"day,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir = filepath.Join(dir, "scopes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapErr("open", "", err)
	}
	s := &fileStore{
		log:          log,
		dir:          dir,
		scopes:       map[string]*fileScope{},
		compactEvery: 1000,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return wrapErr("open", "", err)
	}
	bases := map[string]struct{}{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".snapshot.json"):
			bases[strings.TrimSuffix(name, ".snapshot.json")] = struct{}{}
		case strings.HasSuffix(name, ".journal.jsonl"):
			bases[strings.TrimSuffix(name, ".journal.jsonl")] = struct{}{}
		}
	}
	for base := range bases {
		scope, ok := unescapeScope(base)
		if !ok {
			s.log.Warn("skipping unrecognized scope file", logx.String("base", base))
			continue
		}
		fs := s.loadScope(scope, base)
		if fs.corrupt != nil {
			s.log.Error("scope data is corrupt", logx.String("scope", scope), logx.Err(fs.corrupt))
		}
		s.scopes[scope] = fs
	}
	return nil
}

func (s *fileStore) loadScope(scope, base string) *fileScope {
	fs := &fileScope{data: newScopeData(scope), base: base}
	if err := s.readSnapshot(fs); err != nil {
		fs.corrupt = err
		return fs
	}
	if err := s.replayJournal(fs); err != nil {
		fs.corrupt = err
	}
	return fs
}

func (s *fileStore) snapshotPath(base string) string {
	return filepath.Join(s.dir, base+".snapshot.json")
}

func (s *fileStore) journalPath(base string) string {
	return filepath.Join(s.dir, base+".journal.jsonl")
}

func (s *fileStore) readSnapshot(fs *fileScope) error {
	b, err := os.ReadFile(s.snapshotPath(fs.base))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrCorrupt, err)
	}
	if snap.State != nil {
		st, err := decodeFileState(fs.data.state.Scope, *snap.State)
		if err != nil {
			return err
		}
		fs.data.state = st
		fs.data.hasState = true
	}
	for _, fr := range snap.Records {
		rec, err := decodeFileRecord(fr)
		if err != nil {
			return err
		}
		fs.data.set(fr.UserID, rec)
	}
	if snap.NextSeq > fs.data.nextSeq {
		fs.data.nextSeq = snap.NextSeq
	}
	return nil
}

// replayJournal tolerates a torn final line from an interrupted append.
func (s *fileStore) replayJournal(fs *fileScope) error {
	f, err := os.Open(s.journalPath(fs.base))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for n := 1; ; n++ {
		line, rerr := r.ReadBytes('\n')
		if rerr != nil && rerr != io.EOF {
			return rerr
		}
		complete := rerr == nil
		if len(bytes.TrimSpace(line)) > 0 {
			if err := applyJournalLine(fs.data, line); err != nil {
				if !complete {
					s.log.Warn("ignoring torn journal tail", logx.String("scope", fs.data.state.Scope), logx.Int("line", n))
					return nil
				}
				return fmt.Errorf("journal line %d: %w", n, err)
			}
		}
		if !complete {
			return nil
		}
	}
}

func applyJournalLine(d *scopeData, line []byte) error {
	var e journalEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	switch e.Op {
	case "set":
		if e.Record == nil {
			return fmt.Errorf("%w: set without record", ErrCorrupt)
		}
		rec, err := decodeFileRecord(*e.Record)
		if err != nil {
			return err
		}
		d.set(e.Record.UserID, rec)
	case "del":
		delete(d.records, e.UserID)
	case "state":
		if e.State == nil {
			return fmt.Errorf("%w: state without body", ErrCorrupt)
		}
		st, err := decodeFileState(d.state.Scope, *e.State)
		if err != nil {
			return err
		}
		d.putState(st)
	case "fired":
		day, err := parseDay(e.Day)
		if err != nil {
			return err
		}
		d.markFired(day)
	default:
		return fmt.Errorf("%w: unknown op %q", ErrCorrupt, e.Op)
	}
	return nil
}

func decodeFileRecord(fr fileRecord) (Record, error) {
	bd, err := decodeBirthday(fr.Year, fr.Month, fr.Day)
	if err != nil {
		return Record{}, err
	}
	return Record{UserID: fr.UserID, DisplayName: fr.Name, Birthday: bd, Seq: fr.Seq}, nil
}

func encodeFileRecord(r Record) fileRecord {
	return fileRecord{
		UserID: r.UserID,
		Name:   r.DisplayName,
		Year:   r.Birthday.Year,
		Month:  int(r.Birthday.Month),
		Day:    r.Birthday.Day,
		Seq:    r.Seq,
	}
}

func decodeFileState(scope string, fs fileState) (ScopeState, error) {
	last, err := parseDay(fs.LastFired)
	if err != nil {
		return ScopeState{}, err
	}
	return ScopeState{
		Scope:     scope,
		Zone:      zone.Spec{Offset: fs.Offset, DST: fs.DST},
		Channel:   Channel{ChatID: fs.ChatID, ThreadID: fs.ThreadID},
		LastFired: last,
	}, nil
}

func encodeFileState(st ScopeState) *fileState {
	return &fileState{
		Offset:    st.Zone.Offset,
		DST:       st.Zone.DST,
		ChatID:    st.Channel.ChatID,
		ThreadID:  st.Channel.ThreadID,
		LastFired: formatDay(st.LastFired),
	}
}

func (s *fileStore) get(scope string, create bool) (*fileScope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	fs := s.scopes[scope]
	if fs == nil && create {
		fs = &fileScope{data: newScopeData(scope), base: escapeScope(scope)}
		s.scopes[scope] = fs
	}
	return fs, nil
}

// write appends e to the scope journal and fsyncs before returning.
// Caller holds the scope lock.
func (s *fileStore) write(fs *fileScope, e journalEntry) error {
	if fs.corrupt != nil {
		return fs.corrupt
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	f, err := os.OpenFile(s.journalPath(fs.base), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fs.writes++
	return nil
}

// applied runs after a journaled change has reached memory.
func (s *fileStore) applied(fs *fileScope) {
	if s.compactEvery <= 0 || fs.writes < s.compactEvery {
		return
	}
	if err := s.compactScope(fs); err != nil {
		s.log.Debug("scope compact failed", logx.String("scope", fs.data.state.Scope), logx.Err(err))
	}
}

func (s *fileStore) Load(ctx context.Context, scope string) (map[string]Record, error) {
	unlock := s.locks.lock(scope)
	defer unlock()
	fs, err := s.get(scope, false)
	if err != nil {
		return nil, wrapErr("load", scope, err)
	}
	if fs == nil {
		return map[string]Record{}, nil
	}
	if fs.corrupt != nil {
		return nil, wrapErr("load", scope, fs.corrupt)
	}
	return fs.data.copyRecords(), nil
}

func (s *fileStore) Set(ctx context.Context, scope, userID string, rec Record) error {
	unlock := s.locks.lock(scope)
	defer unlock()
	fs, err := s.get(scope, true)
	if err != nil {
		return wrapErr("set", scope, err)
	}
	// Apply to a copy first so a failed append leaves memory untouched.
	next := *fs.data
	next.records = fs.data.copyRecords()
	stored := next.set(userID, rec)
	fr := encodeFileRecord(stored)
	if err := s.write(fs, journalEntry{Op: "set", Record: &fr}); err != nil {
		return wrapErr("set", scope, err)
	}
	*fs.data = next
	s.applied(fs)
	return nil
}

func (s *fileStore) Delete(ctx context.Context, scope, userID string) error {
	unlock := s.locks.lock(scope)
	defer unlock()
	fs, err := s.get(scope, false)
	if err != nil {
		return wrapErr("delete", scope, err)
	}
	if fs == nil {
		return nil
	}
	if _, ok := fs.data.records[userID]; !ok && fs.corrupt == nil {
		return nil
	}
	if err := s.write(fs, journalEntry{Op: "del", UserID: userID}); err != nil {
		return wrapErr("delete", scope, err)
	}
	delete(fs.data.records, userID)
	s.applied(fs)
	return nil
}

func (s *fileStore) List(ctx context.Context, scope string) ([]Record, error) {
	m, err := s.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return SortRecords(m), nil
}

func (s *fileStore) Scope(ctx context.Context, scope string) (ScopeState, bool, error) {
	unlock := s.locks.lock(scope)
	defer unlock()
	fs, err := s.get(scope, false)
	if err != nil {
		return ScopeState{}, false, wrapErr("scope", scope, err)
	}
	if fs == nil {
		return ScopeState{Scope: scope}, false, nil
	}
	if fs.corrupt != nil {
		return ScopeState{}, false, wrapErr("scope", scope, fs.corrupt)
	}
	if !fs.data.hasState {
		return ScopeState{Scope: scope}, false, nil
	}
	return fs.data.state, true, nil
}

func (s *fileStore) PutScope(ctx context.Context, st ScopeState) error {
	unlock := s.locks.lock(st.Scope)
	defer unlock()
	fs, err := s.get(st.Scope, true)
	if err != nil {
		return wrapErr("put_scope", st.Scope, err)
	}
	if err := s.write(fs, journalEntry{Op: "state", State: encodeFileState(st)}); err != nil {
		return wrapErr("put_scope", st.Scope, err)
	}
	fs.data.putState(st)
	s.applied(fs)
	return nil
}

func (s *fileStore) MarkFired(ctx context.Context, scope string, day civil.Date) error {
	unlock := s.locks.lock(scope)
	defer unlock()
	fs, err := s.get(scope, true)
	if err != nil {
		return wrapErr("mark_fired", scope, err)
	}
	if fs.corrupt == nil && fs.data.hasState && !day.After(fs.data.state.LastFired) {
		return nil
	}
	if err := s.write(fs, journalEntry{Op: "fired", Day: formatDay(day)}); err != nil {
		return wrapErr("mark_fired", scope, err)
	}
	fs.data.markFired(day)
	s.applied(fs)
	return nil
}

func (s *fileStore) Scopes(ctx context.Context) ([]ScopeState, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, wrapErr("scopes", "", ErrClosed)
	}
	names := make([]string, 0, len(s.scopes))
	for name := range s.scopes {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]ScopeState, 0, len(names))
	for _, name := range names {
		st, ok, err := s.Scope(ctx, name)
		if err != nil {
			// One corrupt scope does not hide the others.
			s.log.Warn("skipping unreadable scope", logx.String("scope", name), logx.Err(err))
			continue
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// Compact folds every journal into its snapshot.
func (s *fileStore) Compact(ctx context.Context) error {
	s.mu.RLock()
	list := make([]*fileScope, 0, len(s.scopes))
	for _, fs := range s.scopes {
		list = append(list, fs)
	}
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return wrapErr("compact", "", ErrClosed)
	}

	var errs []error
	for _, fs := range list {
		if err := ctx.Err(); err != nil {
			return err
		}
		scope := fs.data.state.Scope
		unlock := s.locks.lock(scope)
		if fs.corrupt == nil && fs.writes > 0 {
			if err := s.compactScope(fs); err != nil {
				errs = append(errs, wrapErr("compact", scope, err))
			}
		}
		unlock()
	}
	return errors.Join(errs...)
}

// compactScope writes a snapshot via tmp+rename and truncates the journal.
// Caller holds the scope lock.
func (s *fileStore) compactScope(fs *fileScope) error {
	snap := fileSnapshot{
		Scope:   fs.data.state.Scope,
		NextSeq: fs.data.nextSeq,
		Records: make([]fileRecord, 0, len(fs.data.records)),
	}
	if fs.data.hasState {
		snap.State = encodeFileState(fs.data.state)
	}
	for _, r := range SortRecords(fs.data.records) {
		snap.Records = append(snap.Records, encodeFileRecord(r))
	}

	path := s.snapshotPath(fs.base)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if err := os.Truncate(s.journalPath(fs.base), 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	fs.writes = 0
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// escapeScope maps a scope to a file-name-safe base; bytes outside [A-Za-z0-9_-] become %XX.
func escapeScope(scope string) string {
	var b strings.Builder
	for i := 0; i < len(scope); i++ {
		c := scope[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func unescapeScope(base string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(base); i++ {
		c := base[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(base) {
			return "", false
		}
		v, err := strconv.ParseUint(base[i+1:i+3], 16, 8)
		if err != nil {
			return "", false
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), true
}
