// Package maintenance runs periodic housekeeping jobs (store compaction) on
// cron schedules. A job never overlaps itself; a tick that finds the previous
// run still going is skipped.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"bdaybot/internal/storage"
	logx "bdaybot/pkg/logx"
)

// ErrDisabled is returned by ParseSchedule for "off" and "none".
var ErrDisabled = errors.New("schedule disabled")

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
	Runs    int64     `json:"runs"`
	Skipped int64     `json:"skipped"`
	LastErr string    `json:"last_err,omitempty"`
}

type job struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64

	mu      sync.Mutex
	lastErr string
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*job
	wg   sync.WaitGroup
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
	}
}

// ParseSchedule normalizes a schedule to a cron spec. Accepted forms:
// cron ("0 4 * * *", "@hourly", "@every 30m"), a Go duration ("6h") and a
// daily local time ("04:30").
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "":
		return "", fmt.Errorf("schedule required")
	case "off", "none", "disabled":
		return "", ErrDisabled
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}
	if h, m, ok := parseHHMM(s); ok {
		return fmt.Sprintf("%d %d * * *", m, h), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("interval must be > 0")
		}
		return "@every " + d.String(), nil
	}
	return "", fmt.Errorf("invalid schedule %q (use cron like '0 4 * * *', HH:MM like '04:30', or duration like '6h')", raw)
}

func parseHHMM(s string) (hour, minute int, ok bool) {
	hh, mm, found := strings.Cut(s, ":")
	if !found || len(mm) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// Add registers or replaces a job. It may be called before or after Start.
func (s *Service) Add(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("%s: invalid cron %q: %w", name, spec, err)
	}
	j := &job{name: name, spec: spec, timeout: timeout, run: run}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.jobs[name] = j
	if s.c != nil {
		return s.scheduleLocked(j)
	}
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) scheduleLocked(j *job) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(j.spec, func() { s.fire(ctx, j) })
	if err != nil {
		return err
	}
	j.entryID = id
	return nil
}

func (s *Service) fire(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Warn("job still running; tick skipped", logx.String("job", j.name))
		return
	}
	s.wg.Add(1)
	defer func() {
		j.running.Store(false)
		s.wg.Done()
	}()

	err := s.runJob(ctx, j)
	j.runs.Add(1)
	j.mu.Lock()
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()
}

func (s *Service) runJob(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in job", logx.String("job", j.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	err = j.run(ctx)
	if err != nil {
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("job ok", logx.String("job", j.name), logx.Duration("dur", time.Since(start)))
	return nil
}

// Start begins triggering jobs in the local time zone. Jobs receive ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.Local))
	for _, j := range s.jobs {
		if err := s.scheduleLocked(j); err != nil {
			s.c = nil
			return fmt.Errorf("%s: %w", j.name, err)
		}
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts triggering and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("maintenance stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	if !j.running.CompareAndSwap(false, true) {
		return fmt.Errorf("job %q is already running", name)
	}
	defer j.running.Store(false)
	err := s.runJob(ctx, j)
	j.runs.Add(1)
	return err
}

func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{Name: j.name, Spec: j.spec, Runs: j.runs.Load(), Skipped: j.skipped.Load()}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		j.mu.Lock()
		info.LastErr = j.lastErr
		j.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// CompactStore returns a job compacting st, or nil when the driver keeps no journal.
func CompactStore(st storage.Store) func(ctx context.Context) error {
	c, ok := st.(storage.Compacter)
	if !ok {
		return nil
	}
	return c.Compact
}
