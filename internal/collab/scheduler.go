package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"chronicle/collab/internal/documents"
	"chronicle/collab/internal/replica"
	"chronicle/collab/internal/util"
)

type SchedulerConfig struct {
	// Quiet window restarted by every edit.
	Debounce time.Duration
	// Ceiling on how long an edit may stay unflushed while edits keep coming.
	MaxDebounce time.Duration
	// Store attempts per flush cycle.
	Attempts     int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// Failed cycles in a row before FailureObservers hear about it.
	AlertAfter  int
	CallTimeout time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Debounce:     2 * time.Second,
		MaxDebounce:  10 * time.Second,
		Attempts:     5,
		RetryInitial: 500 * time.Millisecond,
		RetryMax:     5 * time.Second,
		AlertAfter:   3,
		CallTimeout:  5 * time.Second,
	}
}

type pending struct {
	timer    *time.Timer
	failures int
	alerted  bool
}

// Scheduler decides when dirty replicas are written back to storage.
type Scheduler struct {
	docs documents.Client
	cfg  SchedulerConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	entries  map[*replica.Replica]*pending
	stopped  bool
	flushObs []FlushObserver
	failObs  []FailureObserver
	// called after every flush attempt made by the scheduler or FlushNow
	afterFlush func(r *replica.Replica, err error)
}

func NewScheduler(docs documents.Client, cfg SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaults.Debounce
	}
	if cfg.MaxDebounce <= 0 {
		cfg.MaxDebounce = defaults.MaxDebounce
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaults.Attempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = defaults.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = defaults.AlertAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		docs:    docs,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[*replica.Replica]*pending{},
	}
}

func (s *Scheduler) OnFlush(observer FlushObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushObs = append(s.flushObs, observer)
}

func (s *Scheduler) OnFailure(observer FailureObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failObs = append(s.failObs, observer)
}

func (s *Scheduler) setAfterFlush(fn func(r *replica.Replica, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterFlush = fn
}

// Touch schedules a flush of r after the quiet window, or sooner when the
// oldest unflushed edit is close to the ceiling.
func (s *Scheduler) Touch(r *replica.Replica) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	delay := s.cfg.Debounce
	if since := r.DirtySince(); !since.IsZero() {
		if remaining := s.cfg.MaxDebounce - time.Since(since); remaining < delay {
			delay = max(remaining, 0)
		}
	}
	s.armLocked(r, delay)
}

func (s *Scheduler) armLocked(r *replica.Replica, delay time.Duration) {
	entry := s.entryLocked(r)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(delay, func() {
		_ = s.run(s.ctx, r)
	})
}

func (s *Scheduler) entryLocked(r *replica.Replica) *pending {
	entry, ok := s.entries[r]
	if !ok {
		entry = &pending{}
		s.entries[r] = entry
	}
	return entry
}

// FlushNow flushes r immediately, cancelling any pending debounce.
func (s *Scheduler) FlushNow(ctx context.Context, r *replica.Replica) error {
	s.mu.Lock()
	if entry, ok := s.entries[r]; ok && entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	s.mu.Unlock()
	return s.run(ctx, r)
}

// Forget drops scheduling state for an evicted replica.
func (s *Scheduler) Forget(r *replica.Replica) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[r]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.entries, r)
	}
}

// Stop cancels timers and in-flight background retries. FlushNow keeps
// working so shutdown can flush with its own deadline.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, entry := range s.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
	s.mu.Unlock()
	s.cancel()
}

// Pending reports how many replicas have scheduling state.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) run(ctx context.Context, r *replica.Replica) error {
	event, flushed, err := s.flush(ctx, r)

	s.mu.Lock()
	if r.Closed() {
		// evicted while flushing
		s.mu.Unlock()
		s.Forget(r)
		return err
	}
	entry := s.entryLocked(r)
	var failing *FailureEvent
	if err != nil {
		entry.failures++
		if entry.failures >= s.cfg.AlertAfter && !entry.alerted {
			entry.alerted = true
			failing = &FailureEvent{
				DocumentID: r.ID(),
				Failures:   entry.failures,
				DirtySince: r.DirtySince(),
				Err:        err,
			}
		}
		if !s.stopped {
			s.armLocked(r, s.cfg.MaxDebounce)
		}
	} else {
		entry.failures = 0
		entry.alerted = false
		if r.Dirty() && !s.stopped {
			// edits arrived while the snapshot was being written
			s.armLocked(r, s.cfg.Debounce)
		}
	}
	flushObs := append([]FlushObserver(nil), s.flushObs...)
	failObs := append([]FailureObserver(nil), s.failObs...)
	after := s.afterFlush
	s.mu.Unlock()

	if err != nil {
		glog.Warningf("flush %s failed: %v", r.ID(), err)
	}
	if failing != nil {
		glog.Errorf("flush %s failing for %d cycles, unsaved edits since %s: %v",
			r.ID(), failing.Failures, failing.DirtySince.Format(time.RFC3339), err)
		for _, observer := range failObs {
			observer.FlushFailing(ctx, *failing)
		}
	}
	if flushed {
		for _, observer := range flushObs {
			observer.Flushed(ctx, event)
		}
	}
	if after != nil {
		after(r, err)
	}
	return err
}

// flush writes one snapshot of r. flushed is false when there was nothing to
// write.
func (s *Scheduler) flush(ctx context.Context, r *replica.Replica) (FlushEvent, bool, error) {
	unlock := r.LockFlush()
	defer unlock()

	if !r.Dirty() {
		return FlushEvent{}, false, nil
	}
	content, version, err := r.Snapshot()
	if err != nil {
		return FlushEvent{}, false, fmt.Errorf("snapshot %s: %w", r.ID(), err)
	}

	store := func() error {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()
		err := s.docs.Store(callCtx, r.ID(), content)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryInitial
	policy.MaxInterval = s.cfg.RetryMax
	policy.MaxElapsedTime = 0
	policy.Reset()
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.Attempts-1)), ctx)

	attempt := 0
	err = backoff.RetryNotify(store, retries, func(err error, wait time.Duration) {
		attempt++
		glog.V(1).Infof("flush %s attempt %d failed, retrying in %s: %v", r.ID(), attempt, wait, err)
	})
	if err != nil {
		return FlushEvent{}, false, fmt.Errorf("store %s at version %d: %w", r.ID(), version, err)
	}

	r.MarkPersisted(version)
	glog.V(1).Infof("flushed %s at version %d", r.ID(), version)
	return FlushEvent{
		ID:         util.NewFlushID(),
		DocumentID: r.ID(),
		Version:    version,
		Content:    content,
		Editors:    r.Members(),
		At:         time.Now().UTC(),
	}, true, nil
}

func (s *Scheduler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}
