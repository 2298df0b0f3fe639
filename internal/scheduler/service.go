// Package scheduler is the named registry of running schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pewsched/internal/schedule"
	logx "pewsched/pkg/logx"
)

var (
	ErrDuplicateKey = errors.New("schedule key already registered")
	ErrNotFound     = errors.New("schedule not found")
	ErrStopped      = errors.New("scheduler stopped")
)

// Service owns schedules by key. Registry mutations are serialized; each
// schedule runs its own loop under a context owned by the service.
type Service struct {
	log logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*schedule.Schedule
	stopped bool
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]*schedule.Schedule{},
	}
}

// Spawn registers s under key and arms it.
func (s *Service) Spawn(key string, sc *schedule.Schedule) error {
	key = strings.TrimSpace(key)
	if key == "" || sc == nil {
		return errors.New("key and schedule required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	if err := sc.Run(s.ctx); err != nil {
		return fmt.Errorf("run %s: %w", key, err)
	}
	s.entries[key] = sc
	s.log.Debug("schedule spawned", logx.String("key", key), logx.Time("next_due", sc.NextDue()), logx.String("rule", sc.Rule().String()))
	return nil
}

// Add registers s without arming it (restored inactive rows).
func (s *Service) Add(key string, sc *schedule.Schedule) error {
	key = strings.TrimSpace(key)
	if key == "" || sc == nil {
		return errors.New("key and schedule required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	s.entries[key] = sc
	return nil
}

// Cancel disarms the schedule; the entry stays registered.
func (s *Service) Cancel(key string) error {
	sc, err := s.Get(key)
	if err != nil {
		return err
	}
	sc.Cancel()
	return nil
}

// Resume re-arms a cancelled or idle schedule with its current next_due.
// Resuming an armed schedule is a no-op.
func (s *Service) Resume(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	sc, ok := s.entries[strings.TrimSpace(key)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if sc.IsRunning() {
		return nil
	}
	return sc.Run(s.ctx)
}

// Remove cancels the schedule and drops it from the registry.
func (s *Service) Remove(key string) error {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	sc, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	sc.Cancel()
	s.log.Debug("schedule removed", logx.String("key", key))
	return nil
}

func (s *Service) Get(key string) (*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.entries[strings.TrimSpace(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return sc, nil
}

func (s *Service) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Snapshot returns status for every registered schedule, sorted by key.
func (s *Service) Snapshot() []schedule.Snapshot {
	s.mu.Lock()
	all := make([]*schedule.Schedule, 0, len(s.entries))
	for _, sc := range s.entries {
		all = append(all, sc)
	}
	s.mu.Unlock()

	out := make([]schedule.Snapshot, 0, len(all))
	for _, sc := range all {
		out = append(out, sc.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Shutdown cancels every schedule and waits for their loops until ctx is done.
// A firing in progress finishes and persists before its loop exits.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	all := make([]*schedule.Schedule, 0, len(s.entries))
	for _, sc := range s.entries {
		all = append(all, sc)
	}
	s.mu.Unlock()

	for _, sc := range all {
		sc.Cancel()
	}
	s.cancel()

	for _, sc := range all {
		select {
		case <-sc.Done():
		case <-ctx.Done():
			s.log.Warn("scheduler shutdown timed out", logx.String("waiting_on", sc.Key()))
			return ctx.Err()
		}
	}
	s.log.Debug("scheduler stopped", logx.Int("schedules", len(all)))
	return nil
}
