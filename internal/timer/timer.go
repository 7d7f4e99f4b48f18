// Package timer provides named countdown timers on a single monotonic
// scheduler loop. Callbacks fire exactly once when their deadline elapses;
// the loop wakes every second, or earlier when a nearer deadline exists.
//
// Timers are in-memory only. Cooldown lockouts that must survive a crash
// keep their authoritative expiry in the persistence store and are
// re-registered here on startup.
package timer

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

const tickResolution = time.Second

type entry struct {
	name      string
	deadline  time.Time
	callback  func()
	cancelled bool
	index     int
}

type deadlineHeap []*entry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Service schedules named timers on one goroutine.
type Service struct {
	mu      sync.Mutex
	heap    deadlineHeap
	byName  map[string]*entry
	wake    chan struct{}
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a timer service. Run must be called for callbacks to fire.
func New(logger *slog.Logger) *Service {
	return &Service{
		byName: make(map[string]*entry),
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		logger: logger.With("component", "timer"),
	}
}

// Start registers (or replaces) a named timer firing callback after d.
func (s *Service) Start(name string, d time.Duration, callback func()) {
	s.mu.Lock()
	if old, ok := s.byName[name]; ok {
		old.cancelled = true
		heap.Remove(&s.heap, old.index)
	}
	e := &entry{name: name, deadline: s.now().Add(d), callback: callback}
	s.byName[name] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.kick()
}

// Cancel removes a named timer. Returns false if no such timer is pending.
func (s *Service) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return false
	}
	e.cancelled = true
	heap.Remove(&s.heap, e.index)
	delete(s.byName, name)
	return true
}

// Remaining returns the time until the named timer fires.
func (s *Service) Remaining(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return 0, false
	}
	d := e.deadline.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the scheduler loop. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	for {
		wait := tickResolution
		s.mu.Lock()
		if len(s.heap) > 0 {
			if until := s.heap[0].deadline.Sub(s.now()); until < wait {
				wait = until
			}
		}
		s.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}

		s.fireDue()
	}
}

// fireDue pops and invokes every elapsed timer. Callbacks run outside the
// lock so they may start or cancel timers.
func (s *Service) fireDue() {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].deadline.After(s.now()) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*entry)
		if s.byName[e.name] == e {
			delete(s.byName, e.name)
		}
		s.mu.Unlock()

		if e.cancelled {
			continue
		}
		e.callback()
	}
}
