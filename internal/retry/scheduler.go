package retry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Ticket identifies a scheduled function.
type Ticket interface {
	// Cancel prevents the function from running. It returns false if the
	// function already ran or was already cancelled.
	Cancel() bool
}

// Scheduler runs functions after a delay.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Ticket
}

// TimerScheduler schedules on real timers.
type TimerScheduler struct{}

type timerTicket struct {
	state atomic.Int32 // 0 pending, 1 fired, 2 cancelled
	timer *time.Timer
}

// Schedule runs fn on its own goroutine after d.
func (TimerScheduler) Schedule(d time.Duration, fn func()) Ticket {
	t := &timerTicket{}
	t.timer = time.AfterFunc(d, func() {
		// Stop can lose the race with an expiring timer; the state is the
		// source of truth.
		if t.state.CompareAndSwap(0, 1) {
			fn()
		}
	})
	return t
}

func (t *timerTicket) Cancel() bool {
	if !t.state.CompareAndSwap(0, 2) {
		return false
	}
	t.timer.Stop()
	return true
}

// ManualScheduler is a deterministic Scheduler driven by Advance. Due
// functions run synchronously on the goroutine calling Advance.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	tasks []*manualTicket
}

type manualTicket struct {
	s       *ManualScheduler
	due     time.Duration
	seq     int
	fn      func()
	done    bool
	delayed time.Duration
}

// NewManualScheduler returns a scheduler at virtual time zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) Schedule(d time.Duration, fn func()) Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTicket{s: s, due: s.now + d, seq: s.seq, fn: fn, delayed: d}
	s.tasks = append(s.tasks, t)
	return t
}

func (t *manualTicket) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves virtual time forward and runs every function that became due,
// in due order.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	now := s.now
	s.mu.Unlock()

	for {
		s.mu.Lock()
		sort.Slice(s.tasks, func(i, j int) bool {
			if s.tasks[i].due == s.tasks[j].due {
				return s.tasks[i].seq < s.tasks[j].seq
			}
			return s.tasks[i].due < s.tasks[j].due
		})
		var next *manualTicket
		pending := s.tasks[:0]
		for _, t := range s.tasks {
			if t.done {
				continue
			}
			if next == nil && t.due <= now {
				next = t
				t.done = true
				continue
			}
			pending = append(pending, t)
		}
		s.tasks = pending
		s.mu.Unlock()

		if next == nil {
			return
		}
		next.fn()
	}
}

// Pending returns the delays of functions that have not run or been cancelled.
func (s *ManualScheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.tasks {
		if !t.done {
			out = append(out, t.delayed)
		}
	}
	return out
}
