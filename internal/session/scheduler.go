package session

import (
	"sync"
	"time"
)

// scheduler owns a session's delayed tasks. Tasks are keyed by name;
// scheduling a name again replaces the earlier task. A fired task does not
// run its function directly: it posts it to the session goroutine, where
// it is dropped if the task was cancelled or replaced in the meantime.
type scheduler struct {
	post func(fn func()) bool

	mu      sync.Mutex
	seq     uint64
	tasks   map[string]task
	stopped bool
}

type task struct {
	seq   uint64
	timer *time.Timer
}

func newScheduler(post func(fn func()) bool) *scheduler {
	return &scheduler{post: post, tasks: make(map[string]task)}
}

// Schedule runs fn on the session goroutine after d.
func (s *scheduler) Schedule(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.tasks[name]; ok {
		old.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.tasks[name] = task{
		seq: seq,
		timer: time.AfterFunc(d, func() {
			s.post(func() {
				if s.claim(name, seq) {
					fn()
				}
			})
		}),
	}
}

// claim removes the task if it is still the current one for name.
func (s *scheduler) claim(name string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok || t.seq != seq || s.stopped {
		return false
	}
	delete(s.tasks, name)
	return true
}

// Cancel drops the named task if it has not run.
func (s *scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		t.timer.Stop()
		delete(s.tasks, name)
	}
}

// StopAll cancels every task and refuses new ones. It returns how many were
// pending.
func (s *scheduler) StopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tasks)
	for name, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, name)
	}
	s.stopped = true
	return n
}

// Len returns the number of pending tasks.
func (s *scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
