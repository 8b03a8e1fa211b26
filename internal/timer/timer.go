// Package timer fires one-shot callbacks at absolute times on top of a robfig cron runner.
package timer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Timer struct {
	c   *cron.Cron
	log zerolog.Logger

	mu      sync.Mutex
	stopped bool
	armed   map[cron.EntryID]time.Time
}

// New starts the underlying cron runner.
func New(log zerolog.Logger) *Timer {
	l := cronLogger{log: log}
	t := &Timer{
		c:     cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l))),
		log:   log,
		armed: map[cron.EntryID]time.Time{},
	}
	t.c.Start()
	return t
}

// Arm runs fn once at the given time, or right away when it already passed. It reports
// false when the timer was stopped.
func (t *Timer) Arm(at time.Time, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	var id cron.EntryID
	id = t.c.Schedule(&onceSchedule{at: at}, cron.FuncJob(func() {
		t.disarm(&id)
		fn()
	}))
	t.armed[id] = at
	return true
}

// Pending returns the armed fire times in ascending order.
func (t *Timer) Pending() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, 0, len(t.armed))
	for _, at := range t.armed {
		out = append(out, at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Stop cancels every armed callback and refuses new ones. Callbacks already running are
// waited for until ctx expires.
func (t *Timer) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = true
	t.armed = map[cron.EntryID]time.Time{}
	t.mu.Unlock()

	select {
	case <-t.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// disarm takes the id by reference; Arm assigns it under mu after the entry may already
// have started.
func (t *Timer) disarm(ref *cron.EntryID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := *ref
	delete(t.armed, id)
	if !t.stopped {
		t.c.Remove(id)
	}
}

// onceSchedule yields its time exactly once. cron asks an entry for its next time once when
// the entry is added (or the runner starts) and once after every run, so the second answer is
// the zero time, which cron treats as "never".
type onceSchedule struct {
	at     time.Time
	handed atomic.Bool
}

func (s *onceSchedule) Next(now time.Time) time.Time {
	if s.handed.Swap(true) {
		return time.Time{}
	}
	if s.at.Before(now) {
		return now
	}
	return s.at
}

// cronLogger routes cron's own logging into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
