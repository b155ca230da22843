package schedule

import (
	"sort"
	"sync"
	"time"
)

// Arena holds cancellable scheduled tasks indexed by key.
//
// At most one task exists per key. Cancelling a task stops its timer and
// removes its entry under a single lock, and a task that fires removes its
// own entry only if it is still the current task for its key, so a fire
// racing a reschedule never drops the newer task.
//
// Arena is safe for concurrent use.
type Arena struct {
	clock Clock

	mu     sync.Mutex
	tasks  map[string]*task
	gen    uint64
	closed bool
}

type task struct {
	gen   uint64
	timer Timer
}

// NewArena returns an empty arena driven by clock.
func NewArena(clock Clock) *Arena {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Arena{
		clock: clock,
		tasks: make(map[string]*task),
	}
}

// Schedule runs fn once after d, replacing any task already scheduled for
// key. It does nothing on a closed arena.
func (a *Arena) Schedule(key string, d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	a.stopLocked(key)
	a.gen++
	gen := a.gen
	t := &task{gen: gen}
	t.timer = a.clock.AfterFunc(d, func() {
		if !a.release(key, gen) {
			return
		}
		fn()
	})
	a.tasks[key] = t
}

// Every runs fn every interval until the key is cancelled or replaced.
// The first run happens one interval from now. It does nothing on a
// closed arena.
func (a *Arena) Every(key string, interval time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	a.stopLocked(key)
	a.gen++
	t := &task{gen: a.gen}
	a.tasks[key] = t
	a.armLocked(key, t, interval, fn)
}

func (a *Arena) armLocked(key string, t *task, interval time.Duration, fn func()) {
	t.timer = a.clock.AfterFunc(interval, func() {
		a.mu.Lock()
		cur, ok := a.tasks[key]
		if !ok || cur.gen != t.gen {
			a.mu.Unlock()
			return
		}
		a.armLocked(key, t, interval, fn)
		a.mu.Unlock()
		fn()
	})
}

// release removes key's entry if gen is still current.
func (a *Arena) release(key string, gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.tasks[key]
	if !ok || cur.gen != gen {
		return false
	}
	delete(a.tasks, key)
	return true
}

func (a *Arena) stopLocked(key string) bool {
	t, ok := a.tasks[key]
	if !ok {
		return false
	}
	delete(a.tasks, key)
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Cancel stops and removes the task for key. It reports whether a task
// was pending.
func (a *Arena) Cancel(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopLocked(key)
}

// CancelAll stops every task and returns how many were pending.
func (a *Arena) CancelAll() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for key := range a.tasks {
		if a.stopLocked(key) {
			n++
		}
	}
	return n
}

// Close cancels every task and refuses new ones until Open. A callback
// already running when Close is called cannot re-arm itself.
func (a *Arena) Close() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	n := 0
	for key := range a.tasks {
		if a.stopLocked(key) {
			n++
		}
	}
	return n
}

// Open makes a closed arena accept tasks again.
func (a *Arena) Open() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = false
}

// Pending reports whether a task is scheduled for key.
func (a *Arena) Pending(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tasks[key]
	return ok
}

// Len returns the number of scheduled tasks.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

// Keys returns the keys of all scheduled tasks in sorted order.
func (a *Arena) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]string, 0, len(a.tasks))
	for key := range a.tasks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
