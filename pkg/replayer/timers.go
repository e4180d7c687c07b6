package replayer

import "time"

// MaxTimers is the number of profiling timers available to a session.
const MaxTimers = 8

// timer is one slot of the fixed profiling timer array. Start on a running
// timer restarts it; Stop on an idle timer reports zero.
type timer struct {
	running bool
	started time.Time
	elapsed time.Duration
}

func (t *timer) Start() {
	t.running = true
	t.started = time.Now()
}

// Stop halts the timer and returns the elapsed nanoseconds.
func (t *timer) Stop() uint64 {
	if !t.running {
		return 0
	}
	t.running = false
	t.elapsed = time.Since(t.started)
	return uint64(t.elapsed.Nanoseconds())
}
