// Package clock abstracts time so schedulers and leases can be driven
// deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is a source of time and tickers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns the wall clock in UTC.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Manual is a Clock that only moves when Advance or Set is called.
// Tickers fire once per elapsed period during Advance; a tick is dropped if
// the receiver has not drained the previous one, as with time.Ticker.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManual creates a manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{c: make(chan time.Time, 1), period: d, next: m.now.Add(d), owner: m}
	m.tickers = append(m.tickers, t)
	return t
}

// Set moves the clock to t without firing tickers.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
	for _, tk := range m.tickers {
		tk.next = t.Add(tk.period)
	}
}

// Advance moves the clock forward by d, firing every ticker whose deadline
// falls inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	type fire struct {
		t  *manualTicker
		at time.Time
	}
	var fires []fire
	for _, tk := range m.tickers {
		for !tk.next.After(target) {
			fires = append(fires, fire{tk, tk.next})
			tk.next = tk.next.Add(tk.period)
		}
	}
	m.now = target
	m.mu.Unlock()

	sort.SliceStable(fires, func(i, j int) bool { return fires[i].at.Before(fires[j].at) })
	for _, f := range fires {
		select {
		case f.t.c <- f.at:
		default:
		}
	}
}

// Tickers reports how many tickers are live. Tests use it to wait for a
// goroutine to arm its ticker before advancing.
func (m *Manual) Tickers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickers)
}

type manualTicker struct {
	c      chan time.Time
	period time.Duration
	next   time.Time
	owner  *Manual
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, tk := range m.tickers {
		if tk == t {
			m.tickers = append(m.tickers[:i], m.tickers[i+1:]...)
			return
		}
	}
}
