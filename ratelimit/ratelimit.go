// Rolling-window limiter for reactive actions: at most N actions in any
// trailing window, and a minimum gap between consecutive actions.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Reason string

const (
	WindowExhausted Reason = "window_exhausted"
	TooSoon         Reason = "too_soon"
)

type Decision struct {
	Permitted bool
	// empty when permitted
	Reason Reason
	// how long until the same request would be permitted
	RetryAfter time.Duration
}

type Status struct {
	// actions inside the current window
	Count         int
	Last          time.Time
	NextAvailable time.Time
}

// Limiter state lives only for the process lifetime.
type Limiter struct {
	Window       time.Duration
	MaxPerWindow int
	MinSpacing   time.Duration

	clock clockwork.Clock
	mu    sync.Mutex
	// oldest first
	stamps []time.Time
}

func NewLimiter(window time.Duration, max int, minSpacing time.Duration, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		Window:       window,
		MaxPerWindow: max,
		MinSpacing:   minSpacing,
		clock:        clock,
	}
}

// TryAcquire records an action at the current time if it is permitted.
func (l *Limiter) TryAcquire() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	d := l.evaluate(now)
	if d.Permitted {
		l.stamps = append(l.stamps, now)
	}
	return d
}

// Peek evaluates like TryAcquire without recording anything.
func (l *Limiter) Peek() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluate(l.clock.Now())
}

func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	st := Status{Count: len(l.stamps), NextAvailable: now}
	if len(l.stamps) > 0 {
		st.Last = l.stamps[len(l.stamps)-1]
	}
	if d := l.evaluate(now); !d.Permitted {
		st.NextAvailable = now.Add(d.RetryAfter)
	}
	return st
}

// drops timestamps which have aged out of the trailing window
func (l *Limiter) prune(now time.Time) {
	i := 0
	for i < len(l.stamps) && now.Sub(l.stamps[i]) >= l.Window {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

func (l *Limiter) evaluate(now time.Time) Decision {
	l.prune(now)

	if l.MaxPerWindow <= 0 {
		return Decision{Reason: WindowExhausted, RetryAfter: l.Window}
	}
	if len(l.stamps) >= l.MaxPerWindow {
		// the stamp that must leave the window for a slot to open
		oldest := l.stamps[len(l.stamps)-l.MaxPerWindow]
		retry := oldest.Add(l.Window).Sub(now)
		if spacing := l.stamps[len(l.stamps)-1].Add(l.MinSpacing).Sub(now); spacing > retry {
			retry = spacing
		}
		return Decision{Reason: WindowExhausted, RetryAfter: retry}
	}
	if len(l.stamps) > 0 {
		last := l.stamps[len(l.stamps)-1]
		if since := now.Sub(last); since < l.MinSpacing {
			return Decision{Reason: TooSoon, RetryAfter: l.MinSpacing - since}
		}
	}
	return Decision{Permitted: true}
}
