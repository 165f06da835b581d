package usage

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
)

type MemCounter struct {
	clock clockwork.Clock
	mu    sync.Mutex
	data  map[string]int
}

var _ Counter = (*MemCounter)(nil)

func NewMemCounter(clock clockwork.Clock) *MemCounter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemCounter{
		clock: clock,
		data:  make(map[string]int),
	}
}

func (s *MemCounter) GetCount(ctx context.Context, name, val, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[periodBucket(s.clock.Now(), name, val, period)], nil
}

func (s *MemCounter) Increment(ctx context.Context, name, val string) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range []string{PeriodTotal, PeriodDay, PeriodHour} {
		s.data[periodBucket(now, name, val, p)]++
	}
	return nil
}
