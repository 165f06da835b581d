package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

// Alerter delivers operator alerts without ever blocking or failing its
// caller. Repeats of a topic within the cooldown are dropped, as is anything
// beyond the hourly cap. A nil *Alerter is valid and drops everything.
type Alerter struct {
	notifier Notifier
	logger   *slog.Logger
	recent   *expirable.LRU[string, time.Time]
	hourly   *slidingwindow.Limiter
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewAlerter(n Notifier, cooldown time.Duration, maxPerHour int64) *Alerter {
	if n == nil {
		n = Nop{}
	}
	hourly, _ := slidingwindow.NewLimiter(time.Hour, maxPerHour, windowFunc)
	return &Alerter{
		notifier: n,
		logger:   slog.Default().With("component", "alerter"),
		recent:   expirable.NewLRU[string, time.Time](1000, nil, cooldown),
		hourly:   hourly,
		timeout:  10 * time.Second,
	}
}

// Alert queues a message for delivery. Returns whether it was queued.
func (a *Alerter) Alert(ctx context.Context, topic, msg string) bool {
	if a == nil {
		return false
	}
	if _, ok := a.recent.Get(topic); ok {
		a.logger.Debug("alert suppressed by cooldown", "topic", topic)
		return false
	}
	if !a.hourly.Allow() {
		a.logger.Warn("alert dropped, hourly cap reached", "topic", topic)
		return false
	}
	a.recent.Add(topic, time.Now())

	text := fmt.Sprintf("🐻 nikune [%s] %s", topic, msg)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.notifier.Send(sendCtx, text); err != nil {
			a.logger.Error("failed to deliver alert", "topic", topic, "err", err)
		}
	}()
	return true
}

// Wait blocks until queued alerts have been delivered or have failed.
func (a *Alerter) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}
