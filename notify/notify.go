// Operator notification channels (Slack, LINE) and a throttled alerter on
// top of them.
package notify

import (
	"context"
	"log/slog"
)

type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) Send(ctx context.Context, msg string) error {
	return nil
}

// Multi fans a message out to every channel. A failing channel is logged and
// does not stop delivery to the rest.
type Multi struct {
	Channels []Notifier
	Logger   *slog.Logger
}

func NewMulti(channels ...Notifier) *Multi {
	return &Multi{
		Channels: channels,
		Logger:   slog.Default().With("component", "notify"),
	}
}

func (m *Multi) Send(ctx context.Context, msg string) error {
	for _, ch := range m.Channels {
		if err := ch.Send(ctx, msg); err != nil {
			m.Logger.Error("notification delivery failed", "channel", channelName(ch), "err", err)
		}
	}
	return nil
}

func (m *Multi) Len() int {
	return len(m.Channels)
}

func channelName(n Notifier) string {
	switch n.(type) {
	case *SlackNotifier:
		return "slack"
	case *LineNotifier:
		return "line"
	default:
		return "other"
	}
}
