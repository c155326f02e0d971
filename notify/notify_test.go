package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/songzhibin97/bizflow/events"
)

type stubPublisher struct {
	err    error
	events []events.Event
}

func (p *stubPublisher) Publish(ctx context.Context, event events.Event) error {
	p.events = append(p.events, event)
	return p.err
}

type failingService struct{ err error }

func (f failingService) Send(ctx context.Context, n Notification) error { return f.err }

func TestBusNotifier(t *testing.T) {
	ctx := context.Background()
	n := Notification{Channel: "email", Recipients: []string{"ops@example.com"}, Subject: "Order approved", Message: "Order 7 approved", InstanceID: 3}

	t.Run("Publishes", func(t *testing.T) {
		pub := &stubPublisher{}
		require.NoError(t, NewBusNotifier(pub).Send(ctx, n))
		require.Len(t, pub.events, 1)
		assert.Equal(t, events.NotificationSent, pub.events[0].Type)
		assert.Equal(t, uint64(3), pub.events[0].InstanceID)
		assert.Equal(t, "email", pub.events[0].Data["channel"])
	})

	t.Run("NoSubscribersIsNotAnError", func(t *testing.T) {
		pub := &stubPublisher{err: events.ErrNoHandler}
		assert.NoError(t, NewBusNotifier(pub).Send(ctx, n))
	})

	t.Run("BusClosed", func(t *testing.T) {
		pub := &stubPublisher{err: events.ErrBusClosed}
		assert.ErrorIs(t, NewBusNotifier(pub).Send(ctx, n), events.ErrBusClosed)
	})

	t.Run("NoRecipients", func(t *testing.T) {
		pub := &stubPublisher{}
		assert.ErrorIs(t, NewBusNotifier(pub).Send(ctx, Notification{Message: "x"}), ErrNoRecipients)
		assert.Empty(t, pub.events)
	})
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	notifier := NewLogNotifier(zap.New(core))

	err := notifier.Send(context.Background(), Notification{Channel: "sms", Recipients: []string{"+100"}, Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "sms", logs.All()[0].ContextMap()["channel"])

	assert.NoError(t, NewLogNotifier(nil).Send(context.Background(), Notification{Recipients: []string{"a"}}))
}

func TestMulti(t *testing.T) {
	boom := errors.New("smtp down")
	pub := &stubPublisher{}
	m := Multi{failingService{err: boom}, NewBusNotifier(pub)}

	err := m.Send(context.Background(), Notification{Recipients: []string{"a"}, Message: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, pub.events, 1)
}
