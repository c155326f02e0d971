// Package notify delivers workflow notifications.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/songzhibin97/bizflow/events"
	"github.com/songzhibin97/bizflow/types"
)

// ErrNoRecipients is returned for a notification without recipients.
var ErrNoRecipients = errors.New("notification has no recipients")

// Notification is a message for one or more recipients.
type Notification struct {
	Channel    string                 `json:"channel"`
	Recipients []string               `json:"recipients"`
	Subject    string                 `json:"subject,omitempty"`
	Message    string                 `json:"message"`
	InstanceID uint64                 `json:"instance_id,omitempty"`
	Entity     types.EntityRef        `json:"entity"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Validate checks the fields every sender needs.
func (n Notification) Validate() error {
	if len(n.Recipients) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// Service sends notifications.
type Service interface {
	Send(ctx context.Context, n Notification) error
}

// BusNotifier publishes notifications as notification.sent events so
// channel-specific senders can subscribe to them.
type BusNotifier struct {
	publisher events.Publisher
}

// NewBusNotifier creates a notifier on top of a publisher.
func NewBusNotifier(p events.Publisher) *BusNotifier {
	return &BusNotifier{publisher: p}
}

// Send implements Service.
func (b *BusNotifier) Send(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	err := b.publisher.Publish(ctx, events.Event{
		Type:       events.NotificationSent,
		InstanceID: n.InstanceID,
		Entity:     n.Entity,
		Data: map[string]interface{}{
			"channel":    n.Channel,
			"recipients": n.Recipients,
			"subject":    n.Subject,
			"message":    n.Message,
			"data":       n.Data,
		},
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier; a nil logger discards output.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send implements Service.
func (l *LogNotifier) Send(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	l.logger.Info("notification",
		zap.String("channel", n.Channel),
		zap.Strings("recipients", n.Recipients),
		zap.String("subject", n.Subject),
		zap.String("message", n.Message),
		zap.Uint64("instance_id", n.InstanceID),
	)
	return nil
}

// Multi fans a notification out to several services and joins their errors.
type Multi []Service

// Send implements Service.
func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Service = (*BusNotifier)(nil)
	_ Service = (*LogNotifier)(nil)
	_ Service = Multi(nil)
)
