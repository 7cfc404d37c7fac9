// Package notify delivers short run outcome notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Notifier sends one notification. core.Notifier has the same shape.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a notification out to every configured channel.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier drops nil entries.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len reports how many channels are configured.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Send delivers to every channel and joins the failures.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for i, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (NoOpNotifier) Send(context.Context, string, string) error {
	return nil
}
