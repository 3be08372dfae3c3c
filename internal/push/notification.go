package push

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnsupported is returned when the platform lacks a capability, such as
// having no notification display or no way to focus or open a window.
var ErrUnsupported = errors.New("push: not supported")

var ErrUnknownNotification = errors.New("push: unknown notification")

type NotificationData struct {
	URL string `json:"url"`
}

// Notification is a displayed notification.
type Notification struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Icon      string           `json:"icon"`
	Badge     string           `json:"badge"`
	Vibrate   []int            `json:"vibrate"`
	Data      NotificationData `json:"data"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Displayer shows and closes notifications.
type Displayer interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// Sink delivers a shown notification somewhere a user will see it.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Tray remembers displayed notifications until they are closed and fans
// each one out to its sinks.
type Tray struct {
	sinks []Sink
	log   *zap.Logger

	mu    sync.Mutex
	items map[string]Notification
}

func NewTray(log *zap.Logger, sinks ...Sink) *Tray {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tray{sinks: sinks, log: log, items: map[string]Notification{}}
}

// Show records n and waits for every sink. Sink failures are joined; the
// notification stays in the tray either way.
func (t *Tray) Show(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	t.mu.Lock()
	t.items[n.ID] = n
	t.mu.Unlock()

	var errs []error
	for _, s := range t.sinks {
		if err := s.Deliver(ctx, n); err != nil {
			t.log.Warn("notification delivery failed", zap.String("id", n.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tray) Close(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[id]; !ok {
		return ErrUnknownNotification
	}
	delete(t.items, id)
	return nil
}

// Get returns an open notification.
func (t *Tray) Get(id string) (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.items[id]
	return n, ok
}

// List returns open notifications, oldest first.
func (t *Tray) List() []Notification {
	t.mu.Lock()
	out := make([]Notification, 0, len(t.items))
	for _, n := range t.items {
		out = append(out, n)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
