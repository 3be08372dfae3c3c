package push

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Window is an open application window.
type Window struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Controlled bool   `json:"controlled"`
	Focused    bool   `json:"focused"`
}

// Clients enumerates and drives application windows. Focus and OpenWindow
// return ErrUnsupported when the platform cannot do it.
type Clients interface {
	MatchAll(ctx context.Context, includeUncontrolled bool) ([]Window, error)
	Focus(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, url string) error
}

// Options are the fixed parts of every notification.
type Options struct {
	Icon    string
	Badge   string
	Vibrate []int
	// Origin resolves relative target URLs before they are compared with
	// window URLs.
	Origin *url.URL
}

type Bridge struct {
	opts    Options
	display Displayer
	clients Clients
	log     *zap.Logger
	now     func() time.Time
}

// NewBridge wires a bridge. display or clients may be nil when the platform
// has no such capability.
func NewBridge(opts Options, display Displayer, clients Clients, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{opts: opts, display: display, clients: clients, log: log, now: time.Now}
}

// Build assembles the notification for a resolved payload.
func (b *Bridge) Build(p Payload) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Title:     p.Title,
		Body:      p.Body,
		Icon:      b.opts.Icon,
		Badge:     b.opts.Badge,
		Vibrate:   append([]int(nil), b.opts.Vibrate...),
		Data:      NotificationData{URL: p.URL},
		CreatedAt: b.now(),
	}
}

// HandlePush shows a notification for a raw push body and returns once the
// display call has settled. Without a display it returns ErrUnsupported.
func (b *Bridge) HandlePush(ctx context.Context, data []byte) (Notification, error) {
	p := ParsePayload(data)
	n := b.Build(p)
	if b.display == nil {
		b.log.Debug("push received without notification display", zap.String("kind", p.Kind.String()))
		return n, ErrUnsupported
	}
	if err := b.display.Show(ctx, n); err != nil {
		return n, fmt.Errorf("show notification: %w", err)
	}
	b.log.Info("notification shown",
		zap.String("id", n.ID), zap.String("kind", p.Kind.String()), zap.String("url", n.Data.URL))
	return n, nil
}

type ClickAction string

const (
	ClickNone    ClickAction = "none"
	ClickFocused ClickAction = "focused"
	ClickOpened  ClickAction = "opened"
)

type ClickResult struct {
	Action   ClickAction `json:"action"`
	URL      string      `json:"url"`
	WindowID string      `json:"windowId,omitempty"`
}

// HandleClick closes n and brings the user to its target URL: an open window
// already showing it is focused, otherwise a new window is opened.
func (b *Bridge) HandleClick(ctx context.Context, n Notification) (ClickResult, error) {
	if b.display != nil && n.ID != "" {
		if err := b.display.Close(ctx, n.ID); err != nil && !errors.Is(err, ErrUnknownNotification) {
			b.log.Warn("close notification", zap.String("id", n.ID), zap.Error(err))
		}
	}

	target := n.Data.URL
	if target == "" {
		target = DefaultURL
	}
	target = b.resolve(target)
	res := ClickResult{Action: ClickNone, URL: target}
	if b.clients == nil {
		return res, nil
	}

	windows, err := b.clients.MatchAll(ctx, true)
	if err != nil {
		return res, fmt.Errorf("match clients: %w", err)
	}
	for _, w := range windows {
		if w.URL != target {
			continue
		}
		err := b.clients.Focus(ctx, w.ID)
		if err == nil {
			res.Action, res.WindowID = ClickFocused, w.ID
			return res, nil
		}
		if !errors.Is(err, ErrUnsupported) {
			return res, fmt.Errorf("focus %s: %w", w.ID, err)
		}
	}

	switch err := b.clients.OpenWindow(ctx, target); {
	case err == nil:
		res.Action = ClickOpened
	case errors.Is(err, ErrUnsupported):
		b.log.Debug("cannot open window", zap.String("url", target))
	default:
		return res, fmt.Errorf("open window: %w", err)
	}
	return res, nil
}

// resolve turns target into the absolute URL a window is sent to. Anything
// that does not stay on the application origin over http(s) is replaced by
// DefaultURL.
func (b *Bridge) resolve(target string) string {
	ref, err := url.Parse(target)
	if b.opts.Origin == nil {
		if err != nil || ref.Scheme != "" || ref.Host != "" {
			return DefaultURL
		}
		return target
	}
	fallback := b.opts.Origin.ResolveReference(&url.URL{Path: DefaultURL}).String()
	if err != nil {
		return fallback
	}
	u := b.opts.Origin.ResolveReference(ref)
	if !sameOrigin(u, b.opts.Origin) {
		b.log.Warn("notification target outside app origin", zap.String("url", u.Redacted()))
		return fallback
	}
	return u.String()
}

func sameOrigin(u, origin *url.URL) bool {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}
