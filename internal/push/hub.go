package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrUnknownWindow = errors.New("push: unknown window")

const writeTimeout = 10 * time.Second

// Message is the JSON frame exchanged with application windows.
//
// Windows send "navigate" (with url), "focus" and "blur". The hub sends
// "hello" (with id), "claim", "focus", "open" (with url) and "notification".
type Message struct {
	Type         string        `json:"type"`
	ID           string        `json:"id,omitempty"`
	URL          string        `json:"url,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type window struct {
	id       string
	ws       *websocket.Conn
	openedAt time.Time
	writeMu  sync.Mutex

	mu         sync.Mutex
	url        string
	focused    bool
	controlled bool
}

func (w *window) send(m Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.ws.WriteJSON(m)
}

func (w *window) snapshot() Window {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Window{ID: w.id, URL: w.url, Controlled: w.controlled, Focused: w.focused}
}

// Hub tracks application windows connected over websocket. It implements
// Clients, Sink and the worker's client claimer.
type Hub struct {
	log      *zap.Logger
	origin   *url.URL
	upgrader websocket.Upgrader

	mu      sync.Mutex
	windows map[string]*window
	claimed bool
	closed  bool
	wg      sync.WaitGroup
}

// NewHub accepts windows whose Origin header matches origin. A nil origin
// accepts any; otherwise a missing Origin header is refused.
func NewHub(origin *url.URL, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{log: log, origin: origin, windows: map[string]*window{}}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.origin == nil {
		return true
	}
	o := r.Header.Get("Origin")
	if o == "" {
		return false
	}
	u, err := url.Parse(o)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, h.origin.Scheme) && strings.EqualFold(u.Host, h.origin.Host)
}

// ServeHTTP upgrades the request and serves the window until it disconnects.
// The window's current URL is taken from the "url" query parameter.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	w := &window{id: uuid.NewString(), ws: ws, openedAt: time.Now(), url: r.URL.Query().Get("url")}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	w.controlled = h.claimed
	h.windows[w.id] = w
	h.mu.Unlock()

	h.log.Debug("window connected", zap.String("id", w.id), zap.String("url", w.url))
	defer h.drop(w)

	if err := w.send(Message{Type: "hello", ID: w.id}); err != nil {
		return
	}
	for {
		var m Message
		if err := ws.ReadJSON(&m); err != nil {
			return
		}
		w.mu.Lock()
		switch m.Type {
		case "navigate":
			w.url = m.URL
		case "focus":
			w.focused = true
		case "blur":
			w.focused = false
		}
		w.mu.Unlock()
	}
}

func (h *Hub) drop(w *window) {
	h.mu.Lock()
	delete(h.windows, w.id)
	h.mu.Unlock()
	_ = w.ws.Close()
	h.log.Debug("window disconnected", zap.String("id", w.id))
}

func (h *Hub) list() []*window {
	h.mu.Lock()
	out := make([]*window, 0, len(h.windows))
	for _, w := range h.windows {
		out = append(out, w)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].openedAt.Before(out[j].openedAt) })
	return out
}

// Claim marks every current and future window as controlled.
func (h *Hub) Claim(_ context.Context) error {
	h.mu.Lock()
	h.claimed = true
	h.mu.Unlock()

	var errs []error
	for _, w := range h.list() {
		w.mu.Lock()
		w.controlled = true
		w.mu.Unlock()
		if err := w.send(Message{Type: "claim"}); err != nil {
			errs = append(errs, fmt.Errorf("claim %s: %w", w.id, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) MatchAll(_ context.Context, includeUncontrolled bool) ([]Window, error) {
	var out []Window
	for _, w := range h.list() {
		s := w.snapshot()
		if !includeUncontrolled && !s.Controlled {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (h *Hub) Focus(_ context.Context, id string) error {
	h.mu.Lock()
	w, ok := h.windows[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("focus %s: %w", id, ErrUnknownWindow)
	}
	if err := w.send(Message{Type: "focus"}); err != nil {
		return err
	}
	w.mu.Lock()
	w.focused = true
	w.mu.Unlock()
	return nil
}

// OpenWindow asks a connected window, preferring the focused one, to open
// target in a new tab. With no window connected there is nobody to ask.
func (h *Hub) OpenWindow(_ context.Context, target string) error {
	ws := h.list()
	if len(ws) == 0 {
		return ErrUnsupported
	}
	pick := ws[0]
	for _, w := range ws {
		if w.snapshot().Focused {
			pick = w
			break
		}
	}
	return pick.send(Message{Type: "open", URL: target})
}

// Deliver pushes n to every connected window.
func (h *Hub) Deliver(_ context.Context, n Notification) error {
	var errs []error
	for _, w := range h.list() {
		if err := w.send(Message{Type: "notification", Notification: &n}); err != nil {
			errs = append(errs, fmt.Errorf("deliver to %s: %w", w.id, err))
		}
	}
	return errors.Join(errs...)
}

// Close disconnects every window and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ws := make([]*window, 0, len(h.windows))
	for _, w := range h.windows {
		ws = append(ws, w)
	}
	h.mu.Unlock()
	for _, w := range ws {
		_ = w.ws.Close()
	}
	h.wg.Wait()
}
