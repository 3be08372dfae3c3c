package swproxy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"storyedge/internal/push"
)

const (
	maxPushBody   = 4 << 10
	outcomeHeader = "X-Storyedge"
)

// Handler serves the control endpoints under /_sw/ and intercepts every
// other request.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Route("/_sw", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Method(http.MethodGet, "/clients", s.hub)
		r.Group(func(r chi.Router) {
			r.Use(s.requirePushToken)
			r.Post("/push", s.handlePush)
			r.Post("/notificationclick", s.handleNotificationClick)
			r.Get("/notifications", s.handleNotifications)
		})
	})
	r.HandleFunc("/*", s.intercept)
	return r
}

// requirePushToken admits requests bearing push.token. Without a configured
// token the endpoints it guards are disabled.
func (s *Service) requirePushToken(next http.Handler) http.Handler {
	want := []byte(s.cfg.Push.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(want) == 0 {
			http.Error(w, "push endpoints disabled", http.StatusForbidden)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="storyedge"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// readBody reads at most limit bytes of the request body. Larger bodies are
// answered with 413 and never forwarded.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, s.cfg.MaxBody())
	if !ok {
		return
	}
	req := &Request{
		Method:      r.Method,
		URL:         requestURL(r),
		Header:      r.Header.Clone(),
		Body:        body,
		Destination: destinationOf(r),
	}
	resp, _ := s.worker.Fetch(r.Context(), req)
	writeResponse(w, resp)
	s.stats.Observe(resp.Source, len(resp.Body))
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set(outcomeHeader, string(resp.Source))
	ensureExposedHeader(h, outcomeHeader)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// ensureExposedHeader lets page scripts read name in a CORS context.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := strings.Join(h.Values(expose), ",")
	if cur == "" {
		h.Set(expose, name)
		return
	}
	for _, part := range strings.Split(cur, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(cur)+", "+name)
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.worker.State() != StateActivated {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"state": s.worker.State().String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.worker.State().String()})
}

type statusResponse struct {
	State      string   `json:"state"`
	Version    string   `json:"version"`
	Current    []string `json:"current"`
	Partitions []string `json:"partitions"`
	Entries    int      `json:"entries"`
	Bytes      int64    `json:"bytes"`
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		State:      s.worker.State().String(),
		Version:    s.cfg.Cache.Version,
		Current:    s.worker.Partitions().All(),
		Partitions: s.caches.Names(),
		Entries:    s.caches.EntryCount(),
		Bytes:      s.caches.TotalSize(),
	})
}

type pushResponse struct {
	Shown        bool              `json:"shown"`
	Notification push.Notification `json:"notification"`
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r, maxPushBody)
	if !ok {
		return
	}
	n, err := s.bridge.HandlePush(r.Context(), data)
	switch {
	case err == nil:
	case errors.Is(err, push.ErrUnsupported):
		writeJSON(w, http.StatusAccepted, pushResponse{Shown: false, Notification: n})
		return
	default:
		s.log.Warn("push display", zap.String("id", n.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, pushResponse{Shown: true, Notification: n})
}

type clickRequest struct {
	ID   string                `json:"id"`
	Data push.NotificationData `json:"data"`
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r, maxPushBody)
	if !ok {
		return
	}
	var in clickRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &in); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	n := push.Notification{ID: in.ID, Data: in.Data}
	if open, ok := s.tray.Get(in.ID); ok {
		n = open
		if in.Data.URL != "" {
			n.Data.URL = in.Data.URL
		}
	}
	res, err := s.bridge.HandleClick(r.Context(), n)
	if err != nil {
		s.log.Warn("notification click", zap.String("id", in.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tray.List())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
