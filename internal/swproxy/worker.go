package swproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storyedge/internal/cachestore"
)

// State is the worker lifecycle stage.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "unknown"
	}
}

var ErrNotInstalled = errors.New("swproxy: worker is not installed")

// ClientClaimer takes control of every open application window.
type ClientClaimer interface {
	Claim(ctx context.Context) error
}

// Deps are the collaborators of a Worker. Caches and Net are required.
type Deps struct {
	Caches     *cachestore.CacheStorage
	Net        Fetcher
	Clients    ClientClaimer
	Log        *zap.Logger
	Registerer prometheus.Registerer
}

// Worker installs and activates one cache version and then intercepts
// requests on its behalf.
type Worker struct {
	cfg     Config
	names   PartitionNames
	caches  *cachestore.CacheStorage
	net     Fetcher
	clients ClientClaimer
	log     *zap.Logger
	metrics *metrics
	router  *Router

	state       atomic.Int32
	skipWaiting atomic.Bool
}

func NewWorker(cfg Config, deps Deps) (*Worker, error) {
	if deps.Caches == nil || deps.Net == nil {
		return nil, errors.New("swproxy: caches and net are required")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		cfg:     cfg,
		names:   cfg.Partitions(),
		caches:  deps.Caches,
		net:     deps.Net,
		clients: deps.Clients,
		log:     log,
		metrics: newMetrics(deps.Registerer),
	}

	shared := strategyDeps{
		net:        w.net,
		caches:     w.caches,
		offlineKey: cachestore.Key(http.MethodGet, cfg.absURL(cfg.Cache.Offline)),
		log:        log,
		metrics:    w.metrics,
	}
	classifier := Classifier{Origin: cfg.Origin(), APIPrefix: cfg.API.Prefix, BackendHost: cfg.API.BackendHost}
	w.router = NewRouter(classifier,
		&networkFirst{strategyDeps: shared, partition: w.names.API},
		&cacheFirst{strategyDeps: shared, partition: w.names.Dynamic},
		&passthrough{net: w.net, log: log},
	)
	return w, nil
}

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.log.Info("worker state", zap.Stringer("state", s), zap.String("version", w.cfg.Cache.Version))
}

// SkipWaiting reports whether the installed version asked to activate
// without waiting for older clients to go away.
func (w *Worker) SkipWaiting() bool { return w.skipWaiting.Load() }

// Partitions returns the names owned by this version.
func (w *Worker) Partitions() PartitionNames { return w.names }

// Router exposes the routing table, mostly for inspection.
func (w *Worker) Router() *Router { return w.router }

// Install opens the static partition and caches the baseline assets.
// A failing asset is logged and does not fail the install.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	static, err := w.caches.Open(w.names.Static)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.names.Static, err)
	}
	n, err := w.addAll(ctx, static, w.cfg.Cache.Baseline)
	if err != nil {
		w.log.Warn("baseline caching failed, continuing install",
			zap.String("partition", static.Name()), zap.Error(err))
	} else {
		w.log.Info("baseline cached", zap.String("partition", static.Name()), zap.Int("assets", n))
	}
	w.metrics.baselineAssets.Set(float64(n))
	w.skipWaiting.Store(true)
	w.setState(StateInstalled)
	return nil
}

// addAll fetches every path and stores them in one batch, or stores nothing.
func (w *Worker) addAll(ctx context.Context, p *cachestore.Partition, paths []string) (int, error) {
	entries := make([]cachestore.Entry, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, path := range paths {
		g.Go(func() error {
			req := w.assetRequest(path)
			resp, err := w.net.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if resp.Status < 200 || resp.Status >= 300 {
				return fmt.Errorf("fetch %s: unexpected status %d", path, resp.Status)
			}
			entries[i] = resp.toEntry(req, "")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := p.PutBatch(entries); err != nil {
		return 0, fmt.Errorf("store baseline: %w", err)
	}
	return len(entries), nil
}

func (w *Worker) assetRequest(path string) *Request {
	u := *w.cfg.Origin()
	pathOnly, query, _ := strings.Cut(path, "?")
	u.Path = pathOnly
	u.RawQuery = query
	return &Request{
		Method: http.MethodGet,
		URL:    &u,
		Header: http.Header{},
	}
}

// Activate claims open clients and drops partitions left by other versions.
func (w *Worker) Activate(ctx context.Context) error {
	switch w.State() {
	case StateInstalled, StateActivated:
	default:
		return ErrNotInstalled
	}
	w.setState(StateActivating)

	if w.clients != nil {
		if err := w.clients.Claim(ctx); err != nil {
			w.log.Warn("claim clients failed", zap.Error(err))
		}
	}

	deleted, err := w.purgeStale()
	if err != nil {
		w.log.Error("purge stale partitions", zap.Error(err))
	}
	if len(deleted) > 0 {
		w.log.Info("stale partitions deleted", zap.Strings("partitions", deleted))
	}
	w.setState(StateActivated)
	return nil
}

func (w *Worker) purgeStale() ([]string, error) {
	keep := map[string]bool{}
	for _, n := range w.names.All() {
		keep[n] = true
	}
	purge := map[string]bool{}
	for _, n := range w.cfg.Cache.Purge {
		purge[n] = true
	}
	prefix := w.cfg.Cache.Prefix + "-"

	var (
		deleted []string
		errs    []error
	)
	for _, name := range w.caches.Names() {
		if keep[name] || !(strings.HasPrefix(name, prefix) || purge[name]) {
			continue
		}
		ok, err := w.caches.Delete(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			deleted = append(deleted, name)
			w.metrics.partitionsDeleted.Inc()
		}
	}
	return deleted, errors.Join(errs...)
}

// Fetch answers req. The second result is false when the request was not
// intercepted and went to the network untouched.
func (w *Worker) Fetch(ctx context.Context, req *Request) (*Response, bool) {
	if w.State() != StateActivated {
		resp := w.router.passthrough.Handle(ctx, req)
		w.metrics.requests.WithLabelValues("inactive", string(resp.Source)).Inc()
		return resp, false
	}
	class, strategy := w.router.Route(req)
	resp := strategy.Handle(ctx, req)
	w.metrics.requests.WithLabelValues(class.String(), string(resp.Source)).Inc()
	return resp, class != ClassCrossOrigin
}
