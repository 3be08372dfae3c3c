package swproxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"storyedge/internal/cachestore"
	"storyedge/internal/push"
)

// Service is the running edge: storage, worker, push bridge and window hub.
type Service struct {
	cfg Config
	log *zap.Logger

	caches   *cachestore.CacheStorage
	worker   *Worker
	hub      *push.Hub
	tray     *push.Tray
	bridge   *push.Bridge
	registry *prometheus.Registry

	stats    *statsCollector
	latency  *latencyTracker
	writeLog *rateLimitedLogger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option adjusts how NewService builds its collaborators.
type Option func(*serviceOptions)

type serviceOptions struct {
	client *http.Client
	net    Fetcher
}

// WithHTTPClient sets the client used for upstream requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serviceOptions) { o.client = c }
}

// WithFetcher replaces the upstream network entirely.
func WithFetcher(f Fetcher) Option {
	return func(o *serviceOptions) { o.net = f }
}

func NewService(cfg Config, log *zap.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		stats:    newStatsCollector(),
		latency:  newLatencyTracker(0.01),
		writeLog: newRateLimitedLogger(log, time.Minute),
		stopCh:   make(chan struct{}),
	}

	caches, err := cachestore.New(cachestore.Options{
		Path:         cfg.Storage.Path,
		MaxBytes:     cfg.DiskMax(),
		OnWriteError: s.onWriteError,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache storage: %w", err)
	}
	s.caches = caches

	net := o.net
	if net == nil {
		client := o.client
		if client == nil {
			client = &http.Client{Timeout: cfg.UpstreamTimeout()}
		}
		net = newUpstreamFetcher(cfg.upstream, client, s.latency)
	}

	s.hub = push.NewHub(cfg.Origin(), log.Named("hub"))
	sinks := []push.Sink{s.hub}
	if len(cfg.Push.Targets) > 0 {
		sink, err := push.NewShoutrrrSink(cfg.Push.Targets...)
		if err != nil {
			_ = caches.Close()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Push.Token == "" {
		log.Info("push.token is not set, push and click endpoints are disabled")
	}
	s.tray = push.NewTray(log.Named("tray"), sinks...)
	s.bridge = push.NewBridge(push.Options{
		Icon:    cfg.Push.Icon,
		Badge:   cfg.Push.Badge,
		Vibrate: cfg.Push.Vibrate,
		Origin:  cfg.Origin(),
	}, s.tray, s.hub, log.Named("push"))

	s.worker, err = NewWorker(cfg, Deps{
		Caches:     caches,
		Net:        net,
		Clients:    s.hub,
		Log:        log.Named("worker"),
		Registerer: s.registry,
	})
	if err != nil {
		_ = caches.Close()
		return nil, err
	}
	return s, nil
}

// Start installs the configured version and, since every install skips
// waiting, activates it right after.
func (s *Service) Start(ctx context.Context) error {
	if err := s.worker.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if s.worker.SkipWaiting() {
		if err := s.worker.Activate(ctx); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}

	if every := s.cfg.LogStatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return nil
}

// Close stops background loops, disconnects windows and flushes storage.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.hub.Close()
		if err := s.caches.Close(); err != nil {
			s.log.Error("close cache storage", zap.Error(err))
		}
	})
}

func (s *Service) Worker() *Worker                  { return s.worker }
func (s *Service) Caches() *cachestore.CacheStorage { return s.caches }
func (s *Service) Tray() *push.Tray                 { return s.tray }

func (s *Service) onWriteError(partition, key string, err error) {
	if s.worker != nil {
		s.worker.metrics.cacheWrites.WithLabelValues(partition, "error").Inc()
	}
	s.writeLog.Warn("cache write failed",
		zap.String("partition", partition), zap.String("key", key), zap.Error(err))
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := []zap.Field{
		zap.Strings("partitions", s.caches.Names()),
		zap.Int("entries", s.caches.EntryCount()),
		zap.String("disk", formatBytes(uint64(s.caches.TotalSize()))),
		zap.Uint64("responses", ss.TotalResponses),
		zap.String("respMin", formatBytes(ss.MinRespBytes)),
		zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
		zap.String("respMax", formatBytes(ss.MaxRespBytes)),
	}
	for src, n := range ss.BySource {
		fields = append(fields, zap.Uint64("from_"+string(src), n))
	}
	if rss, ok := processRSS(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	if p50, p99, err := s.latency.Quantiles("upstream"); err == nil {
		fields = append(fields, zap.Float64("upstreamP50ms", p50), zap.Float64("upstreamP99ms", p99))
	}
	s.log.Info("cache stats", fields...)
}
