package swproxy

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"storyedge/internal/cachestore"
)

const networkErrorBody = "Network error happened"

// strategyDeps is what both caching strategies share.
type strategyDeps struct {
	net        Fetcher
	caches     *cachestore.CacheStorage
	offlineKey string
	log        *zap.Logger
	metrics    *metrics
}

// storeAsync hands a clone of resp to the writer queue under scope. The
// caller keeps the original and does not wait.
func (d strategyDeps) storeAsync(partition, scope string, req *Request, resp *Response) {
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return
	}
	d.caches.PutAsync(partition, resp.Clone().toEntry(req, scope))
	d.metrics.cacheWrites.WithLabelValues(partition, "queued").Inc()
}

func (d strategyDeps) offline() (*Response, bool) {
	ent, ok := d.caches.Match(d.offlineKey)
	if !ok {
		return nil, false
	}
	return responseFromEntry(ent, SourceOffline), true
}

// networkFirst prefers fresh API data and falls back to the last stored
// response, then to the offline page. Stored responses are scoped to the
// credentials of the request that fetched them.
type networkFirst struct {
	strategyDeps
	partition string
}

func (s *networkFirst) Handle(ctx context.Context, req *Request) *Response {
	scope := req.CredentialScope()
	resp, err := s.net.Fetch(ctx, req)
	if err == nil {
		s.storeAsync(s.partition, scope, req, resp)
		return resp
	}
	s.log.Debug("network-first fetch failed", zap.String("url", req.URL.Redacted()), zap.Error(err))

	if ent, ok := s.caches.Match(req.scopedKey(scope)); ok {
		return responseFromEntry(ent, SourceCache)
	}
	if off, ok := s.offline(); ok {
		return off
	}
	s.log.Warn("offline page missing from cache", zap.String("key", s.offlineKey))
	return syntheticResponse(http.StatusServiceUnavailable, networkErrorBody)
}

// cacheFirst serves stored assets without touching the network.
type cacheFirst struct {
	strategyDeps
	partition string
}

func (s *cacheFirst) Handle(ctx context.Context, req *Request) *Response {
	if ent, ok := s.caches.Match(req.Key()); ok {
		return responseFromEntry(ent, SourceCache)
	}

	resp, err := s.net.Fetch(ctx, req)
	if err == nil {
		s.storeAsync(s.partition, "", req, resp)
		return resp
	}
	s.log.Debug("cache-first fetch failed", zap.String("url", req.URL.Redacted()), zap.Error(err))

	if req.IsDocument() {
		if off, ok := s.offline(); ok {
			return off
		}
		s.log.Warn("offline page missing from cache", zap.String("key", s.offlineKey))
	}
	return syntheticResponse(http.StatusRequestTimeout, networkErrorBody)
}

// passthrough fetches without reading or writing any partition.
type passthrough struct {
	net Fetcher
	log *zap.Logger
}

func (s *passthrough) Handle(ctx context.Context, req *Request) *Response {
	resp, err := s.net.Fetch(ctx, req)
	if err != nil {
		s.log.Debug("passthrough fetch failed", zap.String("url", req.URL.Redacted()), zap.Error(err))
		r := syntheticResponse(http.StatusBadGateway, "bad gateway")
		r.Source = SourcePassthrough
		return r
	}
	resp.Source = SourcePassthrough
	return resp
}

func syntheticResponse(status int, body string) *Response {
	return &Response{
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		Source: SourceSynthetic,
	}
}
