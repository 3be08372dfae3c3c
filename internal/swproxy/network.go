package swproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher is the network. An error means the request never produced an HTTP
// response; any status code, 5xx included, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// hopHeaders are not forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// upstreamFetcher sends every request to the application's upstream server
// and buffers the whole response.
type upstreamFetcher struct {
	base    *url.URL
	client  *http.Client
	latency *latencyTracker
}

func newUpstreamFetcher(base *url.URL, client *http.Client, latency *latencyTracker) *upstreamFetcher {
	return &upstreamFetcher{base: base, client: client, latency: latency}
}

func (f *upstreamFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	defer func() {
		if f.latency != nil {
			f.latency.Record("upstream", time.Since(start))
		}
	}()

	target := f.base.Scheme + "://" + f.base.Host + strings.TrimRight(f.base.Path, "/") + req.URL.RequestURI()
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(out.Header, req.Header)
	out.Header.Set("X-Forwarded-Host", req.URL.Host)
	out.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	out.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL.Redacted(), err)
	}

	h := make(http.Header, len(resp.Header))
	copyHeaders(h, resp.Header)
	h.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: h, Body: b, Source: SourceNetwork}, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}
