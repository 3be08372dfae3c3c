package swproxy

import (
	"context"
	"net/url"
	"strings"
)

// RequestClass is the routing decision for one request.
type RequestClass int

const (
	// ClassCrossOrigin requests are not intercepted.
	ClassCrossOrigin RequestClass = iota
	ClassAPI
	ClassAsset
)

func (c RequestClass) String() string {
	switch c {
	case ClassCrossOrigin:
		return "cross-origin"
	case ClassAPI:
		return "api"
	case ClassAsset:
		return "asset"
	default:
		return "unknown"
	}
}

// Strategy produces a response for a request. Implementations never fail:
// a degraded response is still a response.
type Strategy interface {
	Handle(ctx context.Context, req *Request) *Response
}

type StrategyFunc func(ctx context.Context, req *Request) *Response

func (f StrategyFunc) Handle(ctx context.Context, req *Request) *Response { return f(ctx, req) }

// Classifier decides the class of a request from its URL alone.
type Classifier struct {
	Origin      *url.URL
	APIPrefix   string
	BackendHost string
}

func (c Classifier) Classify(req *Request) RequestClass {
	if !SameOrigin(req.URL, c.Origin) {
		return ClassCrossOrigin
	}
	if IsAPIRequest(req.URL, c.APIPrefix, c.BackendHost) {
		return ClassAPI
	}
	return ClassAsset
}

// SameOrigin compares scheme, host and effective port.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// IsAPIRequest matches the API path prefix or the backend host.
func IsAPIRequest(u *url.URL, prefix, backendHost string) bool {
	if prefix != "" && strings.HasPrefix(u.Path, prefix) {
		return true
	}
	return backendHost != "" && strings.EqualFold(u.Hostname(), backendHost)
}

// Router maps each class to its strategy.
type Router struct {
	classifier   Classifier
	networkFirst Strategy
	cacheFirst   Strategy
	passthrough  Strategy
}

func NewRouter(c Classifier, networkFirst, cacheFirst, passthrough Strategy) *Router {
	return &Router{classifier: c, networkFirst: networkFirst, cacheFirst: cacheFirst, passthrough: passthrough}
}

// Route classifies req and returns the strategy to run. It does no I/O.
func (r *Router) Route(req *Request) (RequestClass, Strategy) {
	class := r.classifier.Classify(req)
	switch class {
	case ClassAPI:
		return class, r.networkFirst
	case ClassAsset:
		return class, r.cacheFirst
	default:
		return class, r.passthrough
	}
}
