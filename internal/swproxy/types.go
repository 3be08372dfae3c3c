package swproxy

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storyedge/internal/cachestore"
)

// Source tells where a response came from. It is echoed in the X-Storyedge
// header.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceOffline     Source = "offline"
	SourceSynthetic   Source = "synthetic"
	SourcePassthrough Source = "passthrough"
)

// Request is an intercepted request. URL is always absolute.
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Destination string
}

// Key is the cache key for this request.
func (r *Request) Key() string {
	return cachestore.Key(r.Method, r.URL.String())
}

// CredentialScope identifies the credentials the request carries, so a
// response fetched for one user is never matched for another. It is empty
// when the request has neither Authorization nor Cookie.
func (r *Request) CredentialScope() string {
	auth, cookie := r.Header.Get("Authorization"), r.Header.Get("Cookie")
	if auth == "" && cookie == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(auth + "\x00" + cookie))
	return hex.EncodeToString(sum[:16])
}

// scopedKey is Key within the given credential scope.
func (r *Request) scopedKey(scope string) string {
	return cachestore.ScopedKey(r.Method, r.URL.String(), scope)
}

// IsDocument reports whether the request navigates to a document.
func (r *Request) IsDocument() bool {
	return r.Destination == "document"
}

// Response is a fully buffered response. Body can be read any number of
// times, but the strategies still hand out clones so the copy that is stored
// never shares memory with the one written to the caller.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

func (r *Response) Clone() *Response {
	out := *r
	ent := cachestore.Entry{Header: r.Header, Body: r.Body}.Clone()
	out.Header, out.Body = ent.Header, ent.Body
	return &out
}

func (r *Response) toEntry(req *Request, scope string) cachestore.Entry {
	return cachestore.Entry{
		Scope:    scope,
		Method:   strings.ToUpper(req.Method),
		URL:      req.URL.String(),
		Status:   r.Status,
		Header:   r.Header,
		Body:     r.Body,
		StoredAt: time.Now().Unix(),
	}
}

func responseFromEntry(ent cachestore.Entry, src Source) *Response {
	return &Response{Status: ent.Status, Header: ent.Header, Body: ent.Body, Source: src}
}

// destinationOf derives the fetch destination of an incoming request.
func destinationOf(r *http.Request) string {
	if d := r.Header.Get("Sec-Fetch-Dest"); d != "" {
		return strings.ToLower(d)
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return "document"
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return "document"
	}
	return ""
}

// requestURL reconstructs the absolute URL the client asked for.
func requestURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		u.Fragment = ""
		return &u
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = strings.TrimSpace(strings.Split(h, ",")[0])
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     strings.ToLower(host),
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
}
