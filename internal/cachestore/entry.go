package cachestore

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"strings"
)

// Entry is a stored response, keyed by the request that produced it.
type Entry struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	// Scope separates entries of the same request made with different
	// credentials. Empty for public entries.
	Scope string
}

// Key returns the lookup key of the entry's originating request.
func (e Entry) Key() string { return ScopedKey(e.Method, e.URL, e.Scope) }

// Clone returns a deep copy; the header map and body never alias the receiver's.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Key builds the request key used by every partition. Fragments are not part
// of a request, so they are dropped.
func Key(method, rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL = rawURL[:i]
	}
	return strings.ToUpper(method) + " " + rawURL
}

// ScopedKey is Key with a credential scope appended. An empty scope yields
// the plain Key.
func ScopedKey(method, rawURL, scope string) string {
	k := Key(method, rawURL)
	if scope == "" {
		return k
	}
	return k + " " + scope
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

type partitionMeta struct {
	Seq       int64
	CreatedAt int64
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
