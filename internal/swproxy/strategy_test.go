package swproxy

import (
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyedge/internal/cachestore"
)

func storedIn(t *testing.T, f *fixture, partition string, req *Request) cachestore.Entry {
	t.Helper()
	f.caches.Flush()
	p, err := f.caches.Open(partition)
	require.NoError(t, err)
	ent, err := p.Match(req.Key())
	require.NoError(t, err)
	return ent
}

func TestNetworkFirstStoresWhatItReturns(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)
	f.mt.RegisterResponder(http.MethodGet, upstream("/v1/stories"),
		httpmock.NewStringResponder(http.StatusOK, `{"listStory":[{"id":"s-1"}]}`).
			HeaderSet(http.Header{"Content-Type": {"application/json"}}))

	req := appRequest(t, http.MethodGet, "/v1/stories")
	resp, intercepted := f.worker.Fetch(t.Context(), req)
	require.True(t, intercepted)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, http.StatusOK, resp.Status)

	ent := storedIn(t, f, f.worker.Partitions().API, req)
	assert.Equal(t, resp.Status, ent.Status)
	assert.Equal(t, resp.Body, ent.Body)
	assert.Equal(t, "application/json", ent.Header.Get("Content-Type"))

	resp.Body[0] = 'X'
	again := storedIn(t, f, f.worker.Partitions().API, req)
	assert.Equal(t, byte('{'), again.Body[0], "stored copy must not share the returned body")
}

func TestNetworkFirstStoresErrorStatuses(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)
	f.mt.RegisterResponder(http.MethodGet, upstream("/v1/stories/missing"),
		httpmock.NewStringResponder(http.StatusNotFound, `{"error":true}`))

	req := appRequest(t, http.MethodGet, "/v1/stories/missing")
	resp, _ := f.worker.Fetch(t.Context(), req)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, http.StatusNotFound, storedIn(t, f, f.worker.Partitions().API, req).Status)
}

func TestNonGETIsNeverStored(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)
	f.mt.RegisterResponder(http.MethodPost, upstream("/v1/stories"),
		httpmock.NewStringResponder(http.StatusCreated, `{"error":false}`))
	f.mt.RegisterResponder(http.MethodPut, upstream("/profile.html"),
		httpmock.NewStringResponder(http.StatusOK, "ok"))
	before := f.caches.EntryCount()

	post := appRequest(t, http.MethodPost, "/v1/stories")
	post.Body = []byte(`{"description":"hi"}`)
	resp, _ := f.worker.Fetch(t.Context(), post)
	assert.Equal(t, http.StatusCreated, resp.Status)

	put := appRequest(t, http.MethodPut, "/profile.html")
	resp, _ = f.worker.Fetch(t.Context(), put)
	assert.Equal(t, http.StatusOK, resp.Status)

	f.caches.Flush()
	assert.Equal(t, before, f.caches.EntryCount())
	_, ok := f.caches.Match(post.Key())
	assert.False(t, ok)
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)
	f.mt.RegisterResponder(http.MethodGet, upstream("/v1/stories"),
		httpmock.NewStringResponder(http.StatusOK, `{"listStory":[]}`))

	req := appRequest(t, http.MethodGet, "/v1/stories")
	fresh, _ := f.worker.Fetch(t.Context(), req)
	f.caches.Flush()

	f.mt.Reset()
	resp, _ := f.worker.Fetch(t.Context(), req)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, fresh.Status, resp.Status)
	assert.Equal(t, fresh.Body, resp.Body)
}

func TestNetworkFirstFallsBackToOfflinePage(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)

	resp, _ := f.worker.Fetch(t.Context(), appRequest(t, http.MethodGet, "/v1/stories/never-seen"))
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Equal(t, "asset /offline.html", string(resp.Body))
}

func TestNetworkFirstWithoutOfflinePage(t *testing.T) {
	f := newFixture(t, "")
	f.mt.RegisterNoResponder(httpmock.NewErrorResponder(assert.AnError))

	resp := f.worker.Router().networkFirst.Handle(t.Context(), appRequest(t, http.MethodGet, "/v1/stories"))
	assert.Equal(t, SourceSynthetic, resp.Source)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)

	resp, intercepted := f.worker.Fetch(t.Context(), appRequest(t, http.MethodGet, "/app.bundle.js"))
	require.True(t, intercepted)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, "asset /app.bundle.js", string(resp.Body))
	assert.Zero(t, f.mt.GetTotalCallCount())
}

func TestCacheFirstMissIsStored(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)
	f.mt.RegisterResponder(http.MethodGet, upstream("/images/story-42.jpg"),
		httpmock.NewBytesResponder(http.StatusOK, []byte{0xff, 0xd8, 0xff}))

	req := appRequest(t, http.MethodGet, "/images/story-42.jpg")
	resp, _ := f.worker.Fetch(t.Context(), req)
	assert.Equal(t, SourceNetwork, resp.Source)

	ent := storedIn(t, f, f.worker.Partitions().Dynamic, req)
	assert.Equal(t, resp.Body, ent.Body)
	assert.Equal(t, resp.Status, ent.Status)

	again, _ := f.worker.Fetch(t.Context(), req)
	assert.Equal(t, SourceCache, again.Source)
	assert.Equal(t, 1, f.mt.GetTotalCallCount())
}

func TestCacheFirstOfflineFallbacks(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)

	doc, _ := f.worker.Fetch(t.Context(), documentRequest(t, "/stories/unknown"))
	assert.Equal(t, SourceOffline, doc.Source)
	assert.Equal(t, http.StatusOK, doc.Status)
	assert.Equal(t, "asset /offline.html", string(doc.Body))

	img, _ := f.worker.Fetch(t.Context(), appRequest(t, http.MethodGet, "/images/unknown.png"))
	assert.Equal(t, SourceSynthetic, img.Source)
	assert.Equal(t, http.StatusRequestTimeout, img.Status)
	assert.Equal(t, "text/plain", img.Header.Get("Content-Type"))
	assert.Equal(t, networkErrorBody, string(img.Body))
}

func TestCrossOriginIsPassedThroughUncached(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)
	f.mt.RegisterResponder(http.MethodGet, upstream("/tiles/1/2/3.png"),
		httpmock.NewStringResponder(http.StatusOK, "tile"))
	before := f.caches.EntryCount()

	req := &Request{Method: http.MethodGet, URL: mustURL(t, "https://tiles.test/tiles/1/2/3.png"), Header: http.Header{}}
	resp, intercepted := f.worker.Fetch(t.Context(), req)
	assert.False(t, intercepted)
	assert.Equal(t, SourcePassthrough, resp.Source)
	assert.Equal(t, "tile", string(resp.Body))

	f.caches.Flush()
	assert.Equal(t, before, f.caches.EntryCount())
}

func TestPassthroughNetworkFailure(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)

	req := &Request{Method: http.MethodGet, URL: mustURL(t, "https://tiles.test/x.png"), Header: http.Header{}}
	resp, _ := f.worker.Fetch(t.Context(), req)
	assert.Equal(t, SourcePassthrough, resp.Source)
	assert.Equal(t, http.StatusBadGateway, resp.Status)
}

func TestNetworkFirstKeepsCredentialedResponsesApart(t *testing.T) {
	f := newFixture(t, "")
	f.activate(t)
	f.mt.RegisterResponder(http.MethodGet, upstream("/v1/stories"),
		httpmock.NewStringResponder(http.StatusOK, `{"listStory":[{"name":"alice private"}]}`))

	alice := appRequest(t, http.MethodGet, "/v1/stories")
	alice.Header.Set("Authorization", "Bearer alice-token")
	fresh, _ := f.worker.Fetch(t.Context(), alice)
	require.Equal(t, SourceNetwork, fresh.Source)
	f.caches.Flush()
	f.mt.Reset()

	anonymous := appRequest(t, http.MethodGet, "/v1/stories")
	bob := appRequest(t, http.MethodGet, "/v1/stories")
	bob.Header.Set("Authorization", "Bearer bob-token")
	cookie := appRequest(t, http.MethodGet, "/v1/stories")
	cookie.Header.Set("Cookie", "session=mallory")

	for name, req := range map[string]*Request{"anonymous": anonymous, "other token": bob, "cookie": cookie} {
		resp, _ := f.worker.Fetch(t.Context(), req)
		assert.Equal(t, SourceOffline, resp.Source, name)
		assert.NotContains(t, string(resp.Body), "alice private", name)
	}

	again := appRequest(t, http.MethodGet, "/v1/stories")
	again.Header.Set("Authorization", "Bearer alice-token")
	resp, _ := f.worker.Fetch(t.Context(), again)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, fresh.Body, resp.Body)
}

func TestCredentialScope(t *testing.T) {
	anon := appRequest(t, http.MethodGet, "/v1/stories")
	assert.Empty(t, anon.CredentialScope())

	a := appRequest(t, http.MethodGet, "/v1/stories")
	a.Header.Set("Authorization", "Bearer a")
	b := appRequest(t, http.MethodGet, "/v1/stories")
	b.Header.Set("Authorization", "Bearer b")
	c := appRequest(t, http.MethodGet, "/v1/stories")
	c.Header.Set("Cookie", "Bearer a")

	assert.Len(t, a.CredentialScope(), 32)
	assert.NotEqual(t, a.CredentialScope(), b.CredentialScope())
	assert.NotEqual(t, a.CredentialScope(), c.CredentialScope())
	assert.NotContains(t, a.scopedKey(a.CredentialScope()), "Bearer")
}
