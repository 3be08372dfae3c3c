package swproxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storyedge/internal/push"
)

const testPushToken = "s3cret-push-token"

func newTestService(t *testing.T, extra string) (*Service, *httpmock.MockTransport) {
	t.Helper()
	cfg := testConfig(t, extra)
	mt := httpmock.NewMockTransport()
	for _, p := range cfg.Cache.Baseline {
		mt.RegisterResponder(http.MethodGet, upstream(p), httpmock.NewStringResponder(http.StatusOK, "asset "+p))
	}
	svc, err := NewService(cfg, zap.NewNop(), WithHTTPClient(&http.Client{Transport: mt}))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, mt
}

const pushTokenConfig = "push:\n  token: " + testPushToken + "\n"

func newRequest(method, target, body string) *http.Request {
	if body == "" {
		return httptest.NewRequest(method, target, nil)
	}
	return httptest.NewRequest(method, target, strings.NewReader(body))
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(method, target, body))
	return rec
}

// serveControl calls a token protected endpoint with the test token.
func serveControl(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := newRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+testPushToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthFollowsActivation(t *testing.T) {
	svc, _ := newTestService(t, pushTokenConfig)
	h := svc.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodGet, "/healthz", "").Code)
	require.NoError(t, svc.Start(t.Context()))
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz", "").Code)
}

func TestInterceptServesFromCache(t *testing.T) {
	svc, mt := newTestService(t, pushTokenConfig)
	require.NoError(t, svc.Start(t.Context()))
	mt.Reset()
	h := svc.Handler()

	rec := serve(h, http.MethodGet, "https://stories.test/app.bundle.js", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "asset /app.bundle.js", rec.Body.String())
	assert.Equal(t, "cache", rec.Header().Get(outcomeHeader))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), outcomeHeader)

	req := httptest.NewRequest(http.MethodGet, "https://stories.test/stories/7", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "offline", rec.Header().Get(outcomeHeader))
	assert.Equal(t, "asset /offline.html", rec.Body.String())

	rec = serve(h, http.MethodGet, "https://stories.test/images/none.png", "")
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Equal(t, "synthetic", rec.Header().Get(outcomeHeader))

	metrics := serve(h, http.MethodGet, "/metrics", "")
	assert.Contains(t, metrics.Body.String(), `storyedge_requests_total{class="asset",source="cache"} 1`)
}

func TestStatusReportsPartitions(t *testing.T) {
	svc, _ := newTestService(t, pushTokenConfig)
	require.NoError(t, svc.Start(t.Context()))

	rec := serve(svc.Handler(), http.MethodGet, "/_sw/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "activated", st.State)
	assert.Equal(t, "v1", st.Version)
	assert.Equal(t, svc.Worker().Partitions().All(), st.Current)
	assert.Contains(t, st.Partitions, "story-app-static-v1")
	assert.Equal(t, len(svc.cfg.Cache.Baseline), st.Entries)
	assert.Positive(t, st.Bytes)
}

func TestPushAndClick(t *testing.T) {
	svc, _ := newTestService(t, pushTokenConfig)
	require.NoError(t, svc.Start(t.Context()))
	h := svc.Handler()

	rec := serveControl(h, http.MethodPost, "/_sw/push", `{"title":"New story","body":"Alice shared a story","url":"/#/detail/s-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var pr pushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pr))
	assert.True(t, pr.Shown)
	assert.Equal(t, "New story", pr.Notification.Title)
	assert.Equal(t, "/images/story-app-small.png", pr.Notification.Icon)
	assert.Equal(t, []int{100, 50, 100}, pr.Notification.Vibrate)
	require.NotEmpty(t, pr.Notification.ID)
	assert.Len(t, svc.Tray().List(), 1)

	rec = serveControl(h, http.MethodPost, "/_sw/notificationclick", `{"id":"`+pr.Notification.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res push.ClickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, push.ClickNone, res.Action, "no window is connected to focus or open")
	assert.Equal(t, "https://stories.test/#/detail/s-1", res.URL)

	_, open := svc.Tray().Get(pr.Notification.ID)
	assert.False(t, open, "click closes the notification")
}

func TestPushPlainText(t *testing.T) {
	svc, _ := newTestService(t, pushTokenConfig)
	rec := serveControl(svc.Handler(), http.MethodPost, "/_sw/push", "hello there")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var pr pushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pr))
	assert.Equal(t, push.DefaultTitle, pr.Notification.Title)
	assert.Equal(t, "hello there", pr.Notification.Body)
	assert.Equal(t, push.DefaultURL, pr.Notification.Data.URL)
}

func TestNotificationClickRejectsBadJSON(t *testing.T) {
	svc, _ := newTestService(t, pushTokenConfig)
	rec := serveControl(svc.Handler(), http.MethodPost, "/_sw/notificationclick", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlEndpointsRequireToken(t *testing.T) {
	svc, _ := newTestService(t, pushTokenConfig)
	h := svc.Handler()

	rec := serve(h, http.MethodPost, "/_sw/push", `{"title":"spoofed"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := newRequest(http.MethodPost, "/_sw/push", `{"title":"spoofed"}`)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "/_sw/notificationclick", `{}`).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/_sw/notifications", "").Code)
	assert.Empty(t, svc.Tray().List())
}

func TestControlEndpointsDisabledWithoutToken(t *testing.T) {
	svc, _ := newTestService(t, "")
	rec := serveControl(svc.Handler(), http.MethodPost, "/_sw/push", "hello")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.Tray().List())
}

func TestNotificationClickStaysOnOrigin(t *testing.T) {
	svc, _ := newTestService(t, pushTokenConfig)
	require.NoError(t, svc.Start(t.Context()))
	h := svc.Handler()

	rec := serveControl(h, http.MethodPost, "/_sw/notificationclick", `{"data":{"url":"https://evil.test/"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res push.ClickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "https://stories.test/", res.URL)
}

func TestInterceptRejectsOversizedBody(t *testing.T) {
	svc, mt := newTestService(t, "server:\n  maxBody: 1k\n")
	require.NoError(t, svc.Start(t.Context()))
	mt.Reset()
	mt.RegisterResponder(http.MethodPost, upstream("/v1/stories"), httpmock.NewStringResponder(http.StatusCreated, "{}"))
	h := svc.Handler()

	rec := serve(h, http.MethodPost, "https://stories.test/v1/stories", strings.Repeat("a", 2048))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, mt.GetTotalCallCount(), "a cut body is never forwarded")

	rec = serve(h, http.MethodPost, "https://stories.test/v1/stories", strings.Repeat("a", 512))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestPushRejectsOversizedPayload(t *testing.T) {
	svc, _ := newTestService(t, pushTokenConfig)
	rec := serveControl(svc.Handler(), http.MethodPost, "/_sw/push", strings.Repeat("x", maxPushBody+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, svc.Tray().List())
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, "X-Storyedge")
	assert.Equal(t, "X-Storyedge", h.Get("Access-Control-Expose-Headers"))

	h.Set("Access-Control-Expose-Headers", "ETag, x-storyedge")
	ensureExposedHeader(h, "X-Storyedge")
	assert.Equal(t, "ETag, x-storyedge", h.Get("Access-Control-Expose-Headers"))

	h.Set("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, "X-Storyedge")
	assert.Equal(t, "ETag, X-Storyedge", h.Get("Access-Control-Expose-Headers"))
}

func TestDestinationOf(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, destinationOf(req))

	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	assert.Equal(t, "document", destinationOf(req))

	req.Header.Set("Sec-Fetch-Dest", "Image")
	assert.Equal(t, "image", destinationOf(req))
}

func TestRequestURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/stories?page=2", nil)
	req.Host = "Stories.Test"
	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://stories.test/v1/stories?page=2", requestURL(req).String())

	req.Header.Set("X-Forwarded-Host", "edge.test, inner.test")
	assert.Equal(t, "https://edge.test/v1/stories?page=2", requestURL(req).String())
}
