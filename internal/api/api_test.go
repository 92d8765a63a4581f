package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"listing-analytics/internal/analytics"
	"listing-analytics/internal/auth"
	"listing-analytics/internal/config"
	"listing-analytics/internal/httpx"
	"listing-analytics/internal/model"
	"listing-analytics/internal/pipeline"
	"listing-analytics/pkg/batcher"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type tracked struct {
	listingID string
	eventType model.EventType
	userID    string
	metadata  map[string]any
}

type fakeTracker struct {
	mu     sync.Mutex
	events []tracked
	err    error
}

func (f *fakeTracker) Track(listingID string, eventType model.EventType, userID string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, tracked{listingID, eventType, userID, metadata})
	return nil
}

func newIngestRouter(tr Tracker) *gin.Engine {
	clients := auth.NewClients(map[string]config.ClientCredential{
		"web": {APIKey: "web-key", HMACSecret: "web-secret"},
		"ios": {APIKey: "ios-key"},
	})
	log, _ := test.NewNullLogger()
	r := gin.New()
	NewIngest(tr, clients, pipeline.NewEnricher("salt", []string{"bot"}), log).Register(r)
	return r
}

func postTrack(r http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/track", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) Mobile/15E148 Safari/604.1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTrackAccepted(t *testing.T) {
	tr := &fakeTracker{}
	r := newIngestRouter(tr)

	body := `{"client_id":"ios","listing_id":"l1","event_type":"VIEW","page_url":"https://m.example/l1?utm_source=push"}`
	w := postTrack(r, body, map[string]string{httpx.APIKeyHeader: "ios-key"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.JSONEq(t, `{"status":"queued"}`, w.Body.String())

	require.Len(t, tr.events, 1)
	got := tr.events[0]
	require.Equal(t, "l1", got.listingID)
	require.Equal(t, model.EventView, got.eventType)
	require.Empty(t, got.userID)
	require.Equal(t, "push", got.metadata["utm_source"])
	require.Equal(t, "mobile", got.metadata["device_type"])
	require.Equal(t, "ios", got.metadata["os"])
}

func TestTrackRequiresSignatureWhenConfigured(t *testing.T) {
	tr := &fakeTracker{}
	r := newIngestRouter(tr)
	body := `{"client_id":"web","listing_id":"l1","user_id":"u1","event_type":"contact"}`

	w := postTrack(r, body, map[string]string{httpx.APIKeyHeader: "web-key"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = postTrack(r, body, map[string]string{
		httpx.APIKeyHeader:    "web-key",
		httpx.SignatureHeader: auth.ComputeSignature("web-secret", []byte(body)),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, tr.events, 1)
	require.Equal(t, "u1", tr.events[0].userID)
}

func TestTrackRejectsBadRequests(t *testing.T) {
	r := newIngestRouter(&fakeTracker{})
	key := map[string]string{httpx.APIKeyHeader: "ios-key"}

	require.Equal(t, http.StatusBadRequest, postTrack(r, `{not json`, key).Code)
	require.Equal(t, http.StatusBadRequest, postTrack(r, `{"client_id":"ios","event_type":"view"}`, key).Code)
	require.Equal(t, http.StatusBadRequest, postTrack(r, `{"client_id":"ios","listing_id":"l1","event_type":"click"}`, key).Code)
	require.Equal(t, http.StatusUnauthorized, postTrack(r, `{"client_id":"tv","listing_id":"l1","event_type":"view"}`, key).Code)
	require.Equal(t, http.StatusUnauthorized, postTrack(r, `{"client_id":"ios","listing_id":"l1","event_type":"view"}`, nil).Code)
}

func TestTrackMapsTrackerErrors(t *testing.T) {
	body := `{"client_id":"ios","listing_id":"l1","event_type":"save"}`
	key := map[string]string{httpx.APIKeyHeader: "ios-key"}

	w := postTrack(newIngestRouter(&fakeTracker{err: analytics.ErrUserRequired}), body, key)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = postTrack(newIngestRouter(&fakeTracker{err: batcher.ErrClosed}), body, key)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = postTrack(newIngestRouter(&fakeTracker{err: errors.New("boom")}), body, key)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTrackIgnoresBots(t *testing.T) {
	tr := &fakeTracker{}
	r := newIngestRouter(tr)
	w := postTrack(r, `{"client_id":"ios","listing_id":"l1","event_type":"view"}`, map[string]string{
		httpx.APIKeyHeader: "ios-key",
		"User-Agent":       "Googlebot/2.1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.JSONEq(t, `{"status":"ignored"}`, w.Body.String())
	require.Empty(t, tr.events)
}

type fakeRollups struct {
	days []int
	err  error
}

func (f *fakeRollups) GetListingAnalytics(_ context.Context, id string, days int) (model.ListingAnalytics, error) {
	f.days = append(f.days, days)
	if id == "" {
		return model.ListingAnalytics{}, analytics.ErrListingRequired
	}
	return model.ListingAnalytics{ListingID: id, Views: 3, Contacts: 1, ConversionRate: 33.33}, f.err
}

func (f *fakeRollups) GetUserAnalytics(_ context.Context, _ string, days int) (model.UserAnalytics, error) {
	f.days = append(f.days, days)
	return model.UserAnalytics{TopPerformingListings: []model.ListingPerformance{}, RecentActivity: []model.DailyMetric{}}, f.err
}

func (f *fakeRollups) GetPlatformAnalytics(_ context.Context, days int) (model.PlatformAnalytics, error) {
	f.days = append(f.days, days)
	if days > analytics.MaxDays {
		return model.PlatformAnalytics{}, analytics.ErrInvalidDays
	}
	return model.PlatformAnalytics{TotalUsers: 5}, f.err
}

func getJSON(t *testing.T, r http.Handler, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func newQueryRouter(src *fakeRollups) *gin.Engine {
	log, _ := test.NewNullLogger()
	r := gin.New()
	NewQuery(src, log).Register(r)
	return r
}

func TestQueryEndpoints(t *testing.T) {
	src := &fakeRollups{}
	r := newQueryRouter(src)

	code, body := getJSON(t, r, "/v1/listings/x/analytics")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "x", body["listing_id"])
	require.Equal(t, 33.33, body["conversion_rate"])

	code, body = getJSON(t, r, "/v1/users/seller/analytics?days=7")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{}, body["top_performing_listings"])
	require.Equal(t, []any{}, body["recent_activity"])

	code, body = getJSON(t, r, "/v1/platform/analytics?days=90")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 5.0, body["total_users"])

	require.Equal(t, []int{analytics.DefaultDays, 7, 90}, src.days)
}

func TestQueryErrors(t *testing.T) {
	r := newQueryRouter(&fakeRollups{})
	code, _ := getJSON(t, r, "/v1/platform/analytics?days=abc")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = getJSON(t, r, "/v1/platform/analytics?days=1000")
	require.Equal(t, http.StatusBadRequest, code)

	r = newQueryRouter(&fakeRollups{err: errors.New("clickhouse down")})
	code, body := getJSON(t, r, "/v1/listings/x/analytics")
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "query failed", body["error"])
}

func TestHealth(t *testing.T) {
	r := gin.New()
	r.GET("/ok", Health(map[string]Check{"db": func(context.Context) error { return nil }}))
	r.GET("/bad", Health(map[string]Check{
		"db":    func(context.Context) error { return nil },
		"cache": func(context.Context) error { return errors.New("refused") },
	}))

	code, body := getJSON(t, r, "/ok")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	code, body = getJSON(t, r, "/bad")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, "refused", body["checks"].(map[string]any)["cache"])
}

func TestRateLimitIgnoresUnknownKeys(t *testing.T) {
	clients := auth.NewClients(map[string]config.ClientCredential{"ios": {APIKey: "ios-key"}})
	limiter := httpx.NewClientRateLimiter(0.001, 1, 0)
	log, _ := test.NewNullLogger()
	r := gin.New()
	g := r.Group("/", limiter.Middleware(RateLimitKey(clients)))
	NewIngest(&fakeTracker{}, clients, pipeline.NewEnricher("salt", nil), log).Register(g)

	body := `{"client_id":"ios","listing_id":"l1","event_type":"view"}`
	limited := 0
	for i := 0; i < 100; i++ {
		w := postTrack(r, body, map[string]string{httpx.APIKeyHeader: fmt.Sprintf("bogus-%d", i)})
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	require.Equal(t, 99, limited)
	require.Equal(t, 1, limiter.Size())

	// a valid key has its own bucket
	w := postTrack(r, body, map[string]string{httpx.APIKeyHeader: "ios-key"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, 2, limiter.Size())
}
