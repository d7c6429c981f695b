package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yabosen/presence/internal/auth"
	"github.com/yabosen/presence/internal/avatar"
	"github.com/yabosen/presence/internal/config"
	"github.com/yabosen/presence/internal/metrics"
	"github.com/yabosen/presence/internal/model"
	"github.com/yabosen/presence/internal/presence"
	"github.com/yabosen/presence/internal/storage"
)

const testKey = "test-secret"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	kv      *storage.MemoryStore
	clock   *clock
	handler http.Handler
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		Address:          ":0",
		APIKey:           testKey,
		DefaultAvatarURL: "https://example.com/default.png",
	}
	for _, m := range mutate {
		m(cfg)
	}
	kv := storage.NewMemoryStore()
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := metrics.New()
	svc := presence.NewService(kv, presence.Options{Now: c.Now, Metrics: m})
	avatars := avatar.NewService(avatar.NewKVBackend(kv, svc.Keys().Avatar()), avatar.Options{
		MaxBytes:   1024,
		DefaultURL: cfg.DefaultAvatarURL,
	})
	srv := New(cfg, svc, avatars, auth.NewGate(cfg.APIKey), m, nil)
	return &harness{kv: kv, clock: c, handler: srv.Handler(), metrics: m}
}

func (h *harness) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGetStatusOnFreshStore(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/status", "", false)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	body := decode(t, rec)
	assert.Equal(t, "offline", body["status"])
	assert.Contains(t, body, "customMessage")
	assert.Nil(t, body["customMessage"], "null fields are serialized, not omitted")
	assert.Nil(t, body["activityType"])
}

func TestEveryStatusRoundTrips(t *testing.T) {
	h := newHarness(t)
	for _, st := range model.StatusNames() {
		rec := h.do(t, http.MethodPost, "/status", `{"status":"`+st+`"}`, true)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, true, decode(t, rec)["success"])

		rec = h.do(t, http.MethodGet, "/status", "", false)
		assert.Equal(t, st, decode(t, rec)["status"])
	}
}

func TestInvalidStatusLeavesRecordUnchanged(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/status", `{"status":"dnd","customMessage":"focus"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	before := h.do(t, http.MethodGet, "/status", "", false).Body.String()

	rec = h.do(t, http.MethodPost, "/status", `{"status":"busy"}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "status", body["field"])
	assert.Contains(t, body["error"], "Must be one of: online, offline, dnd, idle, sleeping, streaming")
	assert.Len(t, body["allowed"], 6)

	after := h.do(t, http.MethodGet, "/status", "", false).Body.String()
	assert.JSONEq(t, before, after)
}

func TestMalformedStatusBody(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/status", `{"status":`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, malformedBody, decode(t, rec)["error"])
}

func TestTrailingDataAfterBodyIsRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/status", `{"status":"online"} {"status":"idle"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, malformedBody, decode(t, rec)["error"])

	_, err := h.kv.Get(context.Background(), "yabosen:status")
	assert.ErrorIs(t, err, storage.ErrNotFound, "nothing written")

	rec = h.do(t, http.MethodPost, "/status", "{\"status\":\"online\"}\n  ", true)
	assert.Equal(t, http.StatusOK, rec.Code, "trailing whitespace is fine")
}

func TestOversizedBodyIs413(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxBodyBytes = 64 })
	big := `{"status":"online","customMessage":"` + strings.Repeat("x", 200) + `"}`

	rec := h.do(t, http.MethodPost, "/status", big, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, bodyTooLarge, decode(t, rec)["error"])

	rec = h.do(t, http.MethodPost, "/heartbeat", `{"source":"`+strings.Repeat("p", 200)+`"}`, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = h.do(t, http.MethodPost, "/avatar", `{"avatar":"`+strings.Repeat("A", 200)+`"}`, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHeartbeatCarriesIdleReport(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/status", `{"status":"online"}`, true).Code)
	h.clock.Advance(time.Second)

	rec := h.do(t, http.MethodPost, "/heartbeat", `{"source":"pc","idleSeconds":120}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	ts := int64(decode(t, rec)["updatedAt"].(float64))

	data, err := h.kv.Get(context.Background(), "yabosen:idle:pc")
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(ts-120_000, 10), string(data))
}

func TestMissingStatusIsRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/status", `{"customMessage":"hi"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "Missing status")
}

func TestIdempotentMutationAdvancesUpdatedAt(t *testing.T) {
	h := newHarness(t)
	first := decode(t, h.do(t, http.MethodPost, "/status", `{"status":"online"}`, true))
	second := decode(t, h.do(t, http.MethodPost, "/status", `{"status":"online"}`, true))
	assert.Greater(t, second["updatedAt"].(float64), first["updatedAt"].(float64))
}

func TestClientCannotSetUpdatedAt(t *testing.T) {
	h := newHarness(t)
	body := decode(t, h.do(t, http.MethodPost, "/status", `{"status":"online","updatedAt":1}`, true))
	assert.Equal(t, float64(h.clock.Now().UnixMilli()), body["updatedAt"])
}

func TestStaleStatusDowngradedOnRead(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/status",
		`{"status":"online","activityType":"playing","activityName":"Hades","customMessage":"gaming"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	h.clock.Advance(3 * time.Minute)
	body := decode(t, h.do(t, http.MethodGet, "/status", "", false))
	assert.Equal(t, "offline", body["status"])
	assert.Nil(t, body["activityType"])
	assert.Nil(t, body["activityName"])
	assert.Equal(t, "gaming", body["customMessage"])

	raw, err := h.kv.Get(context.Background(), "yabosen:status")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"online"`, "the stored record is untouched")
	assert.Contains(t, string(raw), `"activityName":"Hades"`)
}

func TestSleepingIsExemptFromStaleness(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/status", `{"status":"sleeping"}`, true).Code)
	h.clock.Advance(12 * time.Hour)
	assert.Equal(t, "sleeping", decode(t, h.do(t, http.MethodGet, "/status", "", false))["status"])
}

func TestActivityIndependentOfStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/status",
		`{"status":"online","activityType":"watching","activityName":"Dark","episodeInfo":"E3","seasonInfo":"S1"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, h.do(t, http.MethodGet, "/status", "", false))
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, "watching", body["activityType"])
	assert.Equal(t, "E3", body["episodeInfo"])
	assert.Equal(t, "S1", body["seasonInfo"])
}

func TestMessageAliasOverHTTP(t *testing.T) {
	h := newHarness(t)
	body := decode(t, h.do(t, http.MethodPost, "/status", `{"status":"idle","message":"afk"}`, true))
	assert.Equal(t, "afk", body["customMessage"])
}

func TestHeartbeatFlow(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/heartbeat", `{"source":"pc"}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No status data found", decode(t, rec)["error"])

	post := decode(t, h.do(t, http.MethodPost, "/status", `{"status":"streaming","activityType":"playing","activityName":"Tetris"}`, true))

	h.clock.Advance(100 * time.Second)
	rec = h.do(t, http.MethodPost, "/heartbeat", `{"source":"mobile"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	hb := decode(t, rec)
	assert.Equal(t, true, hb["success"])
	assert.Equal(t, "mobile", hb["source"])

	h.clock.Advance(100 * time.Second)
	after := decode(t, h.do(t, http.MethodGet, "/status", "", false))
	assert.Equal(t, "streaming", after["status"], "heartbeat kept the record fresh")
	for _, field := range []string{"activityType", "activityName", "customMessage", "episodeInfo", "seasonInfo"} {
		assert.Equal(t, post[field], after[field], field)
	}
	assert.Equal(t, hb["updatedAt"], after["updatedAt"])
}

func TestHeartbeatWithoutBodyDefaultsToPC(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/status", `{"status":"online"}`, true).Code)

	for _, body := range []string{"", "not json", `{"source":42}`} {
		rec := h.do(t, http.MethodPost, "/heartbeat", body, true)
		require.Equal(t, http.StatusOK, rec.Code, "body %q", body)
		assert.Equal(t, "pc", decode(t, rec)["source"])
	}
}

func TestGetHeartbeats(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/status", `{"status":"online"}`, true).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/heartbeat", `{"source":"mobile"}`, true).Code)

	rec := h.do(t, http.MethodGet, "/heartbeat", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	sources := decode(t, rec)["sources"].(map[string]interface{})
	assert.Nil(t, sources["pc"])
	assert.NotNil(t, sources["mobile"])

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/heartbeat", "", false).Code)
}

func TestMutationsRequireAuthorization(t *testing.T) {
	h := newHarness(t)
	routes := []struct{ method, path, body string }{
		{http.MethodPost, "/status", `{"status":"online"}`},
		{http.MethodPost, "/heartbeat", `{}`},
		{http.MethodPost, "/avatar", `{"avatar":"data:image/png;base64,AA=="}`},
		{http.MethodPut, "/log/level?v=debug", ""},
	}
	headers := []string{"", "Bearer", "Bearer wrong", "Basic " + testKey, testKey}
	for _, rt := range routes {
		for _, hdr := range headers {
			req := httptest.NewRequest(rt.method, rt.path, strings.NewReader(rt.body))
			if hdr != "" {
				req.Header.Set("Authorization", hdr)
			}
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s with %q", rt.method, rt.path, hdr)
			assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
		}
	}

	_, err := h.kv.Get(context.Background(), "yabosen:status")
	assert.ErrorIs(t, err, storage.ErrNotFound, "no unauthorized request reached the store")
}

func TestEmptyAPIKeyRejectsEverything(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.APIKey = "" })
	req := httptest.NewRequest(http.MethodPost, "/status", strings.NewReader(`{"status":"online"}`))
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStoreFailures(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/status", `{"status":"online"}`, true).Code)
	h.kv.FailWith(errors.New("connection reset"))

	rec := h.do(t, http.MethodGet, "/status", "", false)
	assert.Equal(t, http.StatusOK, rec.Code, "reads fail open")
	assert.Equal(t, "offline", decode(t, rec)["status"])

	rec = h.do(t, http.MethodPost, "/status", `{"status":"dnd"}`, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Failed to update status", decode(t, rec)["error"])

	rec = h.do(t, http.MethodPost, "/heartbeat", `{}`, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Heartbeat failed", decode(t, rec)["error"])

	rec = h.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAvatarEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/avatar", "", false)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/default.png", rec.Header().Get("Location"))

	img := []byte{0x89, 'P', 'N', 'G'}
	payload := `{"avatar":"data:image/png;base64,` + base64.StdEncoding.EncodeToString(img) + `"}`
	rec = h.do(t, http.MethodPost, "/avatar", payload, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "0KB", body["size"])

	rec = h.do(t, http.MethodGet, "/avatar", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, avatar.CacheControlValue, rec.Header().Get("Cache-Control"))
	assert.True(t, bytes.Equal(img, rec.Body.Bytes()))
}

func TestAvatarValidation(t *testing.T) {
	h := newHarness(t)
	oversized := base64.StdEncoding.EncodeToString(make([]byte, 4096))
	tests := []struct {
		payload string
		want    string
	}{
		{`{}`, "Missing or invalid avatar data. Expected base64 string."},
		{`{"avatar":12}`, "Missing or invalid avatar data. Expected base64 string."},
		{`{"avatar":"http://x/y.png"}`, `Avatar must be a base64 data URL starting with "data:image/"`},
		{`{"avatar":"data:image/png;base64,` + oversized + `"}`, "Avatar too large. Max size is 1KB, received 4KB"},
	}
	for _, tt := range tests {
		rec := h.do(t, http.MethodPost, "/avatar", tt.payload, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, tt.want, decode(t, rec)["error"])
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	h.do(t, http.MethodGet, "/status", "", false)
	rec = h.do(t, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `presence_http_requests_total{code="200",method="GET",route="/status"}`)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodOptions, "/status", "", false)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))

	rec = h.do(t, http.MethodGet, "/status", "", false)
	assert.Len(t, rec.Header().Get(requestIDHeader), 36)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit = 1
		c.RateBurst = 2
	})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, h.do(t, http.MethodGet, "/status", "", false).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/nope", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodDelete, "/status", "", false)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
