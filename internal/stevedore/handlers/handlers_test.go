package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"spyglass/internal/stevedore/metrics"
	"spyglass/internal/stevedore/storage"
	"spyglass/internal/stevedore/uploads"
	stevedoreapi "spyglass/pkg/api/stevedore"
	"spyglass/pkg/auth"
	"spyglass/pkg/cache"
	"spyglass/pkg/clients"
	"spyglass/pkg/logging"
	"spyglass/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	testSecret = "test-secret"
	testPubKey = "a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b1"
)

type storageStub struct {
	presignBase string
	headInfo    storage.ObjectInfo
	headErr     error
	headCalls   int
	deleted     []string
}

func (s *storageStub) PresignPut(_ context.Context, key, _ string, expiry time.Duration) (string, time.Time, error) {
	return s.presignBase + "/" + key, time.Now().Add(expiry), nil
}

func (s *storageStub) Head(_ context.Context, _ string) (storage.ObjectInfo, error) {
	s.headCalls++
	return s.headInfo, s.headErr
}

func (s *storageStub) Delete(_ context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	return nil
}

// testMetrics builds bare instruments so tests stay off the global
// registry.
func testMetrics() *metrics.Metrics {
	return &metrics.Metrics{
		UploadsSigned: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "uploads_signed_total"}, []string{"content_type"}),
		StatusChecks:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "status_checks_total"}, []string{"status"}),
		Completions:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "completions_total"}, []string{"outcome"}),
		ProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "cdn_probe_duration_seconds"}, []string{"outcome"}),
		ProbeCache:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "probe_cache_events_total"}, []string{"event"}),
		ActiveUploads: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "active_uploads"}, nil),
	}
}

type uploadAPIHarness struct {
	router  *gin.Engine
	store   *uploads.MemoryStore
	storage *storageStub
	metrics *metrics.Metrics
	cdnURL  string
}

func setupUploadAPI(t *testing.T, cdnURL string) *uploadAPIHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := uploads.NewMemoryStore(time.Hour)
	stub := &storageStub{presignBase: "https://landing.example.com"}
	m := testMetrics()

	executor := clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})

	Init(Dependencies{
		Logger:         logging.NewNopLogger(),
		Metrics:        m,
		Store:          store,
		Storage:        stub,
		Validator:      validation.NewRequestValidator(),
		JWTSecret:      []byte(testSecret),
		TokenTTL:       time.Hour,
		MaxUploadBytes: 1 << 20,
		CDNBaseURL:     cdnURL,
		ProbeClient:    &http.Client{Timeout: 2 * time.Second},
		ProbeExecutor:  executor,
		ProbeCache:     cache.New(cache.Options{TTL: 50 * time.Millisecond, NegativeTTL: 50 * time.Millisecond}, cache.MetricsHooks{}),
	})

	router := gin.New()
	RegisterRoutes(router)
	return &uploadAPIHarness{router: router, store: store, storage: stub, metrics: m, cdnURL: cdnURL}
}

func (h *uploadAPIHarness) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	return resp
}

// seedRecord plants a record directly in the store and mints a matching
// session token.
func (h *uploadAPIHarness) seedRecord(t *testing.T, uploadID string, status stevedoreapi.UploadStatus) (uploads.Record, string) {
	t.Helper()
	now := time.Now().UTC()
	rec := uploads.Record{
		UploadID:    uploadID,
		PubKey:      testPubKey,
		FileName:    "clip.mp4",
		ContentType: "video/mp4",
		SizeBytes:   4096,
		ObjectKey:   storage.UploadKey(testPubKey, uploadID, "clip.mp4"),
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.Put(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	token, err := auth.GenerateUploadToken(uploadID, testPubKey, time.Hour, []byte(testSecret))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return rec, token
}

func signBody(contentType, fileName string, size int64) string {
	body, _ := json.Marshal(stevedoreapi.SignUploadRequest{
		FileName:    fileName,
		ContentType: contentType,
		SizeBytes:   size,
		PubKey:      testPubKey,
		Title:       "garage session",
	})
	return string(body)
}

func TestSignUploadIssuesPresignedURL(t *testing.T) {
	harness := setupUploadAPI(t, "https://cdn.example.com")

	resp := harness.do(t, http.MethodPost, "/api/v1/uploads", signBody("video/mp4", "clip.mp4", 4096), "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var result stevedoreapi.SignUploadResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.UploadID == "" || result.Token == "" {
		t.Fatalf("missing upload id or token: %+v", result)
	}
	wantKey := "uploads/" + testPubKey + "/" + result.UploadID + ".mp4"
	if result.ObjectKey != wantKey {
		t.Fatalf("expected key %s, got %s", wantKey, result.ObjectKey)
	}
	if result.UploadURL != "https://landing.example.com/"+wantKey {
		t.Fatalf("unexpected upload URL %s", result.UploadURL)
	}

	claims, err := auth.ValidateUploadToken(result.Token, []byte(testSecret))
	if err != nil {
		t.Fatalf("token does not validate: %v", err)
	}
	if claims.UploadID != result.UploadID || claims.PubKey != testPubKey {
		t.Fatalf("unexpected claims %+v", claims)
	}

	rec, err := harness.store.Get(context.Background(), result.UploadID)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if rec.Status != stevedoreapi.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	if got := testutil.ToFloat64(harness.metrics.UploadsSigned.WithLabelValues("video/mp4")); got != 1 {
		t.Fatalf("expected 1 signed upload, got %v", got)
	}
	if got := testutil.ToFloat64(harness.metrics.ActiveUploads.WithLabelValues()); got != 1 {
		t.Fatalf("expected 1 active upload, got %v", got)
	}
}

func TestSignUploadRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", "{oops", http.StatusBadRequest},
		{"unsupported content type", signBody("application/pdf", "doc.pdf", 4096), http.StatusBadRequest},
		{"extension mismatch", signBody("video/mp4", "clip.webm", 4096), http.StatusBadRequest},
		{"zero size", signBody("video/mp4", "clip.mp4", 0), http.StatusBadRequest},
		{"over size cap", signBody("video/mp4", "clip.mp4", 2<<20), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			harness := setupUploadAPI(t, "https://cdn.example.com")
			resp := harness.do(t, http.MethodPost, "/api/v1/uploads", tt.body, "")
			if resp.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestSignUploadRejectsBadPubKey(t *testing.T) {
	harness := setupUploadAPI(t, "https://cdn.example.com")
	body, _ := json.Marshal(stevedoreapi.SignUploadRequest{
		FileName:    "clip.mp4",
		ContentType: "video/mp4",
		SizeBytes:   4096,
		PubKey:      "not-hex",
	})

	resp := harness.do(t, http.MethodPost, "/api/v1/uploads", string(body), "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	var result struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := result.Fields["pubkey"]; !ok {
		t.Fatalf("expected pubkey field error, got %v", result.Fields)
	}
}

func TestStatusRequiresSessionToken(t *testing.T) {
	harness := setupUploadAPI(t, "https://cdn.example.com")
	_, token := harness.seedRecord(t, "u1", stevedoreapi.StatusPending)

	if resp := harness.do(t, http.MethodGet, "/api/v1/uploads/u1", "", ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	if resp := harness.do(t, http.MethodGet, "/api/v1/uploads/u2", "", token); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign upload, got %d", resp.Code)
	}
	if resp := harness.do(t, http.MethodGet, "/api/v1/uploads/u1", "", token); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.Code)
	}
}

func TestStatusReportsPendingWithoutProbe(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("pending upload must not be probed")
		w.WriteHeader(http.StatusOK)
	}))
	defer cdn.Close()

	harness := setupUploadAPI(t, cdn.URL)
	_, token := harness.seedRecord(t, "u1", stevedoreapi.StatusPending)

	resp := harness.do(t, http.MethodGet, "/api/v1/uploads/u1", "", token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var result stevedoreapi.UploadStatusResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Status != stevedoreapi.StatusPending || result.PlaybackURL != "" {
		t.Fatalf("unexpected response %+v", result)
	}
}

func TestStatusPromotesReadyViaProbe(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD probe, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer cdn.Close()

	harness := setupUploadAPI(t, cdn.URL)
	rec, token := harness.seedRecord(t, "u1", stevedoreapi.StatusProcessing)

	resp := harness.do(t, http.MethodGet, "/api/v1/uploads/u1", "", token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var result stevedoreapi.UploadStatusResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Status != stevedoreapi.StatusReady {
		t.Fatalf("expected ready, got %s", result.Status)
	}
	if result.PlaybackURL != cdn.URL+"/"+rec.ObjectKey {
		t.Fatalf("unexpected playback URL %s", result.PlaybackURL)
	}

	stored, err := harness.store.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != stevedoreapi.StatusReady {
		t.Fatalf("store not promoted, got %s", stored.Status)
	}
}

func TestStatusStaysProcessingUntilCDNServes(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer cdn.Close()

	harness := setupUploadAPI(t, cdn.URL)
	_, token := harness.seedRecord(t, "u1", stevedoreapi.StatusProcessing)

	resp := harness.do(t, http.MethodGet, "/api/v1/uploads/u1", "", token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var result stevedoreapi.UploadStatusResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Status != stevedoreapi.StatusProcessing {
		t.Fatalf("expected processing, got %s", result.Status)
	}
}

func TestStatusUnknownUpload(t *testing.T) {
	harness := setupUploadAPI(t, "https://cdn.example.com")
	token, err := auth.GenerateUploadToken("ghost", testPubKey, time.Hour, []byte(testSecret))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	_ = harness

	resp := harness.do(t, http.MethodGet, "/api/v1/uploads/ghost", "", token)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestCompleteVerifiesAndMarksProcessing(t *testing.T) {
	harness := setupUploadAPI(t, "https://cdn.example.com")
	rec, token := harness.seedRecord(t, "u1", stevedoreapi.StatusPending)
	harness.storage.headInfo = storage.ObjectInfo{SizeBytes: rec.SizeBytes, ETag: "abc123"}

	resp := harness.do(t, http.MethodPost, "/api/v1/uploads/u1/complete", "", token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var result stevedoreapi.UploadStatusResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Status != stevedoreapi.StatusProcessing {
		t.Fatalf("expected processing, got %s", result.Status)
	}
	if got := testutil.ToFloat64(harness.metrics.Completions.WithLabelValues("accepted")); got != 1 {
		t.Fatalf("expected 1 accepted completion, got %v", got)
	}

	// Repeat call is a no-op.
	resp = harness.do(t, http.MethodPost, "/api/v1/uploads/u1/complete", "", token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", resp.Code)
	}
	if harness.storage.headCalls != 1 {
		t.Fatalf("expected 1 head call, got %d", harness.storage.headCalls)
	}
}

func TestCompleteRejectsMissingObject(t *testing.T) {
	harness := setupUploadAPI(t, "https://cdn.example.com")
	_, token := harness.seedRecord(t, "u1", stevedoreapi.StatusPending)
	harness.storage.headErr = storage.ErrObjectMissing

	resp := harness.do(t, http.MethodPost, "/api/v1/uploads/u1/complete", "", token)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}

	// Record stays pending so the client can retry after uploading.
	rec, err := harness.store.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != stevedoreapi.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
}

func TestCompleteRejectsSizeMismatch(t *testing.T) {
	harness := setupUploadAPI(t, "https://cdn.example.com")
	rec, token := harness.seedRecord(t, "u1", stevedoreapi.StatusPending)
	harness.storage.headInfo = storage.ObjectInfo{SizeBytes: rec.SizeBytes + 1}

	resp := harness.do(t, http.MethodPost, "/api/v1/uploads/u1/complete", "", token)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}

	stored, err := harness.store.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != stevedoreapi.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if len(harness.storage.deleted) != 1 || harness.storage.deleted[0] != rec.ObjectKey {
		t.Fatalf("expected rejected object to be deleted, got %v", harness.storage.deleted)
	}

	// A failed upload cannot be completed again.
	resp = harness.do(t, http.MethodPost, "/api/v1/uploads/u1/complete", "", token)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 on failed upload, got %d", resp.Code)
	}
}

func TestCompleteRejectsETagMismatch(t *testing.T) {
	harness := setupUploadAPI(t, "https://cdn.example.com")
	rec, token := harness.seedRecord(t, "u1", stevedoreapi.StatusPending)
	harness.storage.headInfo = storage.ObjectInfo{SizeBytes: rec.SizeBytes, ETag: "real-etag"}

	body, _ := json.Marshal(stevedoreapi.CompleteUploadRequest{ETag: `"claimed-etag"`})
	resp := harness.do(t, http.MethodPost, "/api/v1/uploads/u1/complete", string(body), token)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}
