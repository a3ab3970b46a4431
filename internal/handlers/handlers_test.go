package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/id-verifier/internal/auth"
	"github.com/example/id-verifier/internal/deepseek"
	"github.com/example/id-verifier/internal/repository"
	"github.com/example/id-verifier/internal/usecase"
	"github.com/example/id-verifier/internal/vision"
)

const (
	testJWTSecret = "test-secret"
	testAPIKey    = "sk-handler-test-key"
	passportReply = `noise {"is_id_card": true, "confidence": 0.9, "type": "passport"} noise`
)

type stubVision struct {
	calls    atomic.Int32
	complete func(req vision.Request) (string, error)
}

func (s *stubVision) Complete(ctx context.Context, req vision.Request) (string, error) {
	s.calls.Add(1)
	return s.complete(req)
}

func replying(text string) *stubVision {
	return &stubVision{complete: func(vision.Request) (string, error) { return text, nil }}
}

type memoryRepository struct {
	logs map[string]*repository.VerificationLog
}

func (m *memoryRepository) SaveLog(ctx context.Context, log *repository.VerificationLog) error {
	m.logs[log.RequestID] = log
	return nil
}

func (m *memoryRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	if log, ok := m.logs[requestID]; ok {
		return log, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memoryRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{TotalCount: int64(len(m.logs)), SucceededCount: int64(len(m.logs))}, nil
}

func testSettings() usecase.Settings {
	settings := usecase.DefaultSettings()
	settings.MaxImageBytes = 1024
	settings.BatchMaxFiles = 5
	return settings
}

func newTestRouter(client vision.Client, repo usecase.VerificationRepository, authMiddleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := NewRouter(RouterOptions{Logger: zap.NewNop()})
	uc := usecase.NewVerificationUseCase(client, repo, nil, testSettings(), zap.NewNop())
	RegisterRoutes(router, uc, authMiddleware)
	return router
}

type filePart struct {
	field       string
	filename    string
	contentType string
	payload     []byte
}

func buildMultipartBody(t *testing.T, parts ...filePart) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, p := range parts {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		header.Set("Content-Type", p.contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create multipart part: %v", err)
		}
		if _, err := part.Write(p.payload); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func post(router *gin.Engine, path string, body *bytes.Buffer, contentType string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, resp.Body.String())
	}
	return out
}

func TestHealthMakesNoUpstreamCall(t *testing.T) {
	client := replying(passportReply)
	router := newTestRouter(client, nil, nil)

	for _, path := range []string{"/", "/health"} {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
		if body := decodeBody(t, resp); body["status"] != "healthy" || body["message"] == "" {
			t.Fatalf("%s: unexpected body %v", path, body)
		}
	}
	if client.calls.Load() != 0 {
		t.Fatalf("expected no upstream calls, got %d", client.calls.Load())
	}
}

func TestVerifyReturnsModelResult(t *testing.T) {
	router := newTestRouter(replying(passportReply), nil, nil)
	body, contentType := buildMultipartBody(t, filePart{"file", "id.png", "image/png", []byte("png-bytes")})

	resp := post(router, "/verify", body, contentType, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != `{"confidence":0.9,"is_id_card":true,"type":"passport"}` {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
}

func TestVerifyRejectsLargeUpload(t *testing.T) {
	client := replying(passportReply)
	router := newTestRouter(client, nil, nil)
	body, contentType := buildMultipartBody(t, filePart{"file", "big.png", "image/png", bytes.Repeat([]byte("a"), 1025)})

	resp := post(router, "/verify", body, contentType, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if decodeBody(t, resp)["kind"] != string(usecase.KindInvalidInput) {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	if client.calls.Load() != 0 {
		t.Fatal("expected no upstream call")
	}
}

func TestVerifyRejectsUnsupportedContentType(t *testing.T) {
	client := replying(passportReply)
	router := newTestRouter(client, nil, nil)
	body, contentType := buildMultipartBody(t, filePart{"file", "notes.txt", "text/plain", []byte("hello")})

	resp := post(router, "/verify", body, contentType, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if client.calls.Load() != 0 {
		t.Fatal("expected no upstream call")
	}
}

func TestVerifyRequiresFileField(t *testing.T) {
	router := newTestRouter(replying(passportReply), nil, nil)
	body, contentType := buildMultipartBody(t, filePart{"image", "id.png", "image/png", []byte("png")})

	resp := post(router, "/verify", body, contentType, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestVerifyMalformedReplyIs500WithRaw(t *testing.T) {
	router := newTestRouter(replying(`{"is_id_card": true, "type": "passport"}`), nil, nil)
	body, contentType := buildMultipartBody(t, filePart{"file", "id.png", "image/png", []byte("png")})

	resp := post(router, "/verify", body, contentType, nil)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	out := decodeBody(t, resp)
	if out["kind"] != string(usecase.KindUpstreamMalformed) || out["raw"] == nil {
		t.Fatalf("unexpected body %v", out)
	}
	missing, _ := out["missing_fields"].([]any)
	if len(missing) != 1 || missing[0] != "confidence" {
		t.Fatalf("unexpected missing fields %v", out["missing_fields"])
	}
}

func TestVerifyDetailedRoute(t *testing.T) {
	full := `{"is_id_card": true, "confidence": 0.8, "type": "driver_license", "side": "back", "features_found": ["barcode"], "quality_check": "blurry"}`
	client := replying(full)
	router := newTestRouter(client, nil, nil)
	body, contentType := buildMultipartBody(t, filePart{"file", "dl.jpg", "image/jpeg", []byte("jpg")})

	resp := post(router, "/verify-detailed", body, contentType, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if out := decodeBody(t, resp); out["side"] != "back" || out["quality_check"] != "blurry" {
		t.Fatalf("unexpected body %v", out)
	}
}

func newUpstream(t *testing.T, handler http.HandlerFunc) vision.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := deepseek.NewClient(deepseek.Options{
		APIKey:  testAPIKey,
		BaseURL: server.URL,
		Model:   "deepseek-vl2",
		Timeout: 100 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestVerifyUpstreamFailureHidesCredential(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status 500 echoing headers": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"failed for ` + r.Header.Get("Authorization") + `"}}`))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}

	for name, upstream := range cases {
		t.Run(name, func(t *testing.T) {
			router := newTestRouter(newUpstream(t, upstream), nil, nil)
			body, contentType := buildMultipartBody(t, filePart{"file", "id.png", "image/png", []byte("png")})

			resp := post(router, "/verify", body, contentType, nil)
			if resp.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected 503, got %d: %s", resp.Code, resp.Body.String())
			}
			if strings.Contains(resp.Body.String(), testAPIKey) {
				t.Fatalf("credential leaked: %s", resp.Body.String())
			}
			if decodeBody(t, resp)["kind"] != string(usecase.KindUpstreamUnavailable) {
				t.Fatalf("unexpected body %s", resp.Body.String())
			}
		})
	}
}

func TestVerifyBatchIsolatesFailures(t *testing.T) {
	client := &stubVision{complete: func(req vision.Request) (string, error) {
		if strings.HasSuffix(req.ImageDataURI, "dHdv") { // base64("two")
			return "", &vision.StatusError{StatusCode: 500, Message: "boom"}
		}
		return passportReply, nil
	}}
	router := newTestRouter(client, nil, nil)
	body, contentType := buildMultipartBody(t,
		filePart{"files", "one.png", "image/png", []byte("one")},
		filePart{"files", "two.png", "image/png", []byte("two")},
		filePart{"files", "three.png", "image/png", []byte("three")},
	)

	resp := post(router, "/verify-batch", body, contentType, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var out struct {
		Results []struct {
			Filename string         `json:"filename"`
			Result   map[string]any `json:"result"`
			Error    string         `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out.Results))
	}
	for i, name := range []string{"one.png", "two.png", "three.png"} {
		if out.Results[i].Filename != name {
			t.Fatalf("result %d: expected %s, got %s", i, name, out.Results[i].Filename)
		}
	}
	if out.Results[1].Error == "" || out.Results[1].Result != nil {
		t.Fatalf("expected second item to fail, got %+v", out.Results[1])
	}
	if out.Results[0].Result["type"] != "passport" || out.Results[2].Result["type"] != "passport" {
		t.Fatalf("expected first and third to succeed, got %+v", out.Results)
	}
}

func TestVerifyBatchRejectsNoFiles(t *testing.T) {
	router := newTestRouter(replying(passportReply), nil, nil)
	body, contentType := buildMultipartBody(t, filePart{"file", "one.png", "image/png", []byte("one")})

	resp := post(router, "/verify-batch", body, contentType, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestVerificationLookupAndMetrics(t *testing.T) {
	repo := &memoryRepository{logs: map[string]*repository.VerificationLog{}}
	router := newTestRouter(replying(passportReply), repo, nil)
	body, contentType := buildMultipartBody(t, filePart{"file", "id.png", "image/png", []byte("png")})

	resp := post(router, "/verify", body, contentType, nil)
	requestID := resp.Header().Get(RequestIDHeader)

	lookup := httptest.NewRecorder()
	router.ServeHTTP(lookup, httptest.NewRequest(http.MethodGet, "/verifications/"+requestID, nil))
	if lookup.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", lookup.Code)
	}
	if out := decodeBody(t, lookup); out["outcome"] != repository.OutcomeSucceeded || out["type"] != "passport" {
		t.Fatalf("unexpected lookup %v", out)
	}

	missing := httptest.NewRecorder()
	router.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/verifications/unknown", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}

	metrics := httptest.NewRecorder()
	router.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics/summary", nil))
	if metrics.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", metrics.Code)
	}
	if out := decodeBody(t, metrics); out["total_requests"] != float64(1) {
		t.Fatalf("unexpected metrics %v", out)
	}
}

func TestLookupWithoutDatabaseIs503(t *testing.T) {
	router := newTestRouter(replying(passportReply), nil, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics/summary", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestVerifyRequiresTokenWhenAuthEnabled(t *testing.T) {
	client := replying(passportReply)
	router := newTestRouter(client, nil, auth.JWTMiddleware(testJWTSecret, ""))

	body, contentType := buildMultipartBody(t, filePart{"file", "id.png", "image/png", []byte("png")})
	if resp := post(router, "/verify", body, contentType, nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	body, contentType = buildMultipartBody(t, filePart{"file", "id.png", "image/png", []byte("png")})
	token := buildTestToken(t, "client-123")
	resp := post(router, "/verify", body, contentType, map[string]string{"Authorization": "Bearer " + token})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("health should stay public, got %d", health.Code)
	}
	if client.calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", client.calls.Load())
	}
}

func TestRequestLogCarriesTokenSubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	router := NewRouter(RouterOptions{Logger: zap.New(core)})
	uc := usecase.NewVerificationUseCase(replying(passportReply), nil, nil, testSettings(), zap.NewNop())
	RegisterRoutes(router, uc, auth.JWTMiddleware(testJWTSecret, ""))

	body, contentType := buildMultipartBody(t, filePart{"file", "id.png", "image/png", []byte("png")})
	token := buildTestToken(t, "client-456")
	resp := post(router, "/verify", body, contentType, map[string]string{"Authorization": "Bearer " + token})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	entries := logs.FilterMessage("request handled").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["subject"] != "client-456" {
		t.Fatalf("expected subject on request log, got %v", fields)
	}
	if fields["request_id"] != resp.Header().Get(RequestIDHeader) {
		t.Fatalf("expected request id on request log, got %v", fields)
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(replying(passportReply), nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/verify", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
