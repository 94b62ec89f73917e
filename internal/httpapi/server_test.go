package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/federation"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/imaging"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/intent"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/metrics"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/phi"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/ratelimit"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/session"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/tokens"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/tools"
)

type stubToolPool struct {
	status    map[string]tools.StatusInfo
	connected []string
	caps      []string
}

func (p *stubToolPool) Status() map[string]tools.StatusInfo { return p.status }
func (p *stubToolPool) Connected() []string                 { return p.connected }
func (p *stubToolPool) Capabilities() []string              { return p.caps }

type stubSynthesizer struct {
	last federation.Request
	resp *federation.SynthesizedResponse
	err  error
}

func (s *stubSynthesizer) Synthesize(_ context.Context, req federation.Request) (*federation.SynthesizedResponse, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	if s.resp != nil {
		return s.resp, nil
	}
	return &federation.SynthesizedResponse{
		Summary:   "stub synthesis",
		ToolsUsed: []string{"knowledge-base"},
		Intent:    req.Intent,
	}, nil
}

type testEnv struct {
	server  *Server
	orch    *stubSynthesizer
	pool    *stubToolPool
	metrics *metrics.Set
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.JWTSecret = "test-secret"
	cfg.EncryptionKey = "0123456789abcdef0123456789abcdef"
	cfg.Image.ScratchDir = t.TempDir()
	cfg.Image.MaxSizeMB = 4
	if mutate != nil {
		mutate(cfg)
	}

	issuer, err := tokens.NewIssuer(cfg.JWTSecret)
	require.NoError(t, err)

	logger := zap.NewNop()
	sessions := session.NewStore(issuer, nil, nil, logger, cfg.SessionTTL, cfg.SessionSweepInterval)
	limiter := ratelimit.NewLimiter(cfg.RateLimit, nil, nil)

	preproc, err := imaging.NewPreprocessor(cfg.Image, logger)
	require.NoError(t, err)
	t.Cleanup(preproc.Close)

	pool := &stubToolPool{
		status: map[string]tools.StatusInfo{
			"knowledge-base": {State: tools.StateConnected, Capabilities: []string{"guidelines"}},
			"imaging":        {State: tools.StateConnected, Capabilities: []string{"analyze"}},
		},
		connected: []string{"imaging", "knowledge-base"},
		caps:      []string{"analyze", "guidelines"},
	}
	orch := &stubSynthesizer{}
	m := metrics.New()

	srv := NewServer(Deps{
		Config:       cfg,
		Logger:       logger,
		Sessions:     sessions,
		Limiter:      limiter,
		Sink:         nil,
		Pool:         pool,
		Orchestrator: orch,
		Preprocessor: preproc,
		Classifier:   intent.NewClassifier(nil),
		Scrubber:     phi.NewScrubber(),
		Metrics:      m,
		Version:      "test",
	})
	return &testEnv{server: srv, orch: orch, pool: pool, metrics: m}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	req.RemoteAddr = "203.0.113.9:51234"
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createToken(t *testing.T) string {
	t.Helper()
	rec := e.do(t, httptest.NewRequest(http.MethodPost, "/api/session", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestIdentityAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "medintel-gateway")

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status string `json:"status"`
		Tools  struct {
			Connected int `json:"connected"`
			Total     int `json:"total"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Tools.Connected)
	assert.Equal(t, 2, health.Tools.Total)
}

func TestSessionRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	req := httptest.NewRequest(http.MethodGet, "/api/medical/tools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "knowledge-base")
}

func TestMissingTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/medical/tools", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeErrorBody(t, rec)
	assert.Equal(t, "NO_SESSION_TOKEN", body.Code)
	assert.NotEmpty(t, body.Error)
	assert.False(t, body.Timestamp.IsZero())
}

func TestGarbageTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/medical/tools", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := env.do(t, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_SESSION", decodeErrorBody(t, rec).Code)
}

func TestRateLimitExceeded(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.MedicalMax = 2
	})
	token := env.createToken(t)

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/medical/health", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return env.do(t, req)
	}

	require.Equal(t, http.StatusOK, get().Code)
	require.Equal(t, http.StatusOK, get().Code)

	rec := get()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeErrorBody(t, rec).Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestMedicalChatJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	payload := map[string]any{
		"message":        "patient reports chest pain, callback 555-123-4567",
		"patientContext": map[string]any{"age": 61},
		"conversationHistory": []map[string]string{
			{"role": "user", "content": "initial symptoms"},
		},
	}
	buf, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/medical-chat", bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Contains(t, env.orch.last.Query, "chest pain")
	assert.NotContains(t, env.orch.last.Query, "555-123-4567")
	assert.Contains(t, env.orch.last.Query, "[REDACTED]")
	assert.Len(t, env.orch.last.History, 1)
	assert.True(t, env.orch.last.Intent.HasIntent(intent.TagCardiologyAnalysis))
	assert.NotEmpty(t, env.orch.last.SessionID)

	var resp federation.SynthesizedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "stub synthesis", resp.Summary)
}

func TestMedicalChatRequiresMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	req := httptest.NewRequest(http.MethodPost, "/api/medical-chat", strings.NewReader(`{"message":"  "}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(t, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_FIELD", decodeErrorBody(t, rec).Code)
}

func TestMedicalChatHistoryIsBounded(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	history := make([]map[string]string, 0, 9)
	for i := 0; i < 9; i++ {
		history = append(history, map[string]string{"role": "user", "content": "turn"})
	}
	buf, err := json.Marshal(map[string]any{
		"message":             "follow-up question",
		"conversationHistory": history,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/medical-chat", bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, env.orch.last.History, maxHistoryMessages)
}

func chatMultipart(t *testing.T, fields map[string]string, imageField string, imageData []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if imageField != "" {
		fw, err := mw.CreateFormFile(imageField, "chest_xray.png")
		require.NoError(t, err)
		_, err = fw.Write(imageData)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 120, 120))
	for x := 0; x < 120; x++ {
		for y := 0; y < 120; y++ {
			img.Set(x, y, color.Gray{Y: uint8(x ^ y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestMedicalChatMultipartWithImage(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	body, contentType := chatMultipart(t, map[string]string{
		"message": "please review this chest x-ray",
	}, "medicalImage", testPNG(t))

	req := httptest.NewRequest(http.MethodPost, "/api/medical-chat", body)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NotNil(t, env.orch.last.Image)
	assert.Equal(t, "jpeg", env.orch.last.Image.Format)
	assert.True(t, env.orch.last.Intent.Flags.HasImageUpload)
}

func TestImageAnalysisRequiresFile(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	body, contentType := chatMultipart(t, map[string]string{
		"clinicalContext": "rule out fracture",
	}, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/medical/image-analysis", body)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	rec := env.do(t, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_FIELD", decodeErrorBody(t, rec).Code)
}

func TestImageAnalysisRejectsUnsupportedFormat(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("medicalImage", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not an image"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/medical/image-analysis", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := env.do(t, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "UNSUPPORTED_MEDIA_TYPE", decodeErrorBody(t, rec).Code)
}

func TestClinicalTrialsValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	post := func(payload string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/medical/clinical-trials", strings.NewReader(payload))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return env.do(t, req)
	}

	rec := post(`{"patientCriteria":{"age":40}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_FIELD", decodeErrorBody(t, rec).Code)

	rec = post(`{"condition":"metastatic melanoma","patientCriteria":{"age":40}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, env.orch.last.Query, "metastatic melanoma")
	assert.True(t, env.orch.last.Intent.HasIntent(intent.TagClinicalTrials))
}

func TestDrugInteractionsValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	post := func(payload string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/medical/drug-interactions", strings.NewReader(payload))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return env.do(t, req)
	}

	rec := post(`{"medications":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_FIELD", decodeErrorBody(t, rec).Code)

	rec = post(`{"medications":["warfarin","aspirin"],"newDrug":"ibuprofen"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, env.orch.last.Query, "warfarin")
	assert.Contains(t, env.orch.last.Query, "ibuprofen")
	assert.True(t, env.orch.last.Intent.HasIntent(intent.TagDrugInteraction))
}

func TestDifferentialDiagnosisValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	req := httptest.NewRequest(http.MethodPost, "/api/medical/differential-diagnosis", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(t, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_FIELD", decodeErrorBody(t, rec).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/medical/differential-diagnosis",
		strings.NewReader(`{"clinicalData":"fever, rash, joint pain for two weeks"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec = env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, env.orch.last.Query, "joint pain")
}

func TestChatRedirect(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	require.Equal(t, http.StatusPermanentRedirect, rec.Code)
	assert.Equal(t, "/api/medical-chat", rec.Header().Get("Location"))
}

func TestComplianceReportTimeframes(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	get := func(q string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/medical/compliance-report"+q, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return env.do(t, req)
	}

	rec := get("")
	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		Timeframe string    `json:"timeframe"`
		Since     time.Time `json:"since"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "24h", report.Timeframe)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), report.Since, time.Minute)

	rec = get("?timeframe=7d")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get("?timeframe=2d")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_FIELD", decodeErrorBody(t, rec).Code)
}

func TestHTTPMetricsUseRoutePattern(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	env.do(t, httptest.NewRequest(http.MethodGet, "/no/such/route/abc123", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("/api/health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("unmatched", "404")))
	assert.Zero(t, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("/no/such/route/abc123", "404")),
		"raw paths never become label values")
}

func TestUsageIsRecordedOnSession(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.createToken(t)

	req := httptest.NewRequest(http.MethodPost, "/api/medical-chat", strings.NewReader(`{"message":"treatment guidelines for hypertension"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snap, err := env.server.sessions.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Medical.Interactions)
	assert.Contains(t, snap.Medical.ToolsUsed, "knowledge-base")
	assert.Contains(t, snap.Medical.ResourcesAccessed, "medical-chat")
}
