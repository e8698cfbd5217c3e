package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/finger-bridge/internal/auth"
	"github.com/example/finger-bridge/internal/device"
	"github.com/example/finger-bridge/internal/device/devicetest"
	"github.com/example/finger-bridge/internal/fingerprint"
	"github.com/example/finger-bridge/internal/protocol"
	"github.com/example/finger-bridge/internal/repository"
	"github.com/example/finger-bridge/internal/repository/sqlitestore"
	"github.com/example/finger-bridge/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	captureErr error
	verify     *usecase.MatchResult
	verifyErr  error
	identify   *usecase.MatchResult
	records    map[fingerprint.Key]*fingerprint.Record
	logs       map[string]*repository.OperationLog
	status     usecase.DeviceStatus
	connectErr error

	captured []fingerprint.Key
}

func (s *stubService) Capture(_ context.Context, key fingerprint.Key) (*usecase.CaptureResult, error) {
	s.captured = append(s.captured, key)
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	return &usecase.CaptureResult{RequestID: "req-capture", Key: key, Image: testImage()}, nil
}

func (s *stubService) Verify(_ context.Context, key fingerprint.Key) (*usecase.MatchResult, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	res := *s.verify
	res.Key = key
	return &res, nil
}

func (s *stubService) Identify(context.Context) (*usecase.MatchResult, error) {
	return s.identify, nil
}

func (s *stubService) Connect(context.Context) (usecase.DeviceStatus, error) {
	return s.status, s.connectErr
}

func (s *stubService) DeviceStatus() usecase.DeviceStatus {
	return s.status
}

func (s *stubService) GetImage(_ context.Context, key fingerprint.Key) (*fingerprint.Record, error) {
	if rec, ok := s.records[key]; ok {
		return rec, nil
	}
	return nil, fingerprint.ErrRecordNotFound
}

func (s *stubService) GetResult(_ context.Context, requestID string) (*repository.OperationLog, error) {
	if log, ok := s.logs[requestID]; ok {
		return log, nil
	}
	return nil, repository.ErrLogNotFound
}

func (s *stubService) GetMetricsSummary(context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{TotalRequests: 4, SuccessfulRequests: 3, SuccessRate: 0.75}, nil
}

func testImage() *fingerprint.Image {
	img, _ := fingerprint.NewImage(4, 3, bytes.Repeat([]byte{200}, 12))
	return img
}

func newTestRouter(svc BridgeService, opts Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	if opts.PartitionAllowed == nil {
		opts.Partitions = []string{"prisoner", "suspect"}
		opts.PartitionAllowed = func(p string) bool { return p == "prisoner" || p == "suspect" }
	}
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret, ""), opts)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeOperation(t *testing.T, resp *httptest.ResponseRecorder) operationResponse {
	t.Helper()
	var body operationResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
	}
	return body
}

func TestCaptureReturnsImageAndMessage(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, Options{})

	resp := doJSON(t, router, http.MethodPost, "/capture", buildTestToken(t, "operator", auth.ScopeOperate),
		map[string]any{"person_id": "P-1", "finger_index": 2, "status": "suspect"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	body := decodeOperation(t, resp)
	if body.Status != "success" {
		t.Fatalf("expected success, got %q", body.Status)
	}
	if body.Message != "✅ Successfully captured and saved Right Index." {
		t.Fatalf("unexpected message %q", body.Message)
	}
	if body.RequestID != "req-capture" {
		t.Fatalf("unexpected request id %q", body.RequestID)
	}
	raw, err := base64.StdEncoding.DecodeString(body.BMPBase64)
	if err != nil {
		t.Fatalf("bmp_base64 is not base64: %v", err)
	}
	img, err := fingerprint.DecodeBMP(raw)
	if err != nil {
		t.Fatalf("bmp_base64 is not a BMP: %v", err)
	}
	if img.Width != 4 || img.Height != 3 {
		t.Fatalf("unexpected image size %dx%d", img.Width, img.Height)
	}

	want := fingerprint.Key{SubjectID: "P-1", FingerIndex: 2, Partition: "suspect"}
	if len(svc.captured) != 1 || svc.captured[0] != want {
		t.Fatalf("expected capture of %v, got %v", want, svc.captured)
	}
}

type zeroMatcher struct{}

func (zeroMatcher) Score(context.Context, *fingerprint.Image, *fingerprint.Image) (float64, error) {
	return 0, nil
}

func TestCaptureSurvivesClientHangUp(t *testing.T) {
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	hw := &devicetest.Hardware{Events: []device.FrameEvent{devicetest.Frame(8, 8, 77)}, Delay: 300 * time.Millisecond}
	session := device.NewSession(hw, zap.NewNop())
	defer session.Close()

	opts := usecase.DefaultOptions()
	opts.Acquisition.Duration = 2 * time.Second
	opts.OperationGrace = 500 * time.Millisecond
	uc := usecase.NewBridgeUseCase(session, device.NewSerializer(5*time.Second, zap.NewNop()),
		store, store, nil, zeroMatcher{}, nil, zap.NewNop(), opts)
	router := newTestRouter(uc, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/capture", strings.NewReader(`{"person_id":"P-7","finger_index":4}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "operator", auth.ScopeOperate))
	time.AfterFunc(50*time.Millisecond, cancel)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected capture to complete, got %d: %s", resp.Code, resp.Body.String())
	}
	if ctx.Err() == nil {
		t.Fatal("request context was expected to be cancelled before the frame arrived")
	}
	if _, err := store.Get(context.Background(), fingerprint.NewKey("P-7", 4, "")); err != nil {
		t.Fatalf("expected stored capture after hang-up, got %v", err)
	}
	if got := strings.Join(hw.Names(), ","); got != "probe,open,start,stop" {
		t.Fatalf("unexpected hardware calls %s", got)
	}
}

func TestCaptureLogsImageEncodeFailure(t *testing.T) {
	original := encodeBMP
	encodeBMP = func(*fingerprint.Image) ([]byte, error) { return nil, errors.New("encode bmp: broken raster") }
	defer func() { encodeBMP = original }()

	core, logs := observer.New(zap.ErrorLevel)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, &stubService{}, auth.JWTMiddleware(testJWTSecret, ""), Options{Logger: zap.New(core)})

	resp := doJSON(t, router, http.MethodPost, "/capture", buildTestToken(t, "operator", auth.ScopeOperate),
		map[string]any{"person_id": "P-1", "finger_index": 1})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if body := decodeOperation(t, resp); body.BMPBase64 != "" {
		t.Fatalf("expected no image payload, got %q", body.BMPBase64)
	}
	entries := logs.FilterMessage("failed to encode image for response").All()
	if len(entries) != 1 {
		t.Fatalf("expected one encode failure log, got %d", len(entries))
	}
	if entries[0].ContextMap()["request_id"] != "req-capture" {
		t.Fatalf("unexpected log fields %v", entries[0].ContextMap())
	}
}

func TestCaptureFingerIndexDefaultsAndAcceptsStrings(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, Options{})
	token := buildTestToken(t, "operator", auth.ScopeOperate)

	doJSON(t, router, http.MethodPost, "/capture", token, `{"person_id":"P-1"}`)
	doJSON(t, router, http.MethodPost, "/capture", token, `{"person_id":"P-1","finger_index":"7"}`)

	if len(svc.captured) != 2 {
		t.Fatalf("expected two captures, got %d", len(svc.captured))
	}
	if svc.captured[0].FingerIndex != 1 || svc.captured[0].Partition != fingerprint.DefaultPartition {
		t.Fatalf("unexpected defaulted key %v", svc.captured[0])
	}
	if svc.captured[1].FingerIndex != 7 {
		t.Fatalf("expected finger 7, got %d", svc.captured[1].FingerIndex)
	}
}

func TestCaptureRejectsInvalidRequests(t *testing.T) {
	cases := map[string]struct {
		body   string
		status int
	}{
		"unknown partition": {body: `{"person_id":"P-1","finger_index":1,"status":"visitor"}`, status: http.StatusBadRequest},
		"missing person":    {body: `{"finger_index":1}`, status: http.StatusBadRequest},
		"finger too high":   {body: `{"person_id":"P-1","finger_index":11}`, status: http.StatusBadRequest},
		"finger not number": {body: `{"person_id":"P-1","finger_index":"thumb"}`, status: http.StatusBadRequest},
		"malformed json":    {body: `{"person_id":`, status: http.StatusBadRequest},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubService{}
			router := newTestRouter(svc, Options{})

			resp := doJSON(t, router, http.MethodPost, "/capture", buildTestToken(t, "operator", auth.ScopeOperate), tc.body)
			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, resp.Code, resp.Body.String())
			}
			if body := decodeOperation(t, resp); body.Status != "error" {
				t.Fatalf("expected error status, got %q", body.Status)
			}
			if len(svc.captured) != 0 {
				t.Fatalf("invalid request must not reach the device")
			}
		})
	}
}

func TestCaptureRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&stubService{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/capture", strings.NewReader("person_id=P-1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "operator", auth.ScopeOperate))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestCaptureRejectsOversizedBody(t *testing.T) {
	router := newTestRouter(&stubService{}, Options{})

	body := fmt.Sprintf(`{"person_id":"%s"}`, strings.Repeat("a", MaxRequestBody))
	resp := doJSON(t, router, http.MethodPost, "/capture", buildTestToken(t, "operator", auth.ScopeOperate), body)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestOperationErrorsMapToStatusCodes(t *testing.T) {
	cases := map[string]struct {
		err        error
		status     int
		wantStatus string
		retryAfter bool
	}{
		"busy":        {err: fmt.Errorf("%w: scanner still in use", fingerprint.ErrDeviceBusy), status: http.StatusServiceUnavailable, wantStatus: "error", retryAfter: true},
		"timeout":     {err: fmt.Errorf("%w: no fingerprint within 7s", fingerprint.ErrCaptureTimeout), status: http.StatusGatewayTimeout, wantStatus: "error"},
		"unplugged":   {err: fingerprint.ErrDeviceNotConnected, status: http.StatusServiceUnavailable, wantStatus: "error"},
		"start":       {err: &fingerprint.HardwareError{Op: "start acquisition", Code: -110, Err: fingerprint.ErrAcquisitionStartFailed}, status: http.StatusServiceUnavailable, wantStatus: "error"},
		"store":       {err: fingerprint.StoreError("upsert", fmt.Errorf("disk full")), status: http.StatusInternalServerError, wantStatus: "error"},
		"no template": {err: fingerprint.ErrRecordNotFound, status: http.StatusNotFound, wantStatus: "no_match"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			router := newTestRouter(&stubService{verifyErr: tc.err}, Options{})

			resp := doJSON(t, router, http.MethodPost, "/verify", buildTestToken(t, "operator", auth.ScopeOperate),
				map[string]any{"person_id": "P-1", "finger_index": 1})
			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, resp.Code)
			}
			body := decodeOperation(t, resp)
			if body.Status != tc.wantStatus {
				t.Fatalf("expected status %q, got %q", tc.wantStatus, body.Status)
			}
			if body.Message != protocol.ErrorResponse(tc.err).Status {
				t.Fatalf("unexpected message %q", body.Message)
			}
			if got := resp.Header().Get("Retry-After") != ""; got != tc.retryAfter {
				t.Fatalf("Retry-After present = %v, want %v", got, tc.retryAfter)
			}
		})
	}
}

func TestVerifyReportsScoreAndDecision(t *testing.T) {
	svc := &stubService{verify: &usecase.MatchResult{
		RequestID: "req-verify",
		Outcome:   fingerprint.Outcome{Score: 40, Decision: fingerprint.Match},
		Image:     testImage(),
	}}
	router := newTestRouter(svc, Options{})

	resp := doJSON(t, router, http.MethodPost, "/verify", buildTestToken(t, "operator", auth.ScopeOperate),
		map[string]any{"person_id": "P-1", "finger_index": 3, "status": "prisoner"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	body := decodeOperation(t, resp)
	if body.Status != "match" || body.Message != "✅ Match! Score: 40.00" {
		t.Fatalf("unexpected verify body %+v", body)
	}
	if body.Score == nil || *body.Score != 40 {
		t.Fatalf("expected score 40, got %v", body.Score)
	}
	if body.FingerIndex != 3 || body.PersonID != "P-1" {
		t.Fatalf("unexpected key echo %+v", body)
	}
}

func TestMatchReportsCandidates(t *testing.T) {
	best := fingerprint.Key{SubjectID: "P-9", FingerIndex: 6, Partition: "suspect"}
	svc := &stubService{identify: &usecase.MatchResult{
		RequestID: "req-match",
		Outcome: fingerprint.Outcome{
			Score:      72.5,
			MatchedKey: &best,
			Decision:   fingerprint.Match,
			Candidates: []fingerprint.Candidate{
				{Key: best, Score: 72.5},
				{Key: fingerprint.Key{SubjectID: "P-2", FingerIndex: 1, Partition: "prisoner"}, Score: 12},
			},
		},
		Image: testImage(),
	}}
	router := newTestRouter(svc, Options{})

	resp := doJSON(t, router, http.MethodPost, "/match", buildTestToken(t, "operator", auth.ScopeOperate), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	body := decodeOperation(t, resp)
	if body.Message != "✅ Match: P-9, Finger: Left Thumb, Score: 72.50" {
		t.Fatalf("unexpected message %q", body.Message)
	}
	if len(body.Candidates) != 2 || body.Candidates[0].Finger != "Left Thumb" || body.Candidates[1].Status != "prisoner" {
		t.Fatalf("unexpected candidates %+v", body.Candidates)
	}
}

func TestOperateRoutesRequireScope(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, Options{})

	resp := doJSON(t, router, http.MethodPost, "/capture", "", map[string]any{"person_id": "P-1"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}

	resp = doJSON(t, router, http.MethodPost, "/capture", buildTestToken(t, "viewer", auth.ScopeRead), map[string]any{"person_id": "P-1"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only token, got %d", resp.Code)
	}
	if len(svc.captured) != 0 {
		t.Fatalf("unauthorised request reached the device")
	}
}

func TestGetImage(t *testing.T) {
	key := fingerprint.Key{SubjectID: "P-1", FingerIndex: 2, Partition: "prisoner"}
	svc := &stubService{records: map[fingerprint.Key]*fingerprint.Record{
		key: {Key: key, ImageBMP: []byte("BMdata")},
	}}
	router := newTestRouter(svc, Options{})
	token := buildTestToken(t, "viewer", auth.ScopeRead)

	resp := doJSON(t, router, http.MethodGet, "/get-image?person_id=P-1&finger_index=2", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var found map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &found); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if found["image_base64"] != base64.StdEncoding.EncodeToString([]byte("BMdata")) {
		t.Fatalf("unexpected image payload %q", found["image_base64"])
	}

	resp = doJSON(t, router, http.MethodGet, "/get-image?person_id=P-1&finger_index=2&status=suspect", token, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}

	resp = doJSON(t, router, http.MethodGet, "/get-image?person_id=P-1", token, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestResultAndMetricsSummary(t *testing.T) {
	svc := &stubService{logs: map[string]*repository.OperationLog{
		"req-1": {RequestID: "req-1", Operation: "verify", SubjectID: "P-1", Decision: "match", Score: 55, Success: true},
	}}
	router := newTestRouter(svc, Options{})
	token := buildTestToken(t, "viewer", auth.ScopeRead)

	resp := doJSON(t, router, http.MethodGet, "/result/req-1", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["decision"] != "match" || result["score"] != 55.0 {
		t.Fatalf("unexpected result %v", result)
	}

	resp = doJSON(t, router, http.MethodGet, "/result/missing", token, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}

	resp = doJSON(t, router, http.MethodGet, "/metrics/summary", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var summary usecase.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.TotalRequests != 4 || summary.SuccessRate != 0.75 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	svc := &stubService{status: usecase.DeviceStatus{Connected: true, State: "idle"}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fingerbridge_up 1\n"))
	})
	router := newTestRouter(svc, Options{Metrics: metrics})

	resp := doJSON(t, router, http.MethodGet, "/health", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"connected":true`) {
		t.Fatalf("health body missing device status: %s", resp.Body.String())
	}

	resp = doJSON(t, router, http.MethodGet, "/metrics", "", nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "fingerbridge_up 1") {
		t.Fatalf("unexpected metrics response %d %q", resp.Code, resp.Body.String())
	}
}

func TestDeviceConnect(t *testing.T) {
	svc := &stubService{status: usecase.DeviceStatus{State: "idle"}, connectErr: fingerprint.ErrDeviceNotConnected}
	router := newTestRouter(svc, Options{})
	token := buildTestToken(t, "operator", auth.ScopeOperate)

	resp := doJSON(t, router, http.MethodPost, "/device/connect", token, nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}

	svc.connectErr = nil
	svc.status.Connected = true
	resp = doJSON(t, router, http.MethodPost, "/device/connect", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func buildTestToken(t *testing.T, subject string, scopes ...string) string {
	t.Helper()

	claims := auth.Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
