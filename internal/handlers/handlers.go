// Package handlers exposes the bridge operations over a JSON HTTP gateway.
// Every hardware operation goes through the same use case, and therefore the
// same exclusive device path, as the line protocol.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/auth"
	"github.com/example/finger-bridge/internal/fingerprint"
	"github.com/example/finger-bridge/internal/protocol"
	"github.com/example/finger-bridge/internal/repository"
	"github.com/example/finger-bridge/internal/usecase"
)

// MaxRequestBody caps JSON request bodies.
const MaxRequestBody = 64 << 10

var encodeBMP = (*fingerprint.Image).EncodeBMP

// BridgeService is the use case surface the gateway needs.
type BridgeService interface {
	Capture(ctx context.Context, key fingerprint.Key) (*usecase.CaptureResult, error)
	Verify(ctx context.Context, key fingerprint.Key) (*usecase.MatchResult, error)
	Identify(ctx context.Context) (*usecase.MatchResult, error)
	Connect(ctx context.Context) (usecase.DeviceStatus, error)
	DeviceStatus() usecase.DeviceStatus
	GetImage(ctx context.Context, key fingerprint.Key) (*fingerprint.Record, error)
	GetResult(ctx context.Context, requestID string) (*repository.OperationLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options configures optional routes and request validation.
type Options struct {
	// PartitionAllowed restricts the status field. Nil allows any partition.
	PartitionAllowed func(string) bool
	// Partitions is listed in validation errors.
	Partitions []string
	// Metrics, when set, is served at /metrics without authentication.
	Metrics http.Handler
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// fingerIndex accepts both 3 and "3".
type fingerIndex int

func (f *fingerIndex) UnmarshalJSON(data []byte) error {
	n, err := strconv.Atoi(strings.Trim(string(data), `"`))
	if err != nil {
		return fmt.Errorf("finger_index must be an integer")
	}
	*f = fingerIndex(n)
	return nil
}

type fingerRequest struct {
	PersonID    string       `json:"person_id"`
	FingerIndex *fingerIndex `json:"finger_index"`
	Status      string       `json:"status"`
}

type candidateResponse struct {
	PersonID    string  `json:"person_id"`
	FingerIndex int     `json:"finger_index"`
	Finger      string  `json:"finger"`
	Status      string  `json:"status"`
	Score       float64 `json:"score"`
}

type operationResponse struct {
	Status      string              `json:"status"`
	Message     string              `json:"message"`
	BMPBase64   string              `json:"bmp_base64,omitempty"`
	RequestID   string              `json:"request_id,omitempty"`
	Score       *float64            `json:"score,omitempty"`
	PersonID    string              `json:"person_id,omitempty"`
	FingerIndex int                 `json:"finger_index,omitempty"`
	Candidates  []candidateResponse `json:"candidates,omitempty"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc BridgeService, authMiddleware gin.HandlerFunc, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, opts: opts, logger: logger.Named("http_gateway")}

	router.GET("/health", h.health)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	api := router.Group("/")
	api.Use(authMiddleware, limitBody(MaxRequestBody))

	operate := api.Group("/", auth.RequireScope(auth.ScopeOperate))
	operate.POST("/capture", h.capture)
	operate.POST("/verify", h.verify)
	operate.POST("/match", h.match)
	operate.POST("/device/connect", h.connect)

	read := api.Group("/", auth.RequireScope(auth.ScopeRead))
	read.GET("/get-image", h.getImage)
	read.GET("/result/:id", h.result)
	read.GET("/metrics/summary", h.metricsSummary)
}

type handler struct {
	svc    BridgeService
	opts   Options
	logger *zap.Logger
}

// operationContext keeps request values but drops cancellation: a client
// that hangs up must not abort a hardware operation mid-frame. Capture is
// still bounded by the use case deadline and the device lock wait.
func operationContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "device": h.svc.DeviceStatus()})
}

func (h *handler) capture(c *gin.Context) {
	key, ok := h.bindKey(c)
	if !ok {
		return
	}
	res, err := h.svc.Capture(operationContext(c), key)
	if err != nil {
		writeOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, operationResponse{
		Status:      "success",
		Message:     protocol.CaptureLine(key),
		BMPBase64:   h.encodeImage(res.RequestID, res.Image),
		RequestID:   res.RequestID,
		PersonID:    key.SubjectID,
		FingerIndex: key.FingerIndex,
	})
}

func (h *handler) verify(c *gin.Context) {
	key, ok := h.bindKey(c)
	if !ok {
		return
	}
	res, err := h.svc.Verify(operationContext(c), key)
	if err != nil {
		writeOperationError(c, err)
		return
	}
	score := res.Outcome.Score
	c.JSON(http.StatusOK, operationResponse{
		Status:      res.Outcome.Decision.String(),
		Message:     protocol.VerifyLine(res.Outcome),
		BMPBase64:   h.encodeImage(res.RequestID, res.Image),
		RequestID:   res.RequestID,
		Score:       &score,
		PersonID:    key.SubjectID,
		FingerIndex: key.FingerIndex,
	})
}

func (h *handler) match(c *gin.Context) {
	res, err := h.svc.Identify(operationContext(c))
	if err != nil {
		writeOperationError(c, err)
		return
	}
	score := res.Outcome.Score
	body := operationResponse{
		Status:    res.Outcome.Decision.String(),
		Message:   protocol.IdentifyLine(res.Outcome),
		BMPBase64: h.encodeImage(res.RequestID, res.Image),
		RequestID: res.RequestID,
		Score:     &score,
	}
	if key := res.Outcome.MatchedKey; key != nil {
		body.PersonID = key.SubjectID
		body.FingerIndex = key.FingerIndex
	}
	for _, cand := range res.Outcome.Candidates {
		body.Candidates = append(body.Candidates, candidateResponse{
			PersonID:    cand.Key.SubjectID,
			FingerIndex: cand.Key.FingerIndex,
			Finger:      fingerprint.FingerName(cand.Key.FingerIndex),
			Status:      cand.Key.Partition,
			Score:       cand.Score,
		})
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) connect(c *gin.Context) {
	status, err := h.svc.Connect(operationContext(c))
	if err != nil {
		c.JSON(statusCode(err), gin.H{"status": "error", "message": protocol.ErrorResponse(err).Status, "device": status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Device connected", "device": status})
}

func (h *handler) getImage(c *gin.Context) {
	personID := strings.TrimSpace(c.Query("person_id"))
	rawIndex := strings.TrimSpace(c.Query("finger_index"))
	if personID == "" || rawIndex == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing person_id or finger_index"})
		return
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "finger_index must be an integer"})
		return
	}
	key := fingerprint.NewKey(personID, index, c.DefaultQuery("status", fingerprint.DefaultPartition))
	if !h.partitionAllowed(key.Partition) {
		c.JSON(http.StatusBadRequest, gin.H{"error": h.partitionMessage()})
		return
	}

	record, err := h.svc.GetImage(c.Request.Context(), key)
	switch {
	case errors.Is(err, fingerprint.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "No image found"})
		return
	case errors.Is(err, fingerprint.ErrProtocol):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database connection failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"image_base64": base64.StdEncoding.EncodeToString(record.ImageBMP)})
}

func (h *handler) result(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	log, err := h.svc.GetResult(c.Request.Context(), requestID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":   log.RequestID,
		"operation":    log.Operation,
		"person_id":    log.SubjectID,
		"finger_index": log.FingerIndex,
		"status":       log.Partition,
		"decision":     log.Decision,
		"score":        log.Score,
		"success":      log.Success,
		"details":      log.Details,
		"duration_ms":  log.DurationMs,
		"created_at":   log.CreatedAt,
	})
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// bindKey decodes and validates a finger request, writing the error response itself.
func (h *handler) bindKey(c *gin.Context) (fingerprint.Key, bool) {
	if ct := c.ContentType(); ct != gin.MIMEJSON {
		c.JSON(http.StatusUnsupportedMediaType, operationResponse{Status: "error", Message: "Content-Type must be application/json"})
		return fingerprint.Key{}, false
	}

	var req fingerRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, operationResponse{Status: "error", Message: "Request body too large"})
			return fingerprint.Key{}, false
		}
		c.JSON(http.StatusBadRequest, operationResponse{Status: "error", Message: "Invalid JSON: " + err.Error()})
		return fingerprint.Key{}, false
	}

	if strings.TrimSpace(req.PersonID) == "" {
		c.JSON(http.StatusBadRequest, operationResponse{Status: "error", Message: "Missing person_id"})
		return fingerprint.Key{}, false
	}
	index := fingerprint.MinFingerIndex
	if req.FingerIndex != nil {
		index = int(*req.FingerIndex)
	}
	key := fingerprint.NewKey(req.PersonID, index, req.Status)
	if !h.partitionAllowed(key.Partition) {
		c.JSON(http.StatusBadRequest, operationResponse{Status: "error", Message: h.partitionMessage()})
		return fingerprint.Key{}, false
	}
	if err := key.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, operationResponse{Status: "error", Message: err.Error()})
		return fingerprint.Key{}, false
	}
	return key, true
}

func (h *handler) partitionAllowed(p string) bool {
	return h.opts.PartitionAllowed == nil || h.opts.PartitionAllowed(p)
}

func (h *handler) partitionMessage() string {
	return "Status must be one of: " + strings.Join(h.opts.Partitions, ", ")
}

func writeOperationError(c *gin.Context, err error) {
	resp := protocol.ErrorResponse(err)
	status := "error"
	if errors.Is(err, fingerprint.ErrRecordNotFound) {
		status = "no_match"
	}
	if errors.Is(err, fingerprint.ErrDeviceBusy) {
		c.Header("Retry-After", "5")
	}
	c.JSON(statusCode(err), operationResponse{Status: status, Message: resp.Status})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, fingerprint.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, fingerprint.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, fingerprint.ErrDeviceBusy),
		errors.Is(err, fingerprint.ErrDeviceNotConnected),
		errors.Is(err, fingerprint.ErrAcquisitionStartFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, fingerprint.ErrCaptureTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// encodeImage renders the response image. An encode failure is logged and
// the image omitted; the operation itself already succeeded.
func (h *handler) encodeImage(requestID string, img *fingerprint.Image) string {
	if img == nil {
		return ""
	}
	data, err := encodeBMP(img)
	if err != nil {
		h.logger.Error("failed to encode image for response", zap.String("request_id", requestID), zap.Error(err))
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}
