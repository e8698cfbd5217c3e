// Package matcher scores fingerprint images through a remote match service.
package matcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/fingerprint"
	"github.com/example/finger-bridge/internal/logging"
)

// ErrMatchService marks failures reported by or while reaching the match service.
var ErrMatchService = errors.New("match service failure")

// MatchRequest is the body accepted by the match service.
type MatchRequest struct {
	ProbeImage     string `json:"probe_image"`
	CandidateImage string `json:"candidate_image"`
}

// MatchResponse is the body returned by the match service. Error carries a
// narration even on success, so only the status code decides failure.
type MatchResponse struct {
	Score   float64 `json:"score"`
	Elapsed string  `json:"elapsed"`
	Error   string  `json:"error"`
}

// Client implements matching.Matcher against a remote HTTP endpoint.
type Client struct {
	url     string
	timeout time.Duration
	logger  *zap.Logger
}

// New returns a client posting to url with a per-call timeout.
func New(url string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{url: strings.TrimSpace(url), timeout: timeout, logger: logger.Named("matcher")}
}

// Score sends both images as base64 PNG and returns the service's similarity score.
func (c *Client) Score(ctx context.Context, a, b *fingerprint.Image) (float64, error) {
	if a == nil || b == nil {
		return 0, fmt.Errorf("%w: missing image", ErrMatchService)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	probe, err := encodePNG(a)
	if err != nil {
		return 0, err
	}
	candidate, err := encodePNG(b)
	if err != nil {
		return 0, err
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}

	var resp MatchResponse
	agent := fiber.Post(c.url).
		JSON(MatchRequest{ProbeImage: probe, CandidateImage: candidate}).
		Timeout(timeout)
	code, body, errs := agent.Struct(&resp)
	if len(errs) > 0 {
		wrapped := logging.NewOperationError("matcher.score", "", fmt.Errorf("%w: %w", ErrMatchService, errors.Join(errs...)))
		c.logger.Error("match service call failed", zap.String("url", c.url), zap.Error(wrapped))
		return 0, wrapped
	}
	if code != fiber.StatusOK {
		msg := resp.Error
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return 0, fmt.Errorf("%w: status %d: %s", ErrMatchService, code, msg)
	}

	c.logger.Debug("match service scored pair",
		zap.Float64("score", resp.Score),
		zap.String("elapsed", resp.Elapsed),
	)
	return resp.Score, nil
}

func encodePNG(img *fingerprint.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.Gray()); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
