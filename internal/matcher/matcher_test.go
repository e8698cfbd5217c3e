package matcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image/png"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/fingerprint"
)

func startService(t *testing.T, handler fiber.Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/match", handler)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return "http://" + ln.Addr().String() + "/match"
}

func testImage(fill byte) *fingerprint.Image {
	pixels := bytes.Repeat([]byte{fill}, 12)
	return &fingerprint.Image{Width: 4, Height: 3, Pixels: pixels}
}

func TestScoreSendsBothImages(t *testing.T) {
	var got MatchRequest
	url := startService(t, func(c *fiber.Ctx) error {
		if err := c.BodyParser(&got); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(MatchResponse{Error: err.Error()})
		}
		return c.JSON(MatchResponse{Score: 57.5, Elapsed: "3ms", Error: "Match found with score: 57.50"})
	})

	client := New(url, 2*time.Second, zap.NewNop())
	score, err := client.Score(context.Background(), testImage(10), testImage(200))
	require.NoError(t, err)
	assert.Equal(t, 57.5, score)

	raw, err := base64.StdEncoding.DecodeString(got.ProbeImage)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	probe := fingerprint.FromImage(decoded)
	assert.Equal(t, 4, probe.Width)
	assert.Equal(t, 3, probe.Height)
	assert.Equal(t, byte(10), probe.Pixels[0])
	assert.NotEmpty(t, got.CandidateImage)
}

func TestScoreReportsServiceError(t *testing.T) {
	url := startService(t, func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusInternalServerError).JSON(MatchResponse{Error: "Failed to compare fingerprints"})
	})

	client := New(url, 2*time.Second, zap.NewNop())
	_, err := client.Score(context.Background(), testImage(1), testImage(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMatchService))
	assert.Contains(t, err.Error(), "Failed to compare fingerprints")
}

func TestScoreUnreachableService(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := New("http://"+addr+"/match", time.Second, zap.NewNop())
	_, err = client.Score(context.Background(), testImage(1), testImage(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMatchService))
}

func TestScoreHonoursCancelledContext(t *testing.T) {
	client := New("http://127.0.0.1:1/match", time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Score(ctx, testImage(1), testImage(2))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScoreRejectsMissingImage(t *testing.T) {
	client := New("http://127.0.0.1:1/match", time.Second, zap.NewNop())
	_, err := client.Score(context.Background(), nil, testImage(2))
	assert.ErrorIs(t, err, ErrMatchService)
}
