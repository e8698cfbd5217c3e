package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/example/finger-bridge/internal/fingerprint"
	"github.com/example/finger-bridge/internal/logging"
)

// ImagePrefix starts the optional second response line.
const ImagePrefix = "BMP:"

// NotFoundLine is written when a verify target has no stored image.
const NotFoundLine = "❌ No stored fingerprint found for this person/finger."

// Response is what the bridge writes back for one command.
type Response struct {
	Status string
	// Image holds the encoded BMP, or nil when no image was captured.
	Image []byte
}

// Lines renders the response as wire lines without terminators.
func (r Response) Lines() []string {
	lines := []string{r.Status}
	if len(r.Image) > 0 {
		lines = append(lines, ImagePrefix+base64.StdEncoding.EncodeToString(r.Image))
	}
	return lines
}

// String joins the lines with newlines, terminating the last one.
func (r Response) String() string {
	return strings.Join(r.Lines(), "\n") + "\n"
}

// ErrorResponse renders err as an ERROR line. A missing verify record is a
// normal not-a-match line, not an error.
func ErrorResponse(err error) Response {
	if errors.Is(err, fingerprint.ErrRecordNotFound) {
		return Response{Status: NotFoundLine}
	}
	return Response{Status: "ERROR " + errorMessage(err)}
}

func errorMessage(err error) string {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Message
	}
	msg := logging.Cause(err).Error()
	if msg == "" {
		msg = "internal error"
	}
	return msg
}

// CaptureLine narrates a stored capture.
func CaptureLine(key fingerprint.Key) string {
	return fmt.Sprintf("✅ Successfully captured and saved %s.", fingerprint.FingerName(key.FingerIndex))
}

// VerifyLine renders a verify outcome.
func VerifyLine(outcome fingerprint.Outcome) string {
	if outcome.Matched() {
		return fmt.Sprintf("✅ Match! Score: %.2f", outcome.Score)
	}
	return fmt.Sprintf("❌ No Match. Score: %.2f", outcome.Score)
}

// IdentifyLine renders an identify outcome.
func IdentifyLine(outcome fingerprint.Outcome) string {
	if outcome.Matched() && outcome.MatchedKey != nil {
		return fmt.Sprintf("✅ Match: %s, Finger: %s, Score: %.2f",
			outcome.MatchedKey.SubjectID, fingerprint.FingerName(outcome.MatchedKey.FingerIndex), outcome.Score)
	}
	return fmt.Sprintf("❌ No good match found. Best score = %.2f", outcome.Score)
}
