// Package protocol implements the line-oriented bridge protocol: one command
// line in, one status line and an optional BMP line out, one command per
// connection.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/finger-bridge/internal/fingerprint"
)

// Verb identifies a bridge command.
type Verb int

const (
	VerbCapture Verb = iota + 1
	VerbVerify
	VerbMatch
)

func (v Verb) String() string {
	switch v {
	case VerbCapture:
		return "CAPTURE"
	case VerbVerify:
		return "VERIFY"
	case VerbMatch:
		return "MATCH"
	default:
		return "UNKNOWN"
	}
}

// Command is one parsed request line. Key is zero for MATCH.
type Command struct {
	Verb Verb
	Key  fingerprint.Key
}

// ProtocolError is a request the bridge refuses to run. Message is written
// to the client verbatim after the ERROR prefix.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// Unwrap lets callers match fingerprint.ErrProtocol.
func (e *ProtocolError) Unwrap() error {
	return fingerprint.ErrProtocol
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// Parse turns a request line into a Command. Verbs are case-insensitive and
// the partition defaults to prisoner when omitted.
func Parse(line string) (Command, error) {
	fields := strings.Fields(strings.TrimPrefix(line, "\ufeff"))
	if len(fields) == 0 {
		return Command{}, protocolErrorf("Empty command")
	}

	switch verb := strings.ToUpper(fields[0]); verb {
	case "CAPTURE", "VERIFY":
		v := VerbCapture
		if verb == "VERIFY" {
			v = VerbVerify
		}
		if len(fields) != 3 && len(fields) != 4 {
			return Command{}, protocolErrorf("Usage: %s <person_id> <finger_index> <member>", verb)
		}
		index, err := strconv.Atoi(fields[2])
		if err != nil {
			return Command{}, protocolErrorf("Invalid finger index %q", fields[2])
		}
		partition := ""
		if len(fields) == 4 {
			partition = fields[3]
		}
		key := fingerprint.NewKey(fields[1], index, partition)
		if !fingerprint.ValidFingerIndex(key.FingerIndex) {
			return Command{}, protocolErrorf("Finger index must be between %d and %d", fingerprint.MinFingerIndex, fingerprint.MaxFingerIndex)
		}
		return Command{Verb: v, Key: key}, nil
	case "MATCH":
		if len(fields) != 1 {
			return Command{}, protocolErrorf("Usage: MATCH")
		}
		return Command{Verb: VerbMatch}, nil
	default:
		return Command{}, protocolErrorf("Unknown command")
	}
}
