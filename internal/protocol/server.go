package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/fingerprint"
	"github.com/example/finger-bridge/internal/logging"
	"github.com/example/finger-bridge/internal/usecase"
)

// maxDiscard bounds how much of an oversized command is drained.
const maxDiscard = 1 << 20

// Bridge is the set of operations the protocol can drive.
type Bridge interface {
	Capture(ctx context.Context, key fingerprint.Key) (*usecase.CaptureResult, error)
	Verify(ctx context.Context, key fingerprint.Key) (*usecase.MatchResult, error)
	Identify(ctx context.Context) (*usecase.MatchResult, error)
}

// Options tunes connection handling.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLineSize  int
}

// Server accepts one command per connection and dispatches it to a Bridge.
type Server struct {
	bridge Bridge
	logger *zap.Logger
	opts   Options

	// base outlives client connections so a hang-up never aborts a
	// hardware operation mid-frame.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server for bridge.
func NewServer(bridge Bridge, logger *zap.Logger, opts Options) *Server {
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = 4096
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		bridge: bridge,
		logger: logger.Named("bridge_server"),
		opts:   opts,
		base:   base,
		cancel: cancel,
	}
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return logging.NewOperationError("bridge.listen", "", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("fingerprint bridge listening", zap.String("addr", ln.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Shutdown stops accepting connections and waits for in-flight commands.
// When ctx ends first, in-flight operations are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return err
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	connID := uuid.NewString()
	log := logging.WithOperation(s.logger, "bridge.connection", connID).
		With(zap.String("remote", conn.RemoteAddr().String()))

	var resp Response
	line, err := s.readLine(conn)
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		log.Warn("command exceeds line limit", zap.Int("max_line_size", s.opts.MaxLineSize))
		resp = ErrorResponse(protocolErrorf("Command too long (max %d bytes)", s.opts.MaxLineSize))
	case err != nil:
		log.Warn("failed to read command", zap.Error(err))
		resp = ErrorResponse(protocolErrorf("Failed to read command"))
	default:
		log.Info("command received", zap.String("command", redact(line)))
		resp = s.Dispatch(s.base, line)
	}
	log.Info("responding", zap.String("status", resp.Status), zap.Bool("image", len(resp.Image) > 0))

	if s.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if _, err := conn.Write([]byte(resp.String())); err != nil {
		log.Warn("client gone before response was written", zap.Error(err))
	}
}

func (s *Server) readLine(conn net.Conn) (string, error) {
	if s.opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 256), s.opts.MaxLineSize)
	if scanner.Scan() {
		return strings.TrimRight(scanner.Text(), "\r"), nil
	}
	err := scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		// Drain the rest of the line so the reply is not lost to a reset.
		_, _ = bufio.NewReader(io.LimitReader(conn, maxDiscard)).ReadString('\n')
	}
	return "", err
}

// Dispatch parses and runs one command line. It never panics; every failure
// becomes an ERROR response.
func (s *Server) Dispatch(ctx context.Context, line string) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command panicked", zap.Any("panic", r), zap.Stack("stack"))
			resp = ErrorResponse(fmt.Errorf("internal error: %v", r))
		}
	}()

	cmd, err := Parse(line)
	if err != nil {
		return ErrorResponse(err)
	}

	switch cmd.Verb {
	case VerbCapture:
		res, err := s.bridge.Capture(ctx, cmd.Key)
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{Status: CaptureLine(cmd.Key), Image: s.encode(res.Image)}
	case VerbVerify:
		res, err := s.bridge.Verify(ctx, cmd.Key)
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{Status: VerifyLine(res.Outcome), Image: s.encode(res.Image)}
	case VerbMatch:
		res, err := s.bridge.Identify(ctx)
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{Status: IdentifyLine(res.Outcome), Image: s.encode(res.Image)}
	default:
		return ErrorResponse(protocolErrorf("Unknown command"))
	}
}

func (s *Server) encode(img *fingerprint.Image) []byte {
	if img == nil {
		return nil
	}
	data, err := img.EncodeBMP()
	if err != nil {
		s.logger.Error("failed to encode image for response", zap.Error(err))
		return nil
	}
	return data
}

// redact keeps log lines short when a client sends garbage.
func redact(line string) string {
	const limit = 128
	if len(line) > limit {
		return line[:limit] + "..."
	}
	return line
}
