package device

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/fingerprint"
)

// Simulator status codes mirroring the vendor SDK.
const (
	codeNotOpen       = -103
	codeLiveCapturing = -127
	codeFingerPresent = 11
)

// SimulatorOptions configure the simulated scanner.
type SimulatorOptions struct {
	// FrameDir holds *.bmp files served in name order; empty means synthetic frames.
	FrameDir string
	// Delay before the first frame is delivered.
	Delay time.Duration
	// Width and Height of synthetic frames.
	Width  int
	Height int
}

// Simulator is a HardwareDevice for running the bridge without a scanner.
type Simulator struct {
	opts   SimulatorOptions
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	opened    bool
	stop      chan struct{}
	frames    []*fingerprint.Image
	next      int
}

// NewSimulator builds a connected simulated scanner.
func NewSimulator(opts SimulatorOptions, logger *zap.Logger) (*Simulator, error) {
	if opts.Width <= 0 {
		opts.Width = 256
	}
	if opts.Height <= 0 {
		opts.Height = 360
	}
	sim := &Simulator{opts: opts, logger: logger.Named("simulator"), connected: true}
	if opts.FrameDir != "" {
		frames, err := loadFrames(opts.FrameDir)
		if err != nil {
			return nil, err
		}
		sim.frames = frames
	}
	return sim, nil
}

func loadFrames(dir string) ([]*fingerprint.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".bmp") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no .bmp frames in %s", dir)
	}
	frames := make([]*fingerprint.Image, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read frame %s: %w", name, err)
		}
		img, err := fingerprint.DecodeBMP(data)
		if err != nil {
			return nil, fmt.Errorf("frame %s: %w", name, err)
		}
		frames = append(frames, img)
	}
	return frames, nil
}

// SetConnected plugs or unplugs the simulated scanner.
func (s *Simulator) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// ProbeConnected implements HardwareDevice.
func (s *Simulator) ProbeConnected() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected, nil
}

// Open implements HardwareDevice.
func (s *Simulator) Open() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, &StatusError{Call: "open device", Code: CodeDeviceNotFind}
	}
	if s.opened {
		return 0, &StatusError{Call: "open device", Code: CodeDeviceOpened}
	}
	s.opened = true
	return Handle(1), nil
}

// Close implements HardwareDevice.
func (s *Simulator) Close(Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

// StartAcquisition implements HardwareDevice. A finger-present status event
// precedes the frame.
func (s *Simulator) StartAcquisition(_ Handle, params fingerprint.AcquisitionParameters, onFrame FrameCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return &StatusError{Call: "start acquisition", Code: codeNotOpen}
	}
	if s.stop != nil {
		return &StatusError{Call: "start acquisition", Code: codeLiveCapturing}
	}
	stop := make(chan struct{})
	s.stop = stop
	img := s.nextFrameLocked(params.TargetFinger)

	go func() {
		timer := time.NewTimer(s.opts.Delay)
		defer timer.Stop()
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		onFrame(FrameEvent{Code: codeFingerPresent})
		onFrame(FrameEvent{Code: CodeOK, Width: img.Width, Height: img.Height, Frame: img.Pixels})
	}()
	return nil
}

// StopAcquisition implements HardwareDevice.
func (s *Simulator) StopAcquisition(Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	return nil
}

// Release implements Releaser.
func (s *Simulator) Release() error {
	s.logger.Debug("simulated sdk released")
	return nil
}

func (s *Simulator) nextFrameLocked(target int) *fingerprint.Image {
	if len(s.frames) > 0 {
		img := s.frames[s.next%len(s.frames)]
		s.next++
		return img.Clone()
	}
	s.next++
	return syntheticRidges(s.opts.Width, s.opts.Height, target)
}

// syntheticRidges draws a concentric ridge pattern whose centre depends on seed.
func syntheticRidges(width, height, seed int) *fingerprint.Image {
	img := &fingerprint.Image{Width: width, Height: height, Pixels: make([]byte, width*height)}
	cx := float64(width)/2 + float64(seed%5-2)*6
	cy := float64(height)/2 + float64(seed%3-1)*8
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := float64(x)-cx, (float64(y)-cy)*0.8
			r := math.Hypot(dx, dy)
			v := 127.5 + 127.5*math.Sin(r/3.2)
			img.Pixels[y*width+x] = byte(v)
		}
	}
	return img
}
