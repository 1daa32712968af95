// Package audio captures microphone input, stops on sustained silence and
// encodes the captured speech as a WAV clip.
package audio

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrUnsupportedDevice = errors.New("microphone capture not supported")
	ErrInvalidFormat     = errors.New("invalid audio format")
)

// CaptureState is the engine's recording state
type CaptureState string

const (
	StateIdle      CaptureState = "idle"
	StateRecording CaptureState = "recording"
)

// Device opens microphone streams.
type Device interface {
	// Open starts capture. Errors should wrap ErrPermissionDenied or
	// ErrUnsupportedDevice; anything else is reported as unsupported.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open microphone. Frames is closed when the device stops
// delivering audio on its own.
type Stream interface {
	SampleRate() int
	Frames() <-chan []float32
	Close() error
}

// CaptureConfig configures silence detection
type CaptureConfig struct {
	AnalysisWindow   int           `json:"analysis_window"`   // samples per RMS window, default 512
	SilenceThreshold float64       `json:"silence_threshold"` // RMS 0-1, default 0.01
	SilenceDebounce  time.Duration `json:"silence_debounce"`  // default 1500ms
}

// DefaultCaptureConfig returns sensible defaults
func DefaultCaptureConfig() *CaptureConfig {
	return &CaptureConfig{
		AnalysisWindow:   512,
		SilenceThreshold: 0.01,
		SilenceDebounce:  1500 * time.Millisecond,
	}
}

// Clip is one captured utterance
type Clip struct {
	WAV        []byte        `json:"-"`
	Samples    int           `json:"samples"`
	SampleRate int           `json:"sample_rate"`
	Duration   time.Duration `json:"duration"`
	AutoStop   bool          `json:"auto_stop"` // ended by silence detection
	CapturedAt time.Time     `json:"captured_at"`
}
