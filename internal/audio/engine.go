package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/normanking/avatarchat/internal/bus"
	"github.com/normanking/avatarchat/internal/metrics"
	"github.com/rs/zerolog"
)

// CaptureEngine records one utterance at a time from a Device. Capture ends
// on Stop, on sustained silence, or when the device stops delivering frames;
// every exit path releases the device.
type CaptureEngine struct {
	config   *CaptureConfig
	device   Device
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu         sync.Mutex
	state      CaptureState
	generation uint64 // bumped on every stop so stale timers and readers bail out
	stream     Stream
	frames     [][]float32
	detector   *SilenceDetector
	timer      *time.Timer
	done       chan struct{}

	onClip     func(*Clip)
	callbackMu sync.RWMutex
}

// NewCaptureEngine creates a capture engine
func NewCaptureEngine(config *CaptureConfig, device Device, eventBus *bus.EventBus, logger zerolog.Logger) *CaptureEngine {
	if config == nil {
		config = DefaultCaptureConfig()
	}
	return &CaptureEngine{
		config:   config,
		device:   device,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "audio").Logger(),
		state:    StateIdle,
	}
}

// SetClipHandler registers the callback receiving captured clips
func (e *CaptureEngine) SetClipHandler(handler func(*Clip)) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.onClip = handler
}

// State returns the current capture state
func (e *CaptureEngine) State() CaptureState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Recording reports whether capture is running
func (e *CaptureEngine) Recording() bool {
	return e.State() == StateRecording
}

// Start opens the device and begins buffering. Starting while recording is a
// no-op. On failure the engine stays idle.
func (e *CaptureEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRecording {
		return nil
	}

	stream, err := e.device.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnsupportedDevice) {
			return fmt.Errorf("failed to open microphone: %w", err)
		}
		return fmt.Errorf("failed to open microphone: %w: %v", ErrUnsupportedDevice, err)
	}

	e.generation++
	e.stream = stream
	e.frames = e.frames[:0]
	e.detector = NewSilenceDetector(e.config.AnalysisWindow, e.config.SilenceThreshold)
	e.done = make(chan struct{})
	e.state = StateRecording

	go e.readLoop(e.generation, stream, e.done)

	e.logger.Info().Int("sample_rate", stream.SampleRate()).Msg("Recording started")
	e.eventBus.Publish(bus.Event{Type: bus.EventTypeRecordingStarted})
	return nil
}

// Stop ends capture and emits the clip to the handler, returning it as well.
// Returns nil when idle or when no frames were captured.
func (e *CaptureEngine) Stop() *Clip {
	e.mu.Lock()
	clip := e.stopLocked(e.generation, true, false)
	e.mu.Unlock()

	e.emit(clip)
	return clip
}

// Close releases the device without emitting anything.
func (e *CaptureEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked(e.generation, false, false)
}

func (e *CaptureEngine) readLoop(gen uint64, stream Stream, done <-chan struct{}) {
	frames := stream.Frames()
	for {
		select {
		case <-done:
			return
		case frame, ok := <-frames:
			if !ok {
				e.mu.Lock()
				if gen != e.generation {
					// Stop or Close ended this recording and closed the stream.
					e.mu.Unlock()
					return
				}
				e.logger.Warn().Msg("Microphone stream ended")
				clip := e.stopLocked(gen, true, false)
				e.mu.Unlock()
				e.emit(clip)
				return
			}
			e.process(gen, frame)
		}
	}
}

func (e *CaptureEngine) process(gen uint64, frame []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.generation || e.state != StateRecording || len(frame) == 0 {
		return
	}

	buf := make([]float32, len(frame))
	copy(buf, frame)
	e.frames = append(e.frames, buf)

	for _, w := range e.detector.Feed(buf) {
		switch {
		case w.Silent && e.timer == nil:
			e.timer = time.AfterFunc(e.config.SilenceDebounce, func() { e.autoStop(gen) })
		case !w.Silent && e.timer != nil:
			e.timer.Stop()
			e.timer = nil
		}
	}
}

func (e *CaptureEngine) autoStop(gen uint64) {
	e.mu.Lock()
	clip := e.stopLocked(gen, true, true)
	e.mu.Unlock()

	if clip != nil {
		e.logger.Debug().Dur("duration", clip.Duration).Msg("Silence detected, recording auto-stopped")
	}
	e.emit(clip)
}

// stopLocked tears down the session identified by gen. Caller holds e.mu.
func (e *CaptureEngine) stopLocked(gen uint64, build, auto bool) *Clip {
	if gen != e.generation || e.state != StateRecording {
		return nil
	}

	e.generation++
	e.state = StateIdle
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	close(e.done)
	if err := e.stream.Close(); err != nil {
		e.logger.Debug().Err(err).Msg("Microphone close failed")
	}
	sampleRate := e.stream.SampleRate()
	e.stream = nil

	frames := e.frames
	e.frames = nil
	e.eventBus.Publish(bus.Event{Type: bus.EventTypeRecordingStopped, Data: map[string]any{"auto": auto}})

	if !build {
		return nil
	}

	total := 0
	for _, f := range frames {
		total += len(f)
	}
	if total == 0 {
		e.logger.Debug().Msg("Recording stopped with no audio")
		return nil
	}

	samples := make([]float32, 0, total)
	for _, f := range frames {
		samples = append(samples, f...)
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	return &Clip{
		WAV:        EncodeWAV(samples, sampleRate),
		Samples:    total,
		SampleRate: sampleRate,
		Duration:   time.Duration(total) * time.Second / time.Duration(sampleRate),
		AutoStop:   auto,
		CapturedAt: time.Now(),
	}
}

func (e *CaptureEngine) emit(clip *Clip) {
	if clip == nil {
		return
	}
	metrics.ClipsCaptured.Inc()
	e.eventBus.Publish(bus.Event{
		Type: bus.EventTypeClipCaptured,
		Data: map[string]any{
			"samples":     clip.Samples,
			"sample_rate": clip.SampleRate,
			"auto":        clip.AutoStop,
		},
	})

	e.callbackMu.RLock()
	handler := e.onClip
	e.callbackMu.RUnlock()
	if handler != nil {
		handler(clip)
	}
}
