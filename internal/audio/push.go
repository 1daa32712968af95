package audio

import (
	"context"
	"sync"
)

const pushBuffer = 256

// PushDevice is a Device whose frames are pushed by a remote renderer that
// owns the real microphone.
type PushDevice struct {
	mu         sync.Mutex
	sampleRate int
	available  bool
	denied     bool
	current    *pushStream

	onOpen  func()
	onClose func()
}

// NewPushDevice creates a push device; sampleRate is used until the renderer
// reports its native rate.
func NewPushDevice(sampleRate int) *PushDevice {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &PushDevice{sampleRate: sampleRate}
}

// SetHooks registers callbacks telling the renderer to start or stop sending frames.
func (d *PushDevice) SetHooks(onOpen, onClose func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = onOpen
	d.onClose = onClose
}

// SetAvailable marks whether a renderer able to capture audio is connected.
func (d *PushDevice) SetAvailable(available bool) {
	d.mu.Lock()
	d.available = available
	cur := d.current
	d.mu.Unlock()

	if !available && cur != nil {
		cur.end()
	}
}

// SetPermissionDenied records the renderer's answer to the permission prompt.
func (d *PushDevice) SetPermissionDenied(denied bool) {
	d.mu.Lock()
	d.denied = denied
	cur := d.current
	d.mu.Unlock()

	if denied && cur != nil {
		cur.end()
	}
}

// Open implements Device.
func (d *PushDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	switch {
	case d.denied:
		d.mu.Unlock()
		return nil, ErrPermissionDenied
	case !d.available:
		d.mu.Unlock()
		return nil, ErrUnsupportedDevice
	}
	if d.current != nil {
		d.current.end()
	}
	s := &pushStream{
		device: d,
		rate:   d.sampleRate,
		frames: make(chan []float32, pushBuffer),
	}
	d.current = s
	onOpen := d.onOpen
	d.mu.Unlock()

	if onOpen != nil {
		onOpen()
	}
	return s, nil
}

// Push delivers samples to the open stream. Returns false when no stream is
// open or its buffer is full.
func (d *PushDevice) Push(samples []float32, sampleRate int) bool {
	d.mu.Lock()
	cur := d.current
	if sampleRate > 0 {
		d.sampleRate = sampleRate
	}
	d.mu.Unlock()

	if cur == nil {
		return false
	}
	return cur.push(samples, sampleRate)
}

// End signals that the renderer stopped capturing on its own.
func (d *PushDevice) End() {
	d.mu.Lock()
	cur := d.current
	d.mu.Unlock()
	if cur != nil {
		cur.end()
	}
}

func (d *PushDevice) release(s *pushStream) {
	d.mu.Lock()
	if d.current == s {
		d.current = nil
	}
	onClose := d.onClose
	d.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

type pushStream struct {
	device *PushDevice

	mu     sync.Mutex
	rate   int
	frames chan []float32
	ended  bool
	closed bool
}

func (s *pushStream) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *pushStream) Frames() <-chan []float32 {
	return s.frames
}

func (s *pushStream) push(samples []float32, sampleRate int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	if sampleRate > 0 {
		s.rate = sampleRate
	}
	select {
	case s.frames <- samples:
		return true
	default:
		return false
	}
}

// end closes the frame channel once.
func (s *pushStream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.frames)
	}
}

// Close implements Stream.
func (s *pushStream) Close() error {
	s.end()
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()

	if !already {
		s.device.release(s)
	}
	return nil
}
