// Package testutil holds in-memory fakes shared by controller tests.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/playback"
	"github.com/normanking/avatarchat/internal/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// FakeSurface records every surface command. PlayErr, when set, decides the
// outcome of each Play call.
type FakeSurface struct {
	mu      sync.Mutex
	PlayErr func(m playback.Media) error

	plays   []playback.Media
	current *playback.Media
	paused  bool
	muted   bool
	image   string
	spinner bool
}

func (s *FakeSurface) Play(ctx context.Context, m playback.Media) error {
	s.mu.Lock()
	fn := s.PlayErr
	s.plays = append(s.plays, m)
	s.mu.Unlock()

	if fn != nil {
		if err := fn(m); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &m
	s.paused = false
	s.muted = m.Muted
	s.image = ""
	return nil
}

func (s *FakeSurface) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.current = nil
	return nil
}

func (s *FakeSurface) SetMuted(ctx context.Context, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	return nil
}

func (s *FakeSurface) ShowImage(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.image = url
	return nil
}

func (s *FakeSurface) ShowSpinner(ctx context.Context, visible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spinner = visible
	return nil
}

// Plays returns every Play request seen, including failed ones.
func (s *FakeSurface) Plays() []playback.Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]playback.Media(nil), s.plays...)
}

// Current returns the media playing, nil when paused or showing the image.
func (s *FakeSurface) Current() *playback.Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	m := *s.current
	return &m
}

func (s *FakeSurface) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *FakeSurface) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *FakeSurface) Image() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

func (s *FakeSurface) Spinner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spinner
}

// FakeWatcher captures the FAQ watch so tests can complete it by hand.
type FakeWatcher struct {
	mu      sync.Mutex
	faqID   int
	onDone  func(status, streamURL string)
	watches int
	stops   int
	Refuse  bool
}

func (w *FakeWatcher) Watch(ctx context.Context, faqID int, onDone func(status, streamURL string)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Refuse {
		return false
	}
	w.faqID = faqID
	w.onDone = onDone
	w.watches++
	return true
}

func (w *FakeWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stops++
}

// Finish invokes the captured callback as the poller would.
func (w *FakeWatcher) Finish(status, streamURL string) {
	w.mu.Lock()
	fn := w.onDone
	w.mu.Unlock()
	if fn != nil {
		fn(status, streamURL)
	}
}

func (w *FakeWatcher) FaqID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.faqID
}

func (w *FakeWatcher) Watches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watches
}

func (w *FakeWatcher) Stops() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stops
}

// FakeBotFetcher serves chatbot details from a map, counting calls.
type FakeBotFetcher struct {
	mu      sync.Mutex
	Details map[int]*backend.ChatbotDetail
	Err     error
	calls   int
}

func (f *FakeBotFetcher) GetChatbot(ctx context.Context, id int) (*backend.ChatbotDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	d, ok := f.Details[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *FakeBotFetcher) Set(id int, d *backend.ChatbotDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Details == nil {
		f.Details = make(map[int]*backend.ChatbotDetail)
	}
	f.Details[id] = d
}

func (f *FakeBotFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeFAQStatus answers FAQ video status queries from a map.
type FakeFAQStatus struct {
	mu       sync.Mutex
	Statuses map[int]*backend.FAQVideoStatus
	calls    int
}

func (f *FakeFAQStatus) FAQVideoStatus(ctx context.Context, faqID int) (*backend.FAQVideoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	st, ok := f.Statuses[faqID]
	if !ok {
		return nil, backend.ErrJobNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *FakeFAQStatus) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// NewSession returns a session over a memory store.
func NewSession(t *testing.T, fetcher session.BotFetcher) *session.Session {
	t.Helper()
	store, err := session.NewStore(session.StoreTypeMemory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return session.New(store, fetcher, zerolog.Nop())
}
