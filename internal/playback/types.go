// Package playback drives the single avatar media surface: greeting, idle
// loop and reactive clips, with recovery from expired signed URLs.
package playback

import (
	"context"
	"errors"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/session"
)

// Common errors
var (
	ErrAssetExpired    = errors.New("media asset could not be loaded")
	ErrAutoplayBlocked = errors.New("autoplay blocked")
)

// State is the avatar surface state
type State string

const (
	StateIdleImage   State = "idle-image"
	StateGreeting    State = "greeting"
	StateIdleLoop    State = "idle-loop"
	StateFaqReactive State = "faq-reactive"
	StateAuxReactive State = "aux-reactive"
	StateFaqPending  State = "faq-pending"
)

// AllStates lists every state, in declaration order.
var AllStates = []State{StateIdleImage, StateGreeting, StateIdleLoop, StateFaqReactive, StateAuxReactive, StateFaqPending}

// EventType identifies a controller input
type EventType string

const (
	EventActivate   EventType = "activate"
	EventEnded      EventType = "ended"
	EventFaqReady   EventType = "faq_ready"
	EventFaqPending EventType = "faq_pending"
	EventFaqGone    EventType = "faq_gone"
	EventReaction   EventType = "reaction"
	EventDisable    EventType = "disable"
	EventEnable     EventType = "enable"
	EventRestart    EventType = "restart"
)

// Event is a controller input
type Event struct {
	Type      EventType
	Src       string            // Ended: the source that finished
	FaqID     int               // FaqReady, FaqPending
	StreamURL string            // FaqReady: signed stream, optional
	Kind      session.AssetKind // Reaction
}

// Activate re-evaluates the surface from session state.
func Activate() Event { return Event{Type: EventActivate} }

// Ended reports that src finished playing.
func Ended(src string) Event { return Event{Type: EventEnded, Src: src} }

// FaqReady plays a FAQ clip; streamURL may be empty.
func FaqReady(faqID int, streamURL string) Event {
	return Event{Type: EventFaqReady, FaqID: faqID, StreamURL: streamURL}
}

// FaqPending waits for a FAQ clip still being generated.
func FaqPending(faqID int) Event { return Event{Type: EventFaqPending, FaqID: faqID} }

// FaqGone abandons the awaited FAQ clip.
func FaqGone() Event { return Event{Type: EventFaqGone} }

// Reaction plays a positive, negative or no-answer clip.
func Reaction(kind session.AssetKind) Event { return Event{Type: EventReaction, Kind: kind} }

// Disable turns the avatar off.
func Disable() Event { return Event{Type: EventDisable} }

// Enable turns the avatar back on.
func Enable() Event { return Event{Type: EventEnable} }

// Restart clears the greeting flag and activates again.
func Restart() Event { return Event{Type: EventRestart} }

// Media is what the surface is asked to play
type Media struct {
	Kind  session.AssetKind `json:"kind"`
	URL   string            `json:"url"`
	Loop  bool              `json:"loop"`
	Muted bool              `json:"muted"`
	Rate  float64           `json:"rate"`
}

// Surface is the single video/image element. Play blocks until playback has
// started or failed; a blocked autoplay must be reported as ErrAutoplayBlocked.
// The surface reports the end of a clip by dispatching Ended(src) from its
// own goroutine, never from inside one of these calls.
type Surface interface {
	Play(ctx context.Context, m Media) error
	Pause(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	ShowImage(ctx context.Context, url string) error
	ShowSpinner(ctx context.Context, visible bool) error
}

// Assets is the session collaborator holding cached signed URLs.
type Assets interface {
	Asset(kind session.AssetKind) string
	RefreshAsset(ctx context.Context, kind session.AssetKind) (string, error)
	Muted() bool
	AvatarEnabled() bool
	Identity() session.Identity
}

// FAQStatusSource resolves the signed stream URL of a ready FAQ clip.
type FAQStatusSource interface {
	FAQVideoStatus(ctx context.Context, faqID int) (*backend.FAQVideoStatus, error)
}

// FAQWatcher polls a FAQ video until it reaches a terminal status. onDone
// receives "ready" with the stream URL, or any other terminal status. Stop
// must not wait for an in-flight onDone.
type FAQWatcher interface {
	Watch(ctx context.Context, faqID int, onDone func(status, streamURL string)) bool
	Stop()
}

// Config configures the controller
type Config struct {
	IdleRate     float64            // playback rate of the idle loop
	ReactiveRate float64            // playback rate of greeting and reactive clips
	DefaultIcon  string             // image shown when the bot has no icon
	ResolveURL   func(string) string // maps backend-relative paths to absolute URLs
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		IdleRate:     0.3,
		ReactiveRate: 1.0,
		DefaultIcon:  session.DefaultIcon,
	}
}
