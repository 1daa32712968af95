package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/bus"
	"github.com/normanking/avatarchat/internal/metrics"
	"github.com/normanking/avatarchat/internal/session"
	"github.com/rs/zerolog"
)

type action func(c *Controller, ctx context.Context, ev Event) State

type transition struct {
	from State
	on   EventType
}

// transitions lists every allowed (state, event) pair. Pairs that are absent
// are ignored. Actions return the state actually reached, which depends on
// which assets are cached and whether playback succeeded.
var transitions = map[transition]action{}

func allow(on EventType, act action, from ...State) {
	for _, s := range from {
		transitions[transition{from: s, on: on}] = act
	}
}

func init() {
	allow(EventActivate, (*Controller).activate, AllStates...)
	allow(EventRestart, (*Controller).restart, AllStates...)
	allow(EventEnded, (*Controller).afterGreeting, StateGreeting)
	allow(EventEnded, (*Controller).afterClip, StateFaqReactive, StateAuxReactive)
	allow(EventFaqPending, (*Controller).waitFaq, AllStates...)
	allow(EventFaqReady, (*Controller).playFaq, AllStates...)
	allow(EventFaqGone, (*Controller).abandonFaq, StateFaqPending)
	allow(EventReaction, (*Controller).react, AllStates...)
	allow(EventDisable, (*Controller).disable, AllStates...)
	allow(EventEnable, (*Controller).enable, AllStates...)
}

// Allowed reports whether the table has an entry for (from, on).
func Allowed(from State, on EventType) bool {
	_, ok := transitions[transition{from: from, on: on}]
	return ok
}

// Controller owns the avatar surface. All transitions run under mu, so at
// most one asset is being played at a time.
type Controller struct {
	config   *Config
	surface  Surface
	assets   Assets
	faq      FAQStatusSource
	watcher  FAQWatcher
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu                sync.Mutex
	state             State
	disabled          bool
	hasPlayedGreeting bool
	current           string // source of the clip on the surface, "" for the image
	currentKind       session.AssetKind
	pendingFaqID      int
	watchGen          uint64

	onStateChange func(from, to State)
}

// NewController creates a playback controller. faq and watcher may be nil,
// in which case FAQ clips play from the raw route and pending clips are not polled.
func NewController(cfg *Config, surface Surface, assets Assets, faq FAQStatusSource, watcher FAQWatcher, eventBus *bus.EventBus, logger zerolog.Logger) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Controller{
		config:   cfg,
		surface:  surface,
		assets:   assets,
		faq:      faq,
		watcher:  watcher,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "playback").Logger(),
		state:    StateIdleImage,
	}
}

// SetStateHandler sets the callback for state changes
func (c *Controller) SetStateHandler(handler func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = handler
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disabled reports whether the avatar is switched off
func (c *Controller) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// Current returns the source on the surface, "" when showing the image
func (c *Controller) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// HasPlayedGreeting reports whether the greeting already ran this session
func (c *Controller) HasPlayedGreeting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasPlayedGreeting
}

// PendingFAQ returns the FAQ whose clip is awaited, 0 when none
func (c *Controller) PendingFAQ() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingFaqID
}

// Dispatch feeds one event to the state machine and returns the new state.
func (c *Controller) Dispatch(ctx context.Context, ev Event) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatchLocked(ctx, ev)
}

func (c *Controller) dispatchLocked(ctx context.Context, ev Event) State {
	if ev.Type == EventEnded && (ev.Src == "" || ev.Src != c.current) {
		c.logger.Debug().Str("src", ev.Src).Str("current", c.current).Msg("Ignoring stale ended event")
		return c.state
	}
	if c.disabled && ev.Type != EventEnable && ev.Type != EventDisable {
		if ev.Type == EventRestart {
			c.hasPlayedGreeting = false
		}
		return c.state
	}

	act, ok := transitions[transition{from: c.state, on: ev.Type}]
	if !ok {
		return c.state
	}

	from := c.state
	to := act(c, ctx, ev)
	c.setState(from, to, ev.Type)
	return to
}

// SetMuted applies a new mute preference to the clip on the surface. Only
// muting is applied immediately; unmuting takes effect with the next clip.
func (c *Controller) SetMuted(ctx context.Context, muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !muted || c.current == "" || c.currentKind == session.AssetIdle {
		return
	}
	if err := c.surface.SetMuted(ctx, true); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to mute surface")
	}
}

func (c *Controller) setState(from, to State, on EventType) {
	c.state = to
	metrics.PlaybackTransitions.WithLabelValues(string(from), string(to), string(on)).Inc()
	if from == to {
		return
	}
	c.logger.Debug().Str("from", string(from)).Str("to", string(to)).Str("event", string(on)).Msg("Playback state changed")
	c.eventBus.Publish(bus.Event{
		Type: bus.EventTypePlaybackStateChanged,
		Data: map[string]any{"from": string(from), "to": string(to), "event": string(on)},
	})
	if c.onStateChange != nil {
		c.onStateChange(from, to)
	}
}

func (c *Controller) activate(ctx context.Context, ev Event) State {
	if !c.assets.AvatarEnabled() {
		return c.disable(ctx, ev)
	}
	if !c.hasPlayedGreeting {
		if url := c.assets.Asset(session.AssetGreeting); url != "" {
			c.hasPlayedGreeting = true
			return c.playClip(ctx, session.AssetGreeting, url, 0, StateGreeting)
		}
	}
	return c.toIdle(ctx, false)
}

func (c *Controller) restart(ctx context.Context, ev Event) State {
	c.hasPlayedGreeting = false
	return c.activate(ctx, ev)
}

func (c *Controller) afterGreeting(ctx context.Context, ev Event) State {
	c.hasPlayedGreeting = true
	return c.toIdle(ctx, true)
}

func (c *Controller) afterClip(ctx context.Context, ev Event) State {
	return c.toIdle(ctx, true)
}

func (c *Controller) waitFaq(ctx context.Context, ev Event) State {
	if ev.FaqID <= 0 {
		return c.state
	}
	c.clearPending(ctx)
	c.stopSurface(ctx)
	c.showIcon(ctx)
	if err := c.surface.ShowSpinner(ctx, true); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to show spinner")
	}

	c.pendingFaqID = ev.FaqID
	c.watchGen++
	if c.watcher == nil {
		return StateFaqPending
	}

	gen, faqID := c.watchGen, ev.FaqID
	started := c.watcher.Watch(context.WithoutCancel(ctx), faqID, func(status, streamURL string) {
		c.onFaqDone(gen, faqID, status, streamURL)
	})
	if !started {
		c.logger.Warn().Int("faq_id", faqID).Msg("FAQ poller busy, not waiting for clip")
		c.clearPending(ctx)
		return c.toIdle(ctx, false)
	}
	return StateFaqPending
}

// onFaqDone runs on the poller goroutine. Results for a wait that has since
// been replaced or cleared are dropped.
func (c *Controller) onFaqDone(gen uint64, faqID int, status, streamURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.watchGen || c.state != StateFaqPending || c.pendingFaqID != faqID {
		return
	}

	ctx := context.Background()
	if status == backend.StatusReady {
		c.dispatchLocked(ctx, FaqReady(faqID, streamURL))
		return
	}
	c.dispatchLocked(ctx, Event{Type: EventFaqGone, FaqID: faqID})
}

func (c *Controller) playFaq(ctx context.Context, ev Event) State {
	if ev.FaqID <= 0 {
		return c.state
	}
	url := ev.StreamURL
	if url == "" && c.faq != nil {
		if st, err := c.faq.FAQVideoStatus(ctx, ev.FaqID); err == nil && st.Success && st.StreamURL != "" {
			url = st.StreamURL
		}
	}
	if url == "" {
		url = backend.FAQVideoURL(ev.FaqID)
	}
	return c.playClip(ctx, session.AssetFAQ, url, ev.FaqID, StateFaqReactive)
}

func (c *Controller) abandonFaq(ctx context.Context, ev Event) State {
	if ev.FaqID != 0 && ev.FaqID != c.pendingFaqID {
		return c.state
	}
	c.clearPending(ctx)
	return c.toIdle(ctx, false)
}

func (c *Controller) react(ctx context.Context, ev Event) State {
	switch ev.Kind {
	case session.AssetPositive, session.AssetNegative, session.AssetNoAnswer:
	default:
		return c.state
	}
	url := c.assets.Asset(ev.Kind)
	if url == "" {
		return c.state
	}
	return c.playClip(ctx, ev.Kind, url, 0, StateAuxReactive)
}

func (c *Controller) disable(ctx context.Context, ev Event) State {
	c.disabled = true
	c.clearPending(ctx)
	if err := c.surface.SetMuted(ctx, true); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to mute surface")
	}
	c.stopSurface(ctx)
	return StateIdleImage
}

func (c *Controller) enable(ctx context.Context, ev Event) State {
	if !c.disabled {
		return c.state
	}
	c.disabled = false
	return c.activate(ctx, ev)
}

// toIdle plays the idle loop, fetching its URL when fetch is set and it is
// not cached, or shows the image when there is none.
func (c *Controller) toIdle(ctx context.Context, fetch bool) State {
	url := c.assets.Asset(session.AssetIdle)
	if url == "" && fetch {
		fresh, err := c.assets.RefreshAsset(ctx, session.AssetIdle)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Idle asset refresh failed")
		}
		url = fresh
	}
	if url == "" {
		return c.showImage(ctx)
	}
	return c.playClip(ctx, session.AssetIdle, url, 0, StateIdleLoop)
}

func (c *Controller) media(kind session.AssetKind, url string) Media {
	m := Media{Kind: kind, URL: c.resolve(url)}
	if kind == session.AssetIdle {
		m.Loop = true
		m.Muted = true
		m.Rate = c.config.IdleRate
		return m
	}
	m.Muted = c.assets.Muted()
	m.Rate = c.config.ReactiveRate
	return m
}

func (c *Controller) resolve(url string) string {
	if c.config.ResolveURL == nil {
		return url
	}
	return c.config.ResolveURL(url)
}

// playClip plays url with the bounded recovery policy and returns target on
// success or StateIdleImage once the asset is abandoned.
func (c *Controller) playClip(ctx context.Context, kind session.AssetKind, url string, faqID int, target State) State {
	c.clearPending(ctx)
	m := c.media(kind, url)

	policy := RetryPolicy{
		MaxAttempts: 1,
		Fallback: func(ctx context.Context, err error) {
			c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Abandoning media asset")
			c.showImage(ctx)
		},
	}
	attempt := func(ctx context.Context) error {
		return c.attempt(ctx, &m)
	}
	refresh := func(ctx context.Context) error {
		fresh, err := c.refreshURL(ctx, kind, faqID)
		if err != nil {
			return err
		}
		if fresh == "" {
			return fmt.Errorf("%s: %w", kind, ErrAssetExpired)
		}
		m.URL = c.resolve(fresh)
		return nil
	}

	refreshes, err := policy.Run(ctx, attempt, refresh)
	switch {
	case err != nil:
		metrics.AssetRefreshes.WithLabelValues(string(kind), "abandoned").Inc()
		c.eventBus.Publish(bus.Event{Type: bus.EventTypeAssetAbandoned, Data: map[string]any{"kind": string(kind), "error": err.Error()}})
		return StateIdleImage
	case refreshes > 0:
		metrics.AssetRefreshes.WithLabelValues(string(kind), "recovered").Inc()
		c.eventBus.Publish(bus.Event{Type: bus.EventTypeAssetRefreshed, Data: map[string]any{"kind": string(kind)}})
	}
	return target
}

// attempt plays m once; an unmuted attempt blocked by autoplay policy is
// retried muted, and a failing muted retry is not worth a URL refresh.
func (c *Controller) attempt(ctx context.Context, m *Media) error {
	c.current = m.URL
	c.currentKind = m.Kind

	err := c.surface.Play(ctx, *m)
	if errors.Is(err, ErrAutoplayBlocked) && !m.Muted {
		c.logger.Debug().Str("kind", string(m.Kind)).Msg("Autoplay blocked, retrying muted")
		m.Muted = true
		if err = c.surface.Play(ctx, *m); err != nil {
			return fmt.Errorf("%w: muted retry: %v", ErrAutoplayBlocked, err)
		}
	}
	return err
}

func (c *Controller) refreshURL(ctx context.Context, kind session.AssetKind, faqID int) (string, error) {
	if kind != session.AssetFAQ {
		return c.assets.RefreshAsset(ctx, kind)
	}
	if c.faq == nil {
		return "", ErrAssetExpired
	}
	st, err := c.faq.FAQVideoStatus(ctx, faqID)
	if err != nil {
		return "", err
	}
	if st.VideoStatus != backend.StatusReady {
		return "", fmt.Errorf("faq %d is %s: %w", faqID, st.VideoStatus, ErrAssetExpired)
	}
	if st.StreamURL != "" {
		return st.StreamURL, nil
	}
	return backend.FAQVideoURL(faqID), nil
}

func (c *Controller) showImage(ctx context.Context) State {
	c.clearPending(ctx)
	c.stopSurface(ctx)
	c.showIcon(ctx)
	return StateIdleImage
}

func (c *Controller) showIcon(ctx context.Context) {
	icon := c.assets.Identity().Icon
	if icon == "" {
		icon = c.config.DefaultIcon
	}
	if err := c.surface.ShowImage(ctx, c.resolve(icon)); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to show image")
	}
}

func (c *Controller) stopSurface(ctx context.Context) {
	c.current = ""
	c.currentKind = ""
	if err := c.surface.Pause(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to pause surface")
	}
}

func (c *Controller) clearPending(ctx context.Context) {
	if c.pendingFaqID == 0 {
		return
	}
	c.pendingFaqID = 0
	c.watchGen++
	if c.watcher != nil {
		c.watcher.Stop()
	}
	if err := c.surface.ShowSpinner(ctx, false); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to hide spinner")
	}
}
