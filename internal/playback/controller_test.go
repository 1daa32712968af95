package playback_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/playback"
	"github.com/normanking/avatarchat/internal/session"
	"github.com/normanking/avatarchat/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = "http://backend"

type fixture struct {
	ctrl    *playback.Controller
	surface *testutil.FakeSurface
	watcher *testutil.FakeWatcher
	fetcher *testutil.FakeBotFetcher
	faq     *testutil.FakeFAQStatus
	sess    *session.Session
}

func botDetail() *backend.ChatbotDetail {
	return &backend.ChatbotDetail{
		Success:           true,
		Name:              "Maria",
		Icon:              "/static/maria.png",
		VideoGreetingPath: "/media/greeting.mp4?sig=1",
		VideoIdlePath:     "/media/idle.mp4?sig=1",
		VideoPositivePath: "/media/positive.mp4?sig=1",
	}
}

func newFixture(t *testing.T, detail *backend.ChatbotDetail) *fixture {
	t.Helper()
	f := &fixture{
		surface: &testutil.FakeSurface{},
		watcher: &testutil.FakeWatcher{},
		fetcher: &testutil.FakeBotFetcher{},
		faq:     &testutil.FakeFAQStatus{Statuses: map[int]*backend.FAQVideoStatus{}},
	}
	f.sess = testutil.NewSession(t, f.fetcher)
	if detail != nil {
		f.fetcher.Set(3, detail)
		require.NoError(t, f.sess.ApplyChatbot(3, detail))
	}

	cfg := playback.DefaultConfig()
	cfg.ResolveURL = func(u string) string {
		if strings.HasPrefix(u, "/") {
			return base + u
		}
		return u
	}
	f.ctrl = playback.NewController(cfg, f.surface, f.sess, f.faq, f.watcher, nil, zerolog.Nop())
	return f
}

func TestController_GreetingThenIdle(t *testing.T) {
	f := newFixture(t, botDetail())
	ctx := context.Background()

	assert.Equal(t, playback.StateGreeting, f.ctrl.Dispatch(ctx, playback.Activate()))
	greeting := f.surface.Current()
	require.NotNil(t, greeting)
	assert.Equal(t, base+"/media/greeting.mp4?sig=1", greeting.URL)
	assert.False(t, greeting.Loop)
	assert.InDelta(t, 1.0, greeting.Rate, 1e-9)
	assert.True(t, f.ctrl.HasPlayedGreeting())

	assert.Equal(t, playback.StateIdleLoop, f.ctrl.Dispatch(ctx, playback.Ended(greeting.URL)))
	idle := f.surface.Current()
	require.NotNil(t, idle)
	assert.True(t, idle.Loop)
	assert.True(t, idle.Muted, "idle loop always plays muted")
	assert.InDelta(t, 0.3, idle.Rate, 1e-9)

	assert.Equal(t, playback.StateIdleLoop, f.ctrl.Dispatch(ctx, playback.Activate()), "greeting plays once")
}

func TestController_NoAssetsShowsImage(t *testing.T) {
	f := newFixture(t, &backend.ChatbotDetail{Success: true, Name: "Rui", Icon: "/static/rui.png"})

	assert.Equal(t, playback.StateIdleImage, f.ctrl.Dispatch(context.Background(), playback.Activate()))
	assert.Equal(t, base+"/static/rui.png", f.surface.Image())
	assert.Empty(t, f.surface.Plays())
}

func TestController_StaleEndedIgnored(t *testing.T) {
	f := newFixture(t, botDetail())
	ctx := context.Background()
	f.ctrl.Dispatch(ctx, playback.Activate())

	assert.Equal(t, playback.StateGreeting, f.ctrl.Dispatch(ctx, playback.Ended(base+"/media/other.mp4")))
	assert.Equal(t, playback.StateGreeting, f.ctrl.Dispatch(ctx, playback.Ended("")))
	assert.Len(t, f.surface.Plays(), 1)
}

func TestController_DisableAlwaysMutesAndPauses(t *testing.T) {
	ctx := context.Background()
	setups := map[string]func(f *fixture){
		"idle-image": func(f *fixture) {},
		"greeting":   func(f *fixture) { f.ctrl.Dispatch(ctx, playback.Activate()) },
		"idle-loop": func(f *fixture) {
			f.ctrl.Dispatch(ctx, playback.Activate())
			f.ctrl.Dispatch(ctx, playback.Ended(f.ctrl.Current()))
		},
		"faq-pending": func(f *fixture) { f.ctrl.Dispatch(ctx, playback.FaqPending(9)) },
		"aux-reactive": func(f *fixture) {
			f.ctrl.Dispatch(ctx, playback.Reaction(session.AssetPositive))
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, botDetail())
			setup(f)

			assert.Equal(t, playback.StateIdleImage, f.ctrl.Dispatch(ctx, playback.Disable()))
			assert.True(t, f.surface.Muted())
			assert.True(t, f.surface.Paused())
			assert.False(t, f.surface.Spinner())
			assert.True(t, f.ctrl.Disabled())
			assert.Empty(t, f.ctrl.Current())
			assert.Zero(t, f.ctrl.PendingFAQ())

			plays := len(f.surface.Plays())
			f.ctrl.Dispatch(ctx, playback.Activate())
			f.ctrl.Dispatch(ctx, playback.Reaction(session.AssetPositive))
			assert.Len(t, f.surface.Plays(), plays, "disabled controller must not play")
		})
	}
}

func TestController_EnableIdempotent(t *testing.T) {
	f := newFixture(t, botDetail())
	ctx := context.Background()

	f.ctrl.Dispatch(ctx, playback.Activate())
	f.ctrl.Dispatch(ctx, playback.Enable())
	assert.Len(t, f.surface.Plays(), 1, "enable on an enabled controller is a no-op")

	f.ctrl.Dispatch(ctx, playback.Disable())
	assert.Equal(t, playback.StateIdleLoop, f.ctrl.Dispatch(ctx, playback.Enable()))
	plays := len(f.surface.Plays())
	f.ctrl.Dispatch(ctx, playback.Enable())
	assert.Len(t, f.surface.Plays(), plays)
	assert.False(t, f.ctrl.Disabled())
}

func TestController_ActivateHonoursAvatarToggle(t *testing.T) {
	f := newFixture(t, botDetail())
	require.NoError(t, f.sess.SetAvatarEnabled(false))

	assert.Equal(t, playback.StateIdleImage, f.ctrl.Dispatch(context.Background(), playback.Activate()))
	assert.True(t, f.ctrl.Disabled())
	assert.Empty(t, f.surface.Plays())
}

func TestController_RefreshesOnceThenGivesUp(t *testing.T) {
	f := newFixture(t, botDetail())
	f.surface.PlayErr = func(m playback.Media) error { return errors.New("403 expired") }

	state := f.ctrl.Dispatch(context.Background(), playback.Activate())

	assert.Equal(t, playback.StateIdleImage, state)
	assert.Len(t, f.surface.Plays(), 2, "one original attempt and one retry")
	assert.Equal(t, 1, f.fetcher.Calls())
	assert.Equal(t, base+"/static/maria.png", f.surface.Image())
	assert.Empty(t, f.ctrl.Current())
}

func TestController_RefreshRecovers(t *testing.T) {
	f := newFixture(t, botDetail())
	fresh := botDetail()
	fresh.VideoGreetingPath = "/media/greeting.mp4?sig=2"
	f.fetcher.Set(3, fresh)
	f.surface.PlayErr = func(m playback.Media) error {
		if strings.HasSuffix(m.URL, "sig=1") {
			return errors.New("expired")
		}
		return nil
	}

	assert.Equal(t, playback.StateGreeting, f.ctrl.Dispatch(context.Background(), playback.Activate()))
	assert.Equal(t, base+"/media/greeting.mp4?sig=2", f.ctrl.Current())
	assert.Equal(t, "/media/greeting.mp4?sig=2", f.sess.Asset(session.AssetGreeting))
}

func TestController_AutoplayRetriesMuted(t *testing.T) {
	f := newFixture(t, botDetail())
	f.surface.PlayErr = func(m playback.Media) error {
		if !m.Muted {
			return playback.ErrAutoplayBlocked
		}
		return nil
	}

	assert.Equal(t, playback.StateGreeting, f.ctrl.Dispatch(context.Background(), playback.Activate()))
	plays := f.surface.Plays()
	require.Len(t, plays, 2)
	assert.False(t, plays[0].Muted)
	assert.True(t, plays[1].Muted)
	assert.Zero(t, f.fetcher.Calls(), "autoplay policy is not an expired URL")
}

func TestController_AutoplayBlockedEvenMutedShowsImage(t *testing.T) {
	f := newFixture(t, botDetail())
	f.surface.PlayErr = func(m playback.Media) error {
		if !m.Muted {
			return playback.ErrAutoplayBlocked
		}
		return errors.New("still blocked")
	}

	assert.Equal(t, playback.StateIdleImage, f.ctrl.Dispatch(context.Background(), playback.Activate()))
	assert.Len(t, f.surface.Plays(), 2)
	assert.Zero(t, f.fetcher.Calls())
}

func TestController_FaqQueuedReadyIdle(t *testing.T) {
	f := newFixture(t, botDetail())
	ctx := context.Background()
	f.ctrl.Dispatch(ctx, playback.Activate())
	f.ctrl.Dispatch(ctx, playback.Ended(f.ctrl.Current()))

	assert.Equal(t, playback.StateFaqPending, f.ctrl.Dispatch(ctx, playback.FaqPending(12)))
	assert.True(t, f.surface.Spinner())
	assert.Equal(t, base+"/static/maria.png", f.surface.Image())
	assert.Equal(t, 12, f.watcher.FaqID())
	assert.Equal(t, 12, f.ctrl.PendingFAQ())

	f.watcher.Finish(backend.StatusReady, "/stream/faq/12?sig=a")

	assert.Equal(t, playback.StateFaqReactive, f.ctrl.State())
	assert.False(t, f.surface.Spinner())
	assert.Equal(t, base+"/stream/faq/12?sig=a", f.ctrl.Current())
	assert.Equal(t, 1, f.watcher.Stops())

	assert.Equal(t, playback.StateIdleLoop, f.ctrl.Dispatch(ctx, playback.Ended(base+"/stream/faq/12?sig=a")))
}

func TestController_FaqFailedReturnsToIdle(t *testing.T) {
	f := newFixture(t, botDetail())
	ctx := context.Background()

	f.ctrl.Dispatch(ctx, playback.FaqPending(12))
	f.watcher.Finish(backend.StatusFailed, "")

	assert.Equal(t, playback.StateIdleLoop, f.ctrl.State())
	assert.False(t, f.surface.Spinner())
	assert.Zero(t, f.ctrl.PendingFAQ())
}

func TestController_StaleWatchResultDropped(t *testing.T) {
	f := newFixture(t, botDetail())
	ctx := context.Background()

	f.ctrl.Dispatch(ctx, playback.FaqPending(12))
	f.ctrl.Dispatch(ctx, playback.Activate())
	require.Equal(t, playback.StateGreeting, f.ctrl.State())

	f.watcher.Finish(backend.StatusReady, "/stream/faq/12")
	assert.Equal(t, playback.StateGreeting, f.ctrl.State(), "result for an abandoned wait is ignored")
}

func TestController_FaqReadyResolvesStream(t *testing.T) {
	f := newFixture(t, botDetail())
	ctx := context.Background()

	f.faq.Statuses[5] = &backend.FAQVideoStatus{Success: true, FaqID: 5, VideoStatus: backend.StatusReady, StreamURL: "/stream/faq/5?sig=z"}
	assert.Equal(t, playback.StateFaqReactive, f.ctrl.Dispatch(ctx, playback.FaqReady(5, "")))
	assert.Equal(t, base+"/stream/faq/5?sig=z", f.ctrl.Current())

	assert.Equal(t, playback.StateFaqReactive, f.ctrl.Dispatch(ctx, playback.FaqReady(6, "")))
	assert.Equal(t, base+backend.FAQVideoURL(6), f.ctrl.Current(), "falls back to the raw route")
}

func TestController_ReactionNeedsCachedAsset(t *testing.T) {
	f := newFixture(t, botDetail())
	ctx := context.Background()
	f.ctrl.Dispatch(ctx, playback.Activate())
	f.ctrl.Dispatch(ctx, playback.Ended(f.ctrl.Current()))

	assert.Equal(t, playback.StateIdleLoop, f.ctrl.Dispatch(ctx, playback.Reaction(session.AssetNegative)))
	assert.Equal(t, playback.StateIdleLoop, f.ctrl.Dispatch(ctx, playback.Reaction("bogus")))

	require.NoError(t, f.sess.SetMuted(true))
	assert.Equal(t, playback.StateAuxReactive, f.ctrl.Dispatch(ctx, playback.Reaction(session.AssetPositive)))
	cur := f.surface.Current()
	require.NotNil(t, cur)
	assert.True(t, cur.Muted, "reactive clips follow the mute preference")
	assert.InDelta(t, 1.0, cur.Rate, 1e-9)
}

func TestController_RestartReplaysGreeting(t *testing.T) {
	f := newFixture(t, botDetail())
	ctx := context.Background()
	f.ctrl.Dispatch(ctx, playback.Activate())
	f.ctrl.Dispatch(ctx, playback.Ended(f.ctrl.Current()))

	assert.Equal(t, playback.StateGreeting, f.ctrl.Dispatch(ctx, playback.Restart()))

	f.ctrl.Dispatch(ctx, playback.Disable())
	f.ctrl.Dispatch(ctx, playback.Restart())
	assert.False(t, f.ctrl.HasPlayedGreeting())
	assert.Equal(t, playback.StateIdleImage, f.ctrl.State(), "restart while disabled does not play")
}

func TestController_EndedFetchesMissingIdle(t *testing.T) {
	detail := botDetail()
	f := newFixture(t, detail)
	ctx := context.Background()
	f.ctrl.Dispatch(ctx, playback.Activate())
	require.NoError(t, f.sess.SetAsset(session.AssetIdle, ""))

	assert.Equal(t, playback.StateIdleLoop, f.ctrl.Dispatch(ctx, playback.Ended(f.ctrl.Current())))
	assert.Equal(t, 1, f.fetcher.Calls())
}

func TestController_MuteAppliesToReactiveOnly(t *testing.T) {
	f := newFixture(t, botDetail())
	ctx := context.Background()
	f.ctrl.Dispatch(ctx, playback.Activate())

	f.ctrl.SetMuted(ctx, true)
	assert.True(t, f.surface.Muted())
}

func TestTransitionTable(t *testing.T) {
	for _, s := range playback.AllStates {
		assert.True(t, playback.Allowed(s, playback.EventDisable), s)
		assert.True(t, playback.Allowed(s, playback.EventFaqPending), s)
	}
	assert.False(t, playback.Allowed(playback.StateIdleLoop, playback.EventEnded))
	assert.False(t, playback.Allowed(playback.StateIdleImage, playback.EventFaqGone))
	assert.True(t, playback.Allowed(playback.StateGreeting, playback.EventEnded))
}
