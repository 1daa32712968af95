package poller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/poller"
	"github.com/normanking/avatarchat/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 20 * time.Millisecond

func job(status, kind string, progress, botID, faqID int) map[string]any {
	return map[string]any{
		"success": true,
		"job": map[string]any{
			"status": status, "kind": kind, "progress": progress,
			"chatbot_id": botID, "faq_id": faqID,
		},
	}
}

func ok(body any) testutil.Response { return testutil.Response{Status: http.StatusOK, Body: body} }

type finished struct {
	mu   sync.Mutex
	jobs []*backend.Job
}

func (f *finished) handle(j *backend.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
}

func (f *finished) all() []*backend.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*backend.Job(nil), f.jobs...)
}

func newPoller(t *testing.T) (*poller.Poller, *testutil.Backend, *testutil.FakeIndicator, *finished) {
	t.Helper()
	be := testutil.NewBackend(t)
	be.JSON(http.MethodGet, "/chatbots/3", map[string]any{"success": true, "nome": "Maria"})
	ind := &testutil.FakeIndicator{}
	sess := testutil.NewSession(t, nil)
	p := poller.New(&poller.Config{FAQInterval: tick, BackgroundInterval: tick}, be.Client(), sess, ind, nil, zerolog.Nop())
	fin := &finished{}
	p.SetFinishedHandler(fin.handle)
	t.Cleanup(func() { p.Stop(context.Background()) })
	return p, be, ind, fin
}

func TestPoller_ReadyStopsWithinOneTick(t *testing.T) {
	p, be, ind, fin := newPoller(t)
	be.Reply(http.MethodGet, "/video/status",
		ok(job("processing", "chatbot", 40, 3, 0)),
		ok(job("ready", "chatbot", 100, 3, 0)),
	)

	require.True(t, p.Poll(context.Background(), poller.KindChatbot, 3))

	require.Eventually(t, func() bool { return !p.Active() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, be.Hits(http.MethodGet, "/video/status"))
	assert.False(t, ind.Visible())

	last, shown := ind.Last()
	require.True(t, shown)
	assert.Equal(t, 40, last.Percent)
	assert.Equal(t, "A gerar vídeo... (Maria — Vídeos)", last.Text)

	jobs := fin.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, backend.StatusReady, jobs[0].Status)

	time.Sleep(3 * tick)
	assert.Equal(t, 2, be.Hits(http.MethodGet, "/video/status"), "no ticks after terminal status")
}

func TestPoller_NotFoundStops(t *testing.T) {
	p, be, _, fin := newPoller(t)
	be.Reply(http.MethodGet, "/video/status", testutil.Response{Status: http.StatusNotFound, Body: map[string]any{"success": false}})

	require.True(t, p.Poll(context.Background(), poller.KindFAQ, 8))

	require.Eventually(t, func() bool { return !p.Active() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, be.Hits(http.MethodGet, "/video/status"))
	jobs := fin.all()
	require.Len(t, jobs, 1)
	assert.Nil(t, jobs[0])
}

func TestPoller_SecondPollIsNoop(t *testing.T) {
	p, be, _, _ := newPoller(t)
	be.JSON(http.MethodGet, "/video/status", job("processing", "chatbot", 10, 3, 0))

	require.True(t, p.Poll(context.Background(), poller.KindChatbot, 3))
	assert.False(t, p.Poll(context.Background(), poller.KindChatbot, 4))
	assert.Equal(t, 1, p.Task().Runs())

	kind, target := p.Target()
	assert.Equal(t, poller.KindChatbot, kind)
	assert.Equal(t, 3, target)
}

func TestPoller_ErrorHidesIndicatorAndKeepsPolling(t *testing.T) {
	p, be, ind, _ := newPoller(t)
	be.Reply(http.MethodGet, "/video/status",
		testutil.Response{Status: http.StatusInternalServerError, Body: "<html>oops</html>"},
		ok(job("queued", "chatbot", 0, 3, 0)),
	)

	require.True(t, p.Poll(context.Background(), poller.KindChatbot, 3))

	require.Eventually(t, func() bool { return ind.Visible() }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Active())
	last, _ := ind.Last()
	assert.Equal(t, 5, last.Percent, "progress is clamped for display")
}

func TestPoller_CancelStopsRegardlessOfOutcome(t *testing.T) {
	p, be, ind, _ := newPoller(t)
	be.JSON(http.MethodGet, "/video/status", job("processing", "chatbot", 50, 3, 0))
	be.Reply(http.MethodPost, "/video/cancel", testutil.Response{Status: http.StatusInternalServerError, Body: map[string]any{"success": false}})

	require.True(t, p.Poll(context.Background(), poller.KindChatbot, 3))
	_, err := p.Cancel(context.Background())

	assert.Error(t, err)
	assert.False(t, p.Active())
	assert.False(t, ind.Visible())
	reqs := be.Requests(http.MethodPost, "/video/cancel")
	require.Len(t, reqs, 1)
	assert.Equal(t, true, reqs[0]["delete_chatbot"])
}

func TestPoller_CancelFAQKeepsBot(t *testing.T) {
	p, be, _, _ := newPoller(t)
	be.JSON(http.MethodGet, "/video/status", job("processing", "faq", 50, 3, 9))
	be.JSON(http.MethodPost, "/video/cancel", map[string]any{"success": true, "kind": "faq"})

	msg, del := p.CancelPrompt(context.Background())
	assert.Equal(t, poller.CancelFAQPrompt, msg)
	assert.False(t, del)

	res, err := p.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "faq", res.Kind)
	assert.Equal(t, false, be.Requests(http.MethodPost, "/video/cancel")[0]["delete_chatbot"])
}

func TestPoller_ResumeClearsStaleFlag(t *testing.T) {
	be := testutil.NewBackend(t)
	be.JSON(http.MethodGet, "/video/status", job("idle", "", 0, 0, 0))
	sess := testutil.NewSession(t, nil)
	require.NoError(t, sess.SetPolling(true))
	p := poller.New(&poller.Config{BackgroundInterval: tick}, be.Client(), sess, &testutil.FakeIndicator{}, nil, zerolog.Nop())

	assert.False(t, p.Resume(context.Background()))
	assert.False(t, sess.Polling())
	assert.False(t, p.Active())
	assert.Equal(t, 1, be.Hits(http.MethodGet, "/video/status"))
}

func TestPoller_ResumeLiveJob(t *testing.T) {
	p, be, ind, _ := newPoller(t)
	be.JSON(http.MethodGet, "/video/status", job("processing", "faq", 30, 3, 9))
	be.JSON(http.MethodGet, "/faqs/9", map[string]any{"success": true, "faq": map[string]any{"faq_id": 9, "chatbot_id": 3, "identificador": "HOR-01"}})

	require.True(t, p.Resume(context.Background()))
	require.Eventually(t, ind.Visible, time.Second, 5*time.Millisecond)
	last, _ := ind.Last()
	assert.Equal(t, "A gerar vídeo... (Maria — FAQ: HOR-01)", last.Text)
	kind, target := p.Target()
	assert.Equal(t, poller.KindFAQ, kind)
	assert.Equal(t, 9, target)
}

func TestPoller_QueueBusyShowsModal(t *testing.T) {
	p, be, ind, _ := newPoller(t)
	be.Reply(http.MethodPost, "/video/queue", testutil.Response{Status: http.StatusConflict, Body: map[string]any{"success": false}})

	err := p.Queue(context.Background(), 9)

	assert.ErrorIs(t, err, backend.ErrBusy)
	assert.Equal(t, []string{poller.BusyMessage}, ind.Modals())
	assert.False(t, p.Active())
}

func TestPoller_QueueStartsPolling(t *testing.T) {
	p, be, _, _ := newPoller(t)
	be.JSON(http.MethodPost, "/video/queue", map[string]any{"success": true})
	be.JSON(http.MethodGet, "/video/status", job("queued", "faq", 0, 3, 9))

	require.NoError(t, p.Queue(context.Background(), 9))
	assert.True(t, p.Active())
	assert.Equal(t, float64(9), be.Requests(http.MethodPost, "/video/queue")[0]["faq_id"])
}

func TestPoller_CancelDuringTickKeepsIndicatorHidden(t *testing.T) {
	be := testutil.NewBackend(t)
	be.JSON(http.MethodGet, "/chatbots/3", map[string]any{"success": true, "nome": "Maria"})
	be.JSON(http.MethodPost, "/video/cancel", map[string]any{"success": true, "kind": "chatbot"})

	var (
		mu      sync.Mutex
		calls   int
		started = make(chan struct{})
		release = make(chan struct{})
		once    sync.Once
	)
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	be.Handle(http.MethodGet, "/video/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			close(started)
			<-release
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(job("processing", "chatbot", 60, 3, 0))
	})

	ind := &testutil.FakeIndicator{}
	sess := testutil.NewSession(t, nil)
	p := poller.New(&poller.Config{BackgroundInterval: tick}, be.Client(), sess, ind, nil, zerolog.Nop())
	fin := &finished{}
	p.SetFinishedHandler(fin.handle)

	require.True(t, p.Poll(context.Background(), poller.KindChatbot, 3))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("second status check never started")
	}

	_, err := p.Cancel(context.Background())
	require.NoError(t, err)
	assert.False(t, ind.Visible())

	once.Do(func() { close(release) })
	time.Sleep(5 * tick)

	assert.False(t, p.Active())
	assert.False(t, ind.Visible(), "a status fetched before cancel must not re-show the indicator")
	assert.False(t, sess.Polling())
	assert.Empty(t, fin.all())
}

func TestPoller_FirstTickIdleStopsSilently(t *testing.T) {
	be := testutil.NewBackend(t)
	be.JSON(http.MethodGet, "/video/status", job("idle", "", 0, 0, 0))
	sess := testutil.NewSession(t, nil)
	ind := &testutil.FakeIndicator{}
	p := poller.New(&poller.Config{BackgroundInterval: tick}, be.Client(), sess, ind, nil, zerolog.Nop())
	fin := &finished{}
	p.SetFinishedHandler(fin.handle)

	require.True(t, p.Poll(context.Background(), poller.KindFAQ, 9))
	require.Eventually(t, func() bool { return !p.Active() }, time.Second, 5*time.Millisecond)

	assert.Empty(t, fin.all(), "no finished callback for a job that never ran")
	assert.False(t, sess.Polling())
	assert.False(t, ind.Visible())
	assert.Equal(t, 1, be.Hits(http.MethodGet, "/video/status"))
}

func TestPoller_RejectedPollLeavesFlagAlone(t *testing.T) {
	p, be, _, _ := newPoller(t)
	be.JSON(http.MethodGet, "/video/status", job("processing", "chatbot", 10, 3, 0))

	require.True(t, p.Poll(context.Background(), poller.KindChatbot, 3))
	require.False(t, p.Poll(context.Background(), poller.KindFAQ, 9))

	kind, target := p.Target()
	assert.Equal(t, poller.KindChatbot, kind)
	assert.Equal(t, 3, target)
	assert.True(t, p.Active(), "a rejected poll does not disturb the running one")
}

func TestJobLabel_TruncatesQuestion(t *testing.T) {
	be := testutil.NewBackend(t)
	question := strings.Repeat("a", 60)
	be.JSON(http.MethodGet, "/faqs/9", map[string]any{"success": true, "faq": map[string]any{"faq_id": 9, "pergunta": question}})

	label := poller.JobLabel(context.Background(), be.Client(), &backend.Job{Kind: "faq", FaqID: 9, ChatbotID: 4})

	assert.Equal(t, "Chatbot 4 — FAQ: "+strings.Repeat("a", 48)+"...", label)
}

func TestClampProgress(t *testing.T) {
	for in, want := range map[int]int{-3: 5, 0: 5, 5: 5, 42: 42, 100: 100, 180: 100} {
		assert.Equal(t, want, poller.ClampProgress(in), in)
	}
}
