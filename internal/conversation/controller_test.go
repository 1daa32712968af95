package conversation_test

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/conversation"
	"github.com/normanking/avatarchat/internal/playback"
	"github.com/normanking/avatarchat/internal/poller"
	"github.com/normanking/avatarchat/internal/session"
	"github.com/normanking/avatarchat/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	askPath     = "/obter-resposta"
	randomPath  = "/faqs-aleatorias"
	similarPath = "/perguntas-semelhantes"
)

type fixture struct {
	be       *testutil.Backend
	client   *backend.Client
	sess     *session.Session
	avatar   *testutil.FakeAvatar
	renderer *testutil.FakeRenderer
	ctrl     *conversation.Controller
}

func newFixture(t *testing.T, mutate func(cfg *conversation.Config)) *fixture {
	t.Helper()
	f := &fixture{
		be:       testutil.NewBackend(t),
		avatar:   &testutil.FakeAvatar{},
		renderer: &testutil.FakeRenderer{},
	}
	f.client = f.be.Client()
	f.sess = testutil.NewSession(t, f.client)

	f.be.JSON(http.MethodGet, "/chatbots", []map[string]any{
		{"chatbot_id": 3, "nome": "Maria", "ativo": true, "genero": "f"},
		{"chatbot_id": 7, "nome": "Rui", "genero": "m"},
	})
	f.be.JSON(http.MethodGet, "/chatbots/3", map[string]any{
		"success": true, "nome": "Maria", "cor": "#aa0000", "icon": "/static/maria.png", "genero": "f",
	})
	f.be.JSON(http.MethodGet, "/chatbots/7", map[string]any{
		"success": true, "nome": "Rui", "cor": "#0000aa", "icon": "/static/rui.png", "genero": "m",
	})
	f.be.JSON(http.MethodPost, randomPath, map[string]any{
		"success": true,
		"faqs":    []map[string]any{{"pergunta": "Onde fica a câmara?"}, {"pergunta": "Como pagar a água?"}},
	})

	cfg := conversation.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	f.ctrl = conversation.NewController(cfg, f.client, f.sess, f.avatar, f.renderer, nil, zerolog.Nop())
	t.Cleanup(f.ctrl.Shutdown)
	return f
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	f.ctrl.Open(context.Background())
}

func TestController_OpenPresentsActiveBot(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	assert.Equal(t, 3, f.sess.ActiveBotID())
	texts := f.renderer.Texts()
	require.Len(t, texts, 2)
	assert.Equal(t, conversation.PrivacyNotice, texts[0])
	assert.Contains(t, texts[1], "Eu sou a Maria, a sua assistente virtual.")

	greeting := f.renderer.LastMessage()
	assert.Equal(t, 3, greeting.BotID)
	assert.Equal(t, "Maria", greeting.Author)
	assert.Equal(t, "#aa0000", greeting.Color)

	suggestions := f.renderer.Suggestions()
	require.Len(t, suggestions, 1)
	assert.Equal(t, "random", suggestions[0].Kind)
	assert.Equal(t, conversation.RandomFAQsTitle, suggestions[0].Title)
	assert.Len(t, suggestions[0].Questions, 2)
	assert.Equal(t, []playback.EventType{playback.EventRestart}, f.avatar.Types())

	// Reopening the same bot does not replay the opening sequence.
	assert.False(t, f.ctrl.Open(context.Background()))
	assert.Len(t, f.renderer.Texts(), 2)
	assert.Equal(t, 1, f.be.Hits(http.MethodPost, randomPath))
}

func TestController_EmbedBotWins(t *testing.T) {
	f := newFixture(t, func(cfg *conversation.Config) { cfg.EmbedChatbotID = 7 })
	f.open(t)

	assert.Equal(t, 7, f.sess.ActiveBotID())
	assert.Equal(t, "Rui", f.renderer.LastMessage().Author)
}

func TestController_AskValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	assert.ErrorIs(t, f.ctrl.Ask(context.Background(), "   "), conversation.ErrValidation)
	assert.Equal(t, 0, f.be.Hits(http.MethodPost, askPath))
}

func TestController_AskWithoutBot(t *testing.T) {
	f := newFixture(t, nil)
	f.be.JSON(http.MethodGet, "/chatbots", []map[string]any{})
	f.open(t)

	err := f.ctrl.Ask(context.Background(), "Olá")
	assert.ErrorIs(t, err, session.ErrNoActiveBot)
	assert.True(t, conversation.IsRejection(err))
	assert.Equal(t, conversation.NoActiveBotText, f.renderer.LastMessage().Text)
	assert.Equal(t, 0, f.be.Hits(http.MethodPost, askPath))
}

func TestController_AnswerWithFeedbackPrompt(t *testing.T) {
	f := newFixture(t, nil)
	f.be.JSON(http.MethodPost, askPath, map[string]any{
		"success":    true,
		"resposta":   "O balcão abre às <b>9h</b>.",
		"documentos": []string{"/docs/horarios.pdf"},
		"faq_idioma": "EN",
	})
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ask(ctx, "Quando abre o balcão?"))

	assert.Equal(t, conversation.StateAwaitingFeedback, f.ctrl.State())
	msg := f.renderer.LastMessage()
	assert.Equal(t, conversation.RoleBot, msg.Role)
	assert.True(t, msg.HTML)
	assert.True(t, msg.Feedback)
	assert.Equal(t, "/docs/horarios.pdf", msg.SourceURL)
	assert.NotEmpty(t, msg.TurnID)

	prompts := f.renderer.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, msg.TurnID, prompts[0].TurnID)
	assert.Equal(t, "Was your issue resolved?", prompts[0].Text)

	req := f.be.Requests(http.MethodPost, askPath)[0]
	assert.Equal(t, "Quando abre o balcão?", req["pergunta"])
	assert.EqualValues(t, 3, req["chatbot_id"])
	assert.Equal(t, backend.SourceFAQ, req["fonte"])
	assert.Equal(t, "pt", req["idioma"])
}

func TestController_GreetingAnswerSkipsFeedback(t *testing.T) {
	f := newFixture(t, nil)
	f.be.JSON(http.MethodPost, askPath, map[string]any{
		"success":      true,
		"resposta":     "Olá! Em que posso ajudar?",
		"pergunta_faq": "Bom dia",
	})
	f.open(t)

	require.NoError(t, f.ctrl.Ask(context.Background(), "bom dia!"))

	assert.Empty(t, f.renderer.Prompts())
	assert.False(t, f.renderer.LastMessage().Feedback)
	assert.Equal(t, conversation.StateIdle, f.ctrl.State())
}

func TestController_NetworkError(t *testing.T) {
	f := newFixture(t, nil)
	f.be.Reply(http.MethodPost, askPath, testutil.Response{Status: http.StatusBadGateway, Body: "<html>bad gateway</html>"})
	f.open(t)

	require.NoError(t, f.ctrl.Ask(context.Background(), "Quanto custa?"))
	assert.Equal(t, conversation.NetworkText, f.renderer.LastMessage().Text)
	assert.Equal(t, conversation.StateIdle, f.ctrl.State())
}

func TestController_NoAnswerPlaysReaction(t *testing.T) {
	f := newFixture(t, nil)
	f.be.JSON(http.MethodPost, askPath, map[string]any{"success": false, "no_answer": true})
	f.open(t)

	require.NoError(t, f.ctrl.Ask(context.Background(), "Pergunta estranha"))

	assert.Equal(t, conversation.NoAnswerText, f.renderer.LastMessage().Text)
	events := f.avatar.Events()
	last := events[len(events)-1]
	assert.Equal(t, playback.EventReaction, last.Type)
	assert.Equal(t, session.AssetNoAnswer, last.Kind)
}

func TestController_RagOfferRejectsQuestions(t *testing.T) {
	f := newFixture(t, nil)
	f.be.Reply(http.MethodPost, askPath,
		testutil.Response{Status: http.StatusOK, Body: map[string]any{"success": false, "prompt_rag": true}},
		testutil.Response{Status: http.StatusOK, Body: map[string]any{"success": true, "resposta": "A biblioteca abre às 10h."}},
	)
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ask(ctx, "Qual o horário da biblioteca?"))
	assert.Equal(t, conversation.StateAwaitingRagConfirmation, f.ctrl.State())
	assert.True(t, f.ctrl.RagPending())
	offers := f.renderer.Offers()
	require.Len(t, offers, 1)
	assert.Equal(t, conversation.RagOfferText, offers[0].Text)
	assert.Equal(t, conversation.RagOfferHint, offers[0].Hint)

	// A new question while the offer is pending never reaches the backend.
	err := f.ctrl.Ask(ctx, "Outra pergunta")
	assert.ErrorIs(t, err, conversation.ErrRagPending)
	assert.Equal(t, conversation.RagPendingText, f.renderer.LastMessage().Text)
	assert.Equal(t, 1, f.be.Hits(http.MethodPost, askPath))

	require.NoError(t, f.ctrl.ConfirmRag(ctx))
	require.Equal(t, 2, f.be.Hits(http.MethodPost, askPath))
	retry := f.be.Requests(http.MethodPost, askPath)[1]
	assert.Equal(t, "Qual o horário da biblioteca?", retry["pergunta"])
	assert.Equal(t, backend.SourceFAQRAG, retry["fonte"])
	assert.Equal(t, backend.FeedbackRetry, retry["feedback"])

	assert.Equal(t, "A biblioteca abre às 10h.", f.renderer.LastMessage().Text)
	assert.Equal(t, conversation.StateAnswerRendered, f.ctrl.State())
	assert.False(t, f.ctrl.RagPending())
	assert.ErrorIs(t, f.ctrl.ConfirmRag(ctx), conversation.ErrNoRagPending)
}

func TestController_LegacyRagPhrase(t *testing.T) {
	f := newFixture(t, nil)
	f.be.JSON(http.MethodPost, askPath, map[string]any{
		"success": false,
		"erro":    "Pergunta não encontrada. Deseja tentar encontrar uma resposta nos documentos PDF?",
	})
	f.open(t)

	require.NoError(t, f.ctrl.Ask(context.Background(), "Regulamento do estacionamento"))
	assert.True(t, f.ctrl.RagPending())
}

func TestController_RagFailureStillRendered(t *testing.T) {
	f := newFixture(t, nil)
	f.be.Reply(http.MethodPost, askPath,
		testutil.Response{Status: http.StatusOK, Body: map[string]any{"success": false, "prompt_rag": true}},
		testutil.Response{Status: http.StatusOK, Body: map[string]any{"success": false}},
	)
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ask(ctx, "Taxas do mercado"))
	require.NoError(t, f.ctrl.ConfirmRag(ctx))
	assert.Equal(t, conversation.RagNoAnswerText, f.renderer.LastMessage().Text)
	assert.Equal(t, conversation.StateAnswerRendered, f.ctrl.State())
}

func TestController_RagOfferExpires(t *testing.T) {
	f := newFixture(t, func(cfg *conversation.Config) { cfg.RagTimeout = 30 * time.Millisecond })
	f.be.JSON(http.MethodPost, askPath, map[string]any{"success": false, "prompt_rag": true})
	f.open(t)

	require.NoError(t, f.ctrl.Ask(context.Background(), "Licenças"))
	require.True(t, f.ctrl.RagPending())
	assert.Eventually(t, func() bool { return !f.ctrl.RagPending() }, time.Second, 10*time.Millisecond)
	assert.Equal(t, conversation.StateIdle, f.ctrl.State())
}

func TestController_FeedbackAtMostOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.be.JSON(http.MethodPost, askPath, map[string]any{
		"success":       true,
		"resposta":      "Pode pagar no balcão.",
		"faq_id":        12,
		"video_enabled": true,
		"pergunta_faq":  "Como pagar a água?",
	})
	f.be.JSON(http.MethodPost, similarPath, map[string]any{"success": true, "sugestoes": []string{"Como pedir segunda via?"}})
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ask(ctx, "Como pago a água?"))
	turnID := f.renderer.LastMessage().TurnID

	require.NoError(t, f.ctrl.Feedback(ctx, turnID, true))
	assert.Equal(t, "Fico contente por ter ajudado.", f.renderer.LastMessage().Text)
	assert.False(t, f.renderer.LastMessage().Feedback)

	events := f.avatar.Events()
	last := events[len(events)-1]
	assert.Equal(t, playback.EventReaction, last.Type)
	assert.Equal(t, session.AssetPositive, last.Kind)

	similar := f.be.Requests(http.MethodPost, similarPath)
	require.Len(t, similar, 1)
	assert.Equal(t, "Como pagar a água?", similar[0]["pergunta"])
	suggestions := f.renderer.Suggestions()
	assert.Equal(t, "similar", suggestions[len(suggestions)-1].Kind)

	assert.ErrorIs(t, f.ctrl.Feedback(ctx, turnID, false), conversation.ErrFeedbackGiven)
	assert.ErrorIs(t, f.ctrl.Feedback(ctx, "missing", false), conversation.ErrUnknownTurn)
	assert.Equal(t, 1, f.be.Hits(http.MethodPost, similarPath))

	turn, ok := f.ctrl.History().Get(turnID)
	require.True(t, ok)
	assert.Equal(t, conversation.FeedbackPositive, turn.Feedback)
}

func TestController_NegativeFeedbackWithoutVideo(t *testing.T) {
	f := newFixture(t, nil)
	f.be.JSON(http.MethodPost, askPath, map[string]any{"success": true, "resposta": "Consulte o site."})
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ask(ctx, "Onde vejo as obras?"))
	before := len(f.avatar.Events())
	require.NoError(t, f.ctrl.Feedback(ctx, f.renderer.LastMessage().TurnID, false))

	assert.Len(t, f.avatar.Events(), before)
	assert.Equal(t, 1, f.be.Hits(http.MethodPost, similarPath))
	assert.Equal(t, conversation.StateIdle, f.ctrl.State())
}

func TestController_SwitchBotReplaysOpening(t *testing.T) {
	f := newFixture(t, nil)
	f.be.JSON(http.MethodPost, askPath, map[string]any{"success": true, "resposta": "Resposta."})
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ask(ctx, "Pergunta para a Maria"))
	require.Equal(t, 1, f.ctrl.History().Len())

	switched, err := f.ctrl.SwitchBot(ctx, 7)
	require.NoError(t, err)
	assert.True(t, switched)

	assert.Equal(t, 0, f.ctrl.History().Len())
	texts := f.renderer.Texts()
	require.Len(t, texts, 2)
	assert.Equal(t, conversation.PrivacyNotice, texts[0])
	assert.Contains(t, texts[1], "Eu sou o Rui, o seu assistente virtual.")
	greeting := f.renderer.LastMessage()
	assert.Equal(t, 7, greeting.BotID)
	assert.Equal(t, "Rui", greeting.Author)
	assert.Equal(t, "/static/rui.png", greeting.Icon)

	random := f.be.Requests(http.MethodPost, randomPath)
	assert.EqualValues(t, 7, random[len(random)-1]["chatbot_id"])
	assert.Equal(t, []playback.EventType{playback.EventRestart, playback.EventRestart}, f.avatar.Types())

	switched, err = f.ctrl.SwitchBot(ctx, 7)
	require.NoError(t, err)
	assert.False(t, switched)
}

func TestController_SwitchClearsRagOffer(t *testing.T) {
	f := newFixture(t, nil)
	f.be.JSON(http.MethodPost, askPath, map[string]any{"success": false, "prompt_rag": true})
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ask(ctx, "Documentos"))
	require.True(t, f.ctrl.RagPending())
	_, err := f.ctrl.SwitchBot(ctx, 7)
	require.NoError(t, err)
	assert.False(t, f.ctrl.RagPending())
}

func TestController_RestartForcesOpening(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	f.ctrl.Restart(context.Background())
	assert.Equal(t, 2, f.renderer.Clears())
	assert.Equal(t, 2, f.be.Hits(http.MethodPost, randomPath))
	assert.Len(t, f.renderer.Texts(), 2)
}

func TestController_NudgeThenAutoClose(t *testing.T) {
	f := newFixture(t, func(cfg *conversation.Config) {
		cfg.NudgeAfter = 30 * time.Millisecond
		cfg.AutoCloseAfter = 30 * time.Millisecond
	})
	var closed atomic.Int32
	f.ctrl.SetAutoCloseHandler(func() { closed.Add(1) })
	f.open(t)

	assert.Eventually(t, func() bool {
		return f.renderer.LastMessage().Text == conversation.NudgeText
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return closed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, f.ctrl.IsOpen())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), closed.Load())
}

func TestController_ActivityDelaysNudge(t *testing.T) {
	f := newFixture(t, func(cfg *conversation.Config) {
		cfg.NudgeAfter = 80 * time.Millisecond
		cfg.AutoCloseAfter = time.Hour
	})
	f.be.JSON(http.MethodPost, askPath, map[string]any{"success": true, "resposta": "Ok."})
	f.open(t)
	ctx := context.Background()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.ctrl.Ask(ctx, "Ainda aqui"))
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, f.renderer.Texts(), conversation.NudgeText)

	assert.Eventually(t, func() bool {
		return f.renderer.LastMessage().Text == conversation.NudgeText
	}, time.Second, 5*time.Millisecond)
}

func TestController_CloseCancelsNudge(t *testing.T) {
	f := newFixture(t, func(cfg *conversation.Config) { cfg.NudgeAfter = 20 * time.Millisecond })
	f.open(t)
	f.ctrl.Close(context.Background())

	time.Sleep(80 * time.Millisecond)
	assert.NotContains(t, f.renderer.Texts(), conversation.NudgeText)
}

func TestController_FaqVideoEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.be.JSON(http.MethodGet, "/chatbots/3", map[string]any{
		"success": true, "nome": "Maria", "genero": "f",
		"video_idle_path": "/media/idle.mp4?sig=1",
	})
	f.be.JSON(http.MethodPost, askPath, map[string]any{
		"success":       true,
		"resposta":      "A recolha é às terças.",
		"faq_id":        12,
		"video_enabled": true,
		"video_status":  "queued",
	})
	f.be.Reply(http.MethodGet, "/video/faq/status/12",
		testutil.Response{Status: http.StatusOK, Body: map[string]any{"success": true, "faq_id": 12, "video_status": "queued"}},
		testutil.Response{Status: http.StatusOK, Body: map[string]any{"success": true, "faq_id": 12, "video_status": "ready", "stream_url": "/stream/12?sig=a"}},
	)

	surface := &testutil.FakeSurface{}
	pcfg := playback.DefaultConfig()
	pcfg.ResolveURL = f.client.ResolveURL
	watcher := poller.NewFAQPoller(f.client, 20*time.Millisecond, zerolog.Nop())
	avatar := playback.NewController(pcfg, surface, f.sess, f.client, watcher, nil, zerolog.Nop())
	t.Cleanup(watcher.Stop)

	ctrl := conversation.NewController(conversation.DefaultConfig(), f.client, f.sess, avatar, f.renderer, nil, zerolog.Nop())
	t.Cleanup(ctrl.Shutdown)
	ctx := context.Background()
	require.True(t, ctrl.Open(ctx))
	require.Equal(t, playback.StateIdleLoop, avatar.State())

	require.NoError(t, ctrl.Ask(ctx, "Quando é a recolha do lixo?"))
	assert.Equal(t, playback.StateFaqPending, avatar.State())
	assert.True(t, surface.Spinner())

	require.Eventually(t, func() bool { return avatar.State() == playback.StateFaqReactive }, 2*time.Second, 10*time.Millisecond)
	clip := surface.Current()
	require.NotNil(t, clip)
	assert.Equal(t, f.be.URL+"/stream/12?sig=a", clip.URL)
	assert.False(t, surface.Spinner())

	assert.Equal(t, playback.StateIdleLoop, avatar.Dispatch(ctx, playback.Ended(clip.URL)))
	assert.Equal(t, f.be.URL+"/media/idle.mp4?sig=1", surface.Current().URL)
}
