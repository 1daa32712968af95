package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/bus"
	"github.com/normanking/avatarchat/internal/metrics"
	"github.com/normanking/avatarchat/internal/playback"
	"github.com/normanking/avatarchat/internal/session"
	"github.com/rs/zerolog"
)

type ragPending struct {
	question string
	botID    int
	language string
	gen      uint64
	timer    *time.Timer
}

// Controller runs the conversation. Every operation holds mu for its whole
// duration, network calls included, so turns never interleave.
type Controller struct {
	config   *Config
	backend  Backend
	sess     *session.Session
	avatar   Avatar
	renderer Renderer
	eventBus *bus.EventBus
	logger   zerolog.Logger
	history  *History
	timers   *inactivity

	mu        sync.Mutex
	state     TurnState
	rag       *ragPending
	ragGen    uint64
	presented bool
	shownBot  int // bot of this controller's last opening sequence
	open      bool

	onAutoClose func()
}

// NewController creates a conversation controller
func NewController(cfg *Config, be Backend, sess *session.Session, avatar Avatar, renderer Renderer, eventBus *bus.EventBus, logger zerolog.Logger) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Controller{
		config:   cfg,
		backend:  be,
		sess:     sess,
		avatar:   avatar,
		renderer: renderer,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "conversation").Logger(),
		history:  NewHistory(cfg.MaxTurns),
		state:    StateIdle,
	}
	c.timers = newInactivity(cfg.NudgeAfter, cfg.AutoCloseAfter, c.nudge, c.autoClose)
	return c
}

// SetAutoCloseHandler sets the callback run when inactivity closes the widget
func (c *Controller) SetAutoCloseHandler(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAutoClose = handler
}

// State returns the turn state
func (c *Controller) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RagPending reports whether a document search offer awaits confirmation
func (c *Controller) RagPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rag != nil
}

// IsOpen reports whether the widget is open
func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// History returns the rendered turns
func (c *Controller) History() *History {
	return c.history
}

func (c *Controller) setState(to TurnState) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Turn state changed")
	c.eventBus.Publish(bus.Event{
		Type: bus.EventTypeTurnStateChanged,
		Data: map[string]any{"from": string(from), "to": string(to)},
	})
}

// Open shows the widget, selecting an active bot when needed and presenting
// it unless it was already presented. It reports whether the opening
// sequence ran.
func (c *Controller) Open(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open = true
	c.ensureActiveBot(ctx)
	presented := c.present(ctx, false)
	c.timers.reset()
	c.eventBus.Publish(bus.Event{Type: bus.EventTypeWidgetOpened, Data: map[string]any{"bot_id": c.sess.ActiveBotID()}})
	return presented
}

// Close hides the widget and cancels the inactivity timers.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Controller) closeLocked() {
	if !c.open {
		return
	}
	c.open = false
	c.timers.stop()
	c.eventBus.Publish(bus.Event{Type: bus.EventTypeWidgetClosed})
	c.logger.Debug().Msg("Widget closed")
}

// SwitchBot makes id the active bot and replays the opening sequence for
// it. Switching to the bot already presented is a no-op.
func (c *Controller) SwitchBot(ctx context.Context, id int) (bool, error) {
	if id <= 0 {
		return false, ErrValidation
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.presented && c.sess.ActiveBotID() == id && c.shownBot == id {
		return false, nil
	}
	if err := c.sess.SetActiveBotID(id); err != nil {
		return false, err
	}
	switched := c.present(ctx, false)
	if switched {
		id := c.sess.Identity()
		c.logger.Info().Int("chatbot_id", id.ID).Str("name", id.Name).Msg("Switched chatbot")
		c.eventBus.Publish(bus.Event{Type: bus.EventTypeBotSwitched, Data: map[string]any{"bot_id": id.ID, "name": id.Name}})
	}
	c.timers.reset()
	return switched, nil
}

// Restart clears the conversation and presents the bot again.
func (c *Controller) Restart(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present(ctx, true)
	c.timers.reset()
	c.eventBus.Publish(bus.Event{Type: bus.EventTypeSessionReset, Data: map[string]any{"bot_id": c.sess.ActiveBotID()}})
}

// present runs the opening sequence: privacy notice, greeting and random
// suggestions, tagged with the active bot. Unless forced it does nothing
// when that bot is already on screen.
func (c *Controller) present(ctx context.Context, force bool) bool {
	botID := c.sess.ActiveBotID()
	if !force && c.presented && c.shownBot == botID {
		return false
	}

	if err := c.sess.Refresh(ctx); err != nil && !errors.Is(err, session.ErrNoActiveBot) {
		c.logger.Warn().Err(err).Int("chatbot_id", botID).Msg("Failed to refresh chatbot")
	}
	botID = c.sess.ActiveBotID()

	c.history.Clear()
	if err := c.renderer.ClearMessages(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to clear messages")
	}
	c.clearRag()
	c.setState(StateIdle)
	c.avatar.Dispatch(ctx, playback.Restart())
	_ = c.sess.SetLastPresented(botID)
	c.shownBot = botID

	c.say(ctx, Message{Role: RoleNotice, Text: PrivacyNotice})
	lang := c.sess.Language()
	c.say(ctx, c.botMessage(Greeting(c.sess.Identity(), lang, c.sess.Texts()), false))

	if botID != 0 && c.config.Suggestions > 0 {
		questions, err := c.backend.RandomFAQs(ctx, backend.RandomRequest{Language: lang, N: c.config.Suggestions, ChatbotID: botID})
		if err != nil {
			c.logger.Debug().Err(err).Msg("Failed to load suggested questions")
		} else if len(questions) > 0 {
			c.suggest(ctx, Suggestions{Kind: "random", Title: RandomFAQsTitle, Questions: questions})
		}
	}

	c.presented = true
	return true
}

// ensureActiveBot picks the bot to talk to: the embedding page's bot, else
// the server-flagged active bot, else the local selection if still listed,
// else the first bot. It returns the chosen id, or the current id when the
// list cannot be fetched.
func (c *Controller) ensureActiveBot(ctx context.Context) int {
	current := c.sess.ActiveBotID()
	bots, err := c.backend.ListChatbots(ctx)
	if err != nil || len(bots) == 0 {
		if err != nil {
			c.logger.Debug().Err(err).Msg("Failed to list chatbots")
		}
		return current
	}
	if err := c.sess.CacheBots(bots); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to cache chatbots")
	}

	chosen := chooseBot(bots, c.config.EmbedChatbotID, current)
	if chosen != current {
		c.logger.Info().Int("chatbot_id", chosen).Int("previous", current).Msg("Selected active chatbot")
		_ = c.sess.SetActiveBotID(chosen)
	}
	return chosen
}

func chooseBot(bots []backend.Chatbot, embedID, localID int) int {
	find := func(match func(b backend.Chatbot) bool) int {
		for _, b := range bots {
			if match(b) {
				return b.ID
			}
		}
		return 0
	}
	if embedID != 0 {
		if id := find(func(b backend.Chatbot) bool { return b.ID == embedID }); id != 0 {
			return id
		}
	}
	if id := find(func(b backend.Chatbot) bool { return b.Active }); id != 0 {
		return id
	}
	if localID != 0 {
		if id := find(func(b backend.Chatbot) bool { return b.ID == localID }); id != 0 {
			return id
		}
	}
	return bots[0].ID
}

// Ask sends a question. A pending document search offer rejects it
// without a network call.
func (c *Controller) Ask(ctx context.Context, question string) error {
	q := strings.TrimSpace(question)
	if q == "" {
		return ErrValidation
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.say(ctx, Message{Role: RoleUser, Text: q})
	c.timers.reset()

	botID := c.sess.ActiveBotID()
	if botID == 0 {
		metrics.Turns.WithLabelValues("no_bot").Inc()
		c.say(ctx, c.botMessage(NoActiveBotText, false))
		return session.ErrNoActiveBot
	}
	if c.rag != nil {
		metrics.Turns.WithLabelValues("rejected").Inc()
		c.say(ctx, c.botMessage(RagPendingText, false))
		return ErrRagPending
	}

	c.setState(StateAwaitingAnswer)
	lang := c.sess.Language()
	resp, err := c.backend.Ask(ctx, backend.AskRequest{
		Question:  q,
		ChatbotID: botID,
		Source:    c.sess.Source(botID),
		Language:  lang,
	})
	if err != nil {
		c.logger.Warn().Err(err).Int("chatbot_id", botID).Msg("Question failed")
		metrics.Turns.WithLabelValues("network").Inc()
		c.say(ctx, c.botMessage(NetworkText, false))
		c.setState(StateIdle)
		return nil
	}

	faqQuestion := resp.FaqQuestion
	if faqQuestion == "" {
		faqQuestion = q
	}
	faqLanguage := strings.ToLower(resp.FaqLanguage)
	if faqLanguage == "" {
		faqLanguage = lang
	}

	switch {
	case resp.Success:
		c.answer(ctx, Turn{
			BotID:         botID,
			Question:      q,
			Answer:        resp.Answer,
			HTML:          true,
			FaqID:         resp.FaqID,
			VideoEligible: resp.VideoEnabled,
			FaqQuestion:   faqQuestion,
			FaqLanguage:   faqLanguage,
		}, resp)
	case offersRag(resp):
		c.offerRag(ctx, q, botID, lang)
	default:
		metrics.Turns.WithLabelValues("no_answer").Inc()
		text := resp.Error
		if text == "" {
			text = NoAnswerText
		}
		c.say(ctx, c.botMessage(text, true))
		if resp.NoAnswer {
			c.avatar.Dispatch(ctx, playback.Reaction(session.AssetNoAnswer))
		}
		c.setState(StateIdle)
	}
	return nil
}

// ChooseSuggestion asks a suggested question.
func (c *Controller) ChooseSuggestion(ctx context.Context, text string) error {
	return c.Ask(ctx, text)
}

// answer renders a successful answer, then its video trigger, then the
// resolved prompt, in that order.
func (c *Controller) answer(ctx context.Context, t Turn, resp *backend.AskResponse) {
	turn := c.history.Add(t)
	msg := c.botMessage(turn.Answer, true)
	msg.HTML = true
	msg.TurnID = turn.ID
	msg.SourceURL = SourceLink(resp.Documents)
	c.say(ctx, msg)
	c.setState(StateAnswerRendered)
	metrics.Turns.WithLabelValues("answered").Inc()
	c.eventBus.Publish(bus.Event{Type: bus.EventTypeTurnRendered, Data: map[string]any{"turn_id": turn.ID, "faq_id": turn.FaqID}})

	if turn.FaqID != 0 && resp.VideoEnabled {
		switch resp.VideoStatus {
		case backend.StatusReady:
			c.avatar.Dispatch(ctx, playback.FaqReady(turn.FaqID, ""))
		case backend.StatusQueued, backend.StatusProcessing:
			c.avatar.Dispatch(ctx, playback.FaqPending(turn.FaqID))
		}
	}

	if IsGreeting(turn.FaqQuestion) || IsGreeting(turn.Answer) {
		c.setState(StateIdle)
		return
	}
	l := LocaleFor(turn.FaqLanguage)
	if err := c.renderer.RenderFeedbackPrompt(ctx, FeedbackPrompt{TurnID: turn.ID, Text: l.ResolvedPrompt, Yes: l.Yes, No: l.No}); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to render feedback prompt")
	}
	c.setState(StateAwaitingFeedback)
}

func (c *Controller) offerRag(ctx context.Context, question string, botID int, lang string) {
	c.clearRag()
	c.ragGen++
	p := &ragPending{question: question, botID: botID, language: lang, gen: c.ragGen}
	if c.config.RagTimeout > 0 {
		gen := p.gen
		p.timer = time.AfterFunc(c.config.RagTimeout, func() { c.expireRag(gen) })
	}
	c.rag = p

	metrics.Turns.WithLabelValues("rag_offered").Inc()
	if err := c.renderer.RenderRagOffer(ctx, RagOffer{Text: RagOfferText, Link: RagOfferLink, Hint: RagOfferHint}); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to render document search offer")
	}
	c.setState(StateAwaitingRagConfirmation)
}

func (c *Controller) expireRag(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rag == nil || c.rag.gen != gen {
		return
	}
	c.logger.Debug().Msg("Document search offer expired")
	c.rag = nil
	c.setState(StateIdle)
}

func (c *Controller) clearRag() {
	if c.rag == nil {
		return
	}
	if c.rag.timer != nil {
		c.rag.timer.Stop()
	}
	c.rag = nil
}

// ConfirmRag re-sends the pending question to the document search. The
// turn always ends in answer-rendered, whatever the outcome.
func (c *Controller) ConfirmRag(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.rag
	if p == nil {
		return ErrNoRagPending
	}
	c.clearRag()
	c.setState(StateAwaitingAnswer)
	defer c.setState(StateAnswerRendered)

	resp, err := c.backend.Ask(ctx, backend.AskRequest{
		Question:  p.question,
		ChatbotID: p.botID,
		Source:    backend.SourceFAQRAG,
		Language:  p.language,
		Feedback:  backend.FeedbackRetry,
	})
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Msg("Document search failed")
		metrics.Turns.WithLabelValues("rag_network").Inc()
		c.say(ctx, c.botMessage(RagNetworkText, false))
	case resp.Success:
		metrics.Turns.WithLabelValues("rag_answered").Inc()
		turn := c.history.Add(Turn{
			BotID:       p.botID,
			Question:    p.question,
			Answer:      resp.Answer,
			HTML:        true,
			FaqQuestion: p.question,
			FaqLanguage: p.language,
		})
		msg := c.botMessage(turn.Answer, true)
		msg.HTML = true
		msg.TurnID = turn.ID
		msg.SourceURL = SourceLink(resp.Documents)
		c.say(ctx, msg)
	default:
		metrics.Turns.WithLabelValues("rag_no_answer").Inc()
		text := resp.Error
		if text == "" {
			text = RagNoAnswerText
		}
		c.say(ctx, c.botMessage(text, false))
	}
	return nil
}

// Feedback records the verdict on a turn, at most once. It acknowledges,
// plays the matching clip for video-enabled turns and suggests related
// questions.
func (c *Controller) Feedback(ctx context.Context, turnID string, resolved bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	verdict := FeedbackNegative
	if resolved {
		verdict = FeedbackPositive
	}
	turn, err := c.history.SetFeedback(turnID, verdict)
	if err != nil {
		return err
	}
	metrics.Feedback.WithLabelValues(string(verdict)).Inc()
	c.eventBus.Publish(bus.Event{Type: bus.EventTypeFeedback, Data: map[string]any{"turn_id": turn.ID, "verdict": string(verdict)}})

	c.say(ctx, c.botMessage(Acknowledgement(resolved, turn.FaqLanguage, c.sess.Texts()), false))
	if turn.VideoEligible {
		kind := session.AssetNegative
		if resolved {
			kind = session.AssetPositive
		}
		c.avatar.Dispatch(ctx, playback.Reaction(kind))
	}

	similar, err := c.backend.SimilarQuestions(ctx, backend.SimilarRequest{
		Question:  turn.FaqQuestion,
		ChatbotID: turn.BotID,
		Language:  turn.FaqLanguage,
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to load similar questions")
	} else if len(similar) > 0 {
		c.suggest(ctx, Suggestions{Kind: "similar", Title: LocaleFor(turn.FaqLanguage).SimilarTitle, Questions: similar})
	}

	c.setState(StateIdle)
	return nil
}

// botMessage builds a bot bubble tagged with the active identity. When
// feedback is set, like/dislike icons are offered unless text is canned or
// greeting-like.
func (c *Controller) botMessage(text string, feedback bool) Message {
	id := c.sess.Identity()
	return Message{
		Role:     RoleBot,
		Text:     text,
		BotID:    id.ID,
		Author:   id.Name,
		Icon:     id.Icon,
		Color:    id.Color,
		Feedback: feedback && !IsCanned(text, c.sess.Texts()) && !IsGreeting(text),
	}
}

func (c *Controller) say(ctx context.Context, m Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if err := c.renderer.RenderMessage(ctx, m); err != nil {
		c.logger.Debug().Err(err).Str("role", string(m.Role)).Msg("Failed to render message")
	}
}

func (c *Controller) suggest(ctx context.Context, s Suggestions) {
	s.Color = c.sess.Identity().Color
	if err := c.renderer.RenderSuggestions(ctx, s); err != nil {
		c.logger.Debug().Err(err).Str("kind", s.Kind).Msg("Failed to render suggestions")
	}
}

func (c *Controller) nudge(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || !c.timers.current(gen) {
		return
	}
	ctx := context.Background()
	c.say(ctx, c.botMessage(NudgeText, false))
	c.eventBus.Publish(bus.Event{Type: bus.EventTypeNudge})
}

func (c *Controller) autoClose(gen uint64) {
	c.mu.Lock()
	if !c.open || !c.timers.current(gen) {
		c.mu.Unlock()
		return
	}
	c.logger.Info().Msg("Closing widget after inactivity")
	c.closeLocked()
	handler := c.onAutoClose
	c.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// Shutdown stops every timer.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers.stop()
	c.clearRag()
}

// IsRejection reports whether err means the question was not sent.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRagPending) || errors.Is(err, session.ErrNoActiveBot) || errors.Is(err, ErrValidation)
}
