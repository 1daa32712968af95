// Package conversation runs the chat side of the widget: the turn state
// machine, document search confirmation, feedback, suggestions, inactivity
// timers and the opening sequence shown for each bot.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/playback"
)

// Common errors
var (
	ErrValidation    = errors.New("question is required")
	ErrRagPending    = errors.New("document search confirmation pending")
	ErrNoRagPending  = errors.New("no document search to confirm")
	ErrUnknownTurn   = errors.New("unknown turn")
	ErrFeedbackGiven = errors.New("feedback already given for turn")
)

// TurnState is the conversation state
type TurnState string

const (
	StateIdle                    TurnState = "idle"
	StateAwaitingAnswer          TurnState = "awaiting-answer"
	StateAnswerRendered          TurnState = "answer-rendered"
	StateAwaitingFeedback        TurnState = "awaiting-feedback"
	StateAwaitingRagConfirmation TurnState = "awaiting-rag-confirmation"
)

// Role identifies who a chat message belongs to
type Role string

const (
	RoleUser   Role = "user"
	RoleBot    Role = "bot"
	RoleNotice Role = "notice"
)

// Message is one chat bubble. Bot messages carry the identity of the bot
// that produced them.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	HTML      bool      `json:"html,omitempty"`
	BotID     int       `json:"bot_id,omitempty"`
	Author    string    `json:"author,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	Color     string    `json:"color,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	Feedback  bool      `json:"feedback,omitempty"` // show like/dislike icons
	Timestamp time.Time `json:"timestamp"`
}

// Suggestions is a list of clickable questions
type Suggestions struct {
	Kind      string   `json:"kind"` // "random" or "similar"
	Title     string   `json:"title"`
	Questions []string `json:"questions"`
	Color     string   `json:"color,omitempty"`
}

// FeedbackPrompt asks whether a turn resolved the user's issue
type FeedbackPrompt struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
	Yes    string `json:"yes"`
	No     string `json:"no"`
}

// RagOffer offers the document search fallback
type RagOffer struct {
	Text string `json:"text"`
	Link string `json:"link"`
	Hint string `json:"hint"`
}

// Renderer displays the chat. Calls return once the message is shown.
type Renderer interface {
	RenderMessage(ctx context.Context, m Message) error
	ClearMessages(ctx context.Context) error
	RenderSuggestions(ctx context.Context, s Suggestions) error
	RenderFeedbackPrompt(ctx context.Context, p FeedbackPrompt) error
	RenderRagOffer(ctx context.Context, o RagOffer) error
}

// Backend is the part of the backend client the conversation uses.
type Backend interface {
	ListChatbots(ctx context.Context) ([]backend.Chatbot, error)
	Ask(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error)
	SimilarQuestions(ctx context.Context, req backend.SimilarRequest) ([]string, error)
	RandomFAQs(ctx context.Context, req backend.RandomRequest) ([]string, error)
}

// Avatar receives the playback triggers of a turn.
type Avatar interface {
	Dispatch(ctx context.Context, ev playback.Event) playback.State
}

// Config configures the controller
type Config struct {
	NudgeAfter     time.Duration // inactivity before the "need help?" nudge
	AutoCloseAfter time.Duration // grace period after the nudge before closing
	RagTimeout     time.Duration // lifetime of a pending document search offer
	Suggestions    int           // random FAQs shown by the opening sequence
	EmbedChatbotID int           // bot forced by the embedding page, 0 for none
	MaxTurns       int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NudgeAfter:     30 * time.Second,
		AutoCloseAfter: 15 * time.Second,
		RagTimeout:     2 * time.Minute,
		Suggestions:    3,
		MaxTurns:       50,
	}
}
