package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// FeedbackState is the verdict recorded on a turn.
type FeedbackState string

const (
	FeedbackUnresolved FeedbackState = "unresolved"
	FeedbackPositive   FeedbackState = "positive"
	FeedbackNegative   FeedbackState = "negative"
)

// Turn is one rendered question/answer exchange. Only Feedback changes
// after the turn is recorded, and only once.
type Turn struct {
	ID            string        `json:"id"`
	BotID         int           `json:"bot_id"`
	Question      string        `json:"question"`
	Answer        string        `json:"answer"`
	HTML          bool          `json:"html"`
	Timestamp     time.Time     `json:"timestamp"`
	Feedback      FeedbackState `json:"feedback"`
	FaqID         int           `json:"faq_id,omitempty"`
	VideoEligible bool          `json:"video_eligible"`
	FaqQuestion   string        `json:"faq_question"`
	FaqLanguage   string        `json:"faq_language"`
}

// History keeps the turns rendered since the last opening sequence.
type History struct {
	mu       sync.RWMutex
	turns    []Turn
	maxTurns int
}

// NewHistory creates a history retaining at most maxTurns turns (default 50).
func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	return &History{
		turns:    make([]Turn, 0, 8),
		maxTurns: maxTurns,
	}
}

// Add records a turn, assigning its id and timestamp, and returns it.
func (h *History) Add(t Turn) Turn {
	h.mu.Lock()
	defer h.mu.Unlock()

	t.ID = uuid.NewString()
	t.Timestamp = time.Now()
	t.Feedback = FeedbackUnresolved
	h.turns = append(h.turns, t)

	if len(h.turns) > h.maxTurns {
		h.turns = h.turns[len(h.turns)-h.maxTurns:]
	}
	return t
}

// Get returns the turn with id.
func (h *History) Get(id string) (Turn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.turns {
		if t.ID == id {
			return t, true
		}
	}
	return Turn{}, false
}

// SetFeedback moves a turn away from unresolved. It fails when the turn is
// unknown or already carries a verdict.
func (h *History) SetFeedback(id string, state FeedbackState) (Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.turns {
		if h.turns[i].ID != id {
			continue
		}
		if h.turns[i].Feedback != FeedbackUnresolved {
			return h.turns[i], ErrFeedbackGiven
		}
		h.turns[i].Feedback = state
		return h.turns[i], nil
	}
	return Turn{}, ErrUnknownTurn
}

// Turns returns a copy of all turns, oldest first.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Clear drops every turn.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = make([]Turn, 0, 8)
}
