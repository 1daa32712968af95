package testutil

import (
	"context"
	"sync"

	"github.com/normanking/avatarchat/internal/conversation"
	"github.com/normanking/avatarchat/internal/playback"
)

// FakeRenderer records the chat as the user would see it. ClearMessages
// empties Messages but the full log of rendered items is kept in Log.
type FakeRenderer struct {
	mu          sync.Mutex
	messages    []conversation.Message
	suggestions []conversation.Suggestions
	prompts     []conversation.FeedbackPrompt
	offers      []conversation.RagOffer
	log         []string
	clears      int
}

func (r *FakeRenderer) RenderMessage(ctx context.Context, m conversation.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	r.log = append(r.log, "message:"+string(m.Role))
	return nil
}

func (r *FakeRenderer) ClearMessages(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.clears++
	r.log = append(r.log, "clear")
	return nil
}

func (r *FakeRenderer) RenderSuggestions(ctx context.Context, s conversation.Suggestions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suggestions = append(r.suggestions, s)
	r.log = append(r.log, "suggestions:"+s.Kind)
	return nil
}

func (r *FakeRenderer) RenderFeedbackPrompt(ctx context.Context, p conversation.FeedbackPrompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, p)
	r.log = append(r.log, "feedback-prompt")
	return nil
}

func (r *FakeRenderer) RenderRagOffer(ctx context.Context, o conversation.RagOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, o)
	r.log = append(r.log, "rag-offer")
	return nil
}

// Messages returns the messages rendered since the last clear.
func (r *FakeRenderer) Messages() []conversation.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.Message(nil), r.messages...)
}

// Texts returns the text of each message since the last clear.
func (r *FakeRenderer) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Text
	}
	return out
}

// LastMessage returns the most recent message.
func (r *FakeRenderer) LastMessage() conversation.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return conversation.Message{}
	}
	return r.messages[len(r.messages)-1]
}

func (r *FakeRenderer) Suggestions() []conversation.Suggestions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.Suggestions(nil), r.suggestions...)
}

func (r *FakeRenderer) Prompts() []conversation.FeedbackPrompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.FeedbackPrompt(nil), r.prompts...)
}

func (r *FakeRenderer) Offers() []conversation.RagOffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.RagOffer(nil), r.offers...)
}

// Log returns every render call in order.
func (r *FakeRenderer) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *FakeRenderer) Clears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clears
}

// FakeAvatar records playback triggers without acting on them.
type FakeAvatar struct {
	mu     sync.Mutex
	events []playback.Event
}

func (a *FakeAvatar) Dispatch(ctx context.Context, ev playback.Event) playback.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return playback.StateIdleImage
}

func (a *FakeAvatar) Events() []playback.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]playback.Event(nil), a.events...)
}

// Types returns the type of every event received.
func (a *FakeAvatar) Types() []playback.EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]playback.EventType, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Type
	}
	return out
}
