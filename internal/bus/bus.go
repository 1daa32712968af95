// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

const (
	// Session events
	EventTypeSessionChanged EventType = "session.changed"
	EventTypeBotSwitched    EventType = "session.bot_switched"
	EventTypeSessionReset   EventType = "session.reset"

	// Audio capture events
	EventTypeRecordingStarted EventType = "audio.recording_started"
	EventTypeRecordingStopped EventType = "audio.recording_stopped"
	EventTypeClipCaptured     EventType = "audio.clip_captured"
	EventTypeTranscript       EventType = "audio.transcript"

	// Playback events
	EventTypePlaybackStateChanged EventType = "playback.state_changed"
	EventTypeAssetRefreshed       EventType = "playback.asset_refreshed"
	EventTypeAssetAbandoned       EventType = "playback.asset_abandoned"

	// Job events
	EventTypeJobProgress EventType = "job.progress"
	EventTypeJobFinished EventType = "job.finished"
	EventTypeJobBusy     EventType = "job.busy"

	// Conversation events
	EventTypeTurnStateChanged EventType = "conversation.state_changed"
	EventTypeTurnRendered     EventType = "conversation.turn_rendered"
	EventTypeFeedback         EventType = "conversation.feedback"
	EventTypeNudge            EventType = "conversation.nudge"
	EventTypeWidgetClosed     EventType = "widget.closed"
	EventTypeWidgetOpened     EventType = "widget.opened"

	// Log events, warnings and errors only
	EventTypeLog EventType = "log.entry"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// SubscribeAll adds a handler that receives every event
func (b *EventBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, handler)
}

func (b *EventBus) handlersFor(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	handlers := make([]Handler, 0, len(b.handlers[t])+len(b.all))
	handlers = append(handlers, b.handlers[t]...)
	handlers = append(handlers, b.all...)
	return handlers
}

// Publish sends an event to all subscribed handlers without blocking.
// A nil bus drops the event.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	for _, handler := range b.handlersFor(event.Type) {
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	if b == nil {
		return
	}
	var wg sync.WaitGroup
	for _, handler := range b.handlersFor(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
	b.all = nil
}
