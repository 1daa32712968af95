// Package hub connects renderers over WebSocket. It implements the avatar
// surface, the chat renderer and the job indicator by sending JSON commands
// to every connected renderer, and routes their input back to the widget.
package hub

import "time"

// Server to renderer commands.
const (
	CmdSurfacePlay    = "surface.play"
	CmdSurfacePause   = "surface.pause"
	CmdSurfaceMute    = "surface.mute"
	CmdSurfaceImage   = "surface.image"
	CmdSurfaceSpinner = "surface.spinner"

	CmdChatMessage        = "chat.message"
	CmdChatClear          = "chat.clear"
	CmdChatSuggestions    = "chat.suggestions"
	CmdChatFeedbackPrompt = "chat.feedback_prompt"
	CmdChatRagOffer       = "chat.rag_offer"

	CmdJobProgress = "job.progress"
	CmdJobHide     = "job.hide"
	CmdModal       = "modal"

	CmdMicStart = "mic.start"
	CmdMicStop  = "mic.stop"

	CmdEvent = "event"
)

// Renderer to server messages.
const (
	MsgAck             = "ack"
	MsgSurfaceEnded    = "surface.ended"
	MsgAudioFrame      = "audio.frame"
	MsgAudioEnd        = "audio.end"
	MsgAudioPermission = "audio.permission"
	MsgAsk             = "ask"
	MsgSuggestion      = "suggestion"
	MsgFeedback        = "feedback"
	MsgRagConfirm      = "rag.confirm"
	MsgMicToggle       = "mic.toggle"
	MsgAvatarToggle    = "avatar.toggle"
	MsgMuteToggle      = "mute.toggle"
	MsgLanguage        = "language"
	MsgOpen            = "open"
	MsgClose           = "close"
	MsgRestart         = "restart"
	MsgBotSwitch       = "bot.switch"
	MsgJobQueue        = "job.queue"
	MsgJobCancel       = "job.cancel"
	MsgJobConfirm      = "job.cancel_confirm"
)

// Ack error codes the renderer reports for surface commands.
const (
	AckAutoplayBlocked = "autoplay_blocked"
	AckLoadFailed      = "load_failed"
)

// Command is one server to renderer message. Commands carrying an ID must
// be acknowledged with an ack of the same ID.
type Command struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Inbound is one renderer to server message. Only the fields of its type
// are set.
type Inbound struct {
	Type       string    `json:"type"`
	ID         string    `json:"id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Src        string    `json:"src,omitempty"`
	Samples    []float32 `json:"samples,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Denied     bool      `json:"denied,omitempty"`
	Text       string    `json:"text,omitempty"`
	TurnID     string    `json:"turn_id,omitempty"`
	Resolved   bool      `json:"resolved,omitempty"`
	BotID      int       `json:"bot_id,omitempty"`
	FaqID      int       `json:"faq_id,omitempty"`
	Language   string    `json:"language,omitempty"`
}

// EventCommand forwards a bus event to renderers.
type EventCommand struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	Time  time.Time      `json:"time"`
}
