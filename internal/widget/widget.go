// Package widget wires the controllers into one chat widget: open and close,
// voice questions, the avatar and mute toggles, and renderer input routing.
package widget

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/normanking/avatarchat/internal/audio"
	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/bus"
	"github.com/normanking/avatarchat/internal/conversation"
	"github.com/normanking/avatarchat/internal/hub"
	"github.com/normanking/avatarchat/internal/playback"
	"github.com/normanking/avatarchat/internal/poller"
	"github.com/normanking/avatarchat/internal/session"
	"github.com/rs/zerolog"
)

// Microphone failure messages.
const (
	MicDeniedText      = "Não foi possível aceder ao microfone. Verifique as permissões do navegador."
	MicUnsupportedText = "O seu navegador não suporta acesso ao microfone."
)

// Transcriber turns a WAV clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// ErrInvalidFAQ is returned when a video is queued without a FAQ id.
var ErrInvalidFAQ = errors.New("invalid faq id")

// Modal shows blocking notices to the user. ShowConfirm adds a confirm
// button that makes the renderer send the confirm message type.
type Modal interface {
	ShowModal(ctx context.Context, message string) error
	ShowConfirm(ctx context.Context, message, confirm string) error
}

// Deps are the collaborators a widget drives. Jobs and Capture may be nil.
type Deps struct {
	Session      *session.Session
	Conversation *conversation.Controller
	Avatar       *playback.Controller
	Jobs         *poller.Poller
	Capture      *audio.CaptureEngine
	Transcriber  Transcriber
	Modal        Modal
	EventBus     *bus.EventBus
}

// Widget is the root of a running chat widget.
type Widget struct {
	sess        *session.Session
	conv        *conversation.Controller
	avatar      *playback.Controller
	jobs        *poller.Poller
	capture     *audio.CaptureEngine
	transcriber Transcriber
	modal       Modal
	eventBus    *bus.EventBus
	logger      zerolog.Logger

	mu            sync.Mutex
	transcribing  bool
	cancelPending bool

	unsubscribe func()
	ctx         context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a widget and registers its callbacks on the controllers.
func New(deps Deps, logger zerolog.Logger) *Widget {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Widget{
		sess:        deps.Session,
		conv:        deps.Conversation,
		avatar:      deps.Avatar,
		jobs:        deps.Jobs,
		capture:     deps.Capture,
		transcriber: deps.Transcriber,
		modal:       deps.Modal,
		eventBus:    deps.EventBus,
		logger:      logger.With().Str("component", "widget").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
	if w.capture != nil {
		w.capture.SetClipHandler(w.onClip)
	}
	w.conv.SetAutoCloseHandler(w.onAutoClose)
	if w.jobs != nil {
		w.jobs.SetFinishedHandler(w.onJobFinished)
	}
	w.unsubscribe = w.sess.Subscribe(w.onSessionChange)
	return w
}

// onSessionChange applies preferences changed by another widget sharing the
// store. Local writes are already applied by whoever made them.
func (w *Widget) onSessionChange(c session.Change) {
	if !c.External {
		return
	}
	switch c.Key {
	case session.KeyBotID:
		id := w.sess.ActiveBotID()
		if id <= 0 || !w.conv.IsOpen() {
			return
		}
		if _, err := w.conv.SwitchBot(w.ctx, id); err != nil {
			w.logger.Debug().Err(err).Int("chatbot_id", id).Msg("Shared bot switch not applied")
		}
	case session.KeyMuted:
		w.avatar.SetMuted(w.ctx, w.sess.Muted())
	case session.KeyAvatarEnabled:
		if w.sess.AvatarEnabled() {
			w.avatar.Dispatch(w.ctx, playback.Enable())
		} else {
			w.avatar.Dispatch(w.ctx, playback.Disable())
		}
	}
}

// Start resumes background job polling left over from a previous run.
func (w *Widget) Start(ctx context.Context) {
	if w.jobs != nil && w.jobs.Resume(ctx) {
		w.logger.Info().Msg("Resumed video job polling")
	}
}

// Open shows the widget. When the opening sequence did not run, the avatar
// is re-activated so a newly attached renderer shows the right state.
func (w *Widget) Open(ctx context.Context) {
	if !w.conv.Open(ctx) {
		w.avatar.Dispatch(ctx, playback.Activate())
	}
}

// Close hides the widget and drops any capture in progress.
func (w *Widget) Close(ctx context.Context) {
	w.conv.Close(ctx)
	if w.capture != nil {
		w.capture.Close()
	}
}

func (w *Widget) onAutoClose() {
	if w.capture != nil {
		w.capture.Close()
	}
}

// RendererLost discards a recording in progress once no renderer is left
// to stream it.
func (w *Widget) RendererLost() {
	if w.capture == nil || !w.capture.Recording() {
		return
	}
	w.logger.Info().Msg("Renderer gone, recording discarded")
	w.capture.Close()
}

func (w *Widget) onJobFinished(job *backend.Job) {
	w.mu.Lock()
	w.cancelPending = false
	w.mu.Unlock()

	if job == nil {
		w.logger.Info().Msg("Video job no longer exists")
		return
	}
	w.logger.Info().
		Str("kind", job.Kind).
		Str("status", job.Status).
		Int("chatbot_id", job.ChatbotID).
		Int("faq_id", job.FaqID).
		Msg("Video job finished")
}

// ToggleMic starts capture, or stops it and sends the clip for transcription.
func (w *Widget) ToggleMic(ctx context.Context) error {
	if w.capture == nil {
		return audio.ErrUnsupportedDevice
	}
	if w.capture.Recording() {
		w.capture.Stop()
		return nil
	}

	err := w.capture.Start(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, audio.ErrPermissionDenied):
		w.showModal(ctx, MicDeniedText)
	default:
		w.showModal(ctx, MicUnsupportedText)
	}
	w.logger.Warn().Err(err).Msg("Microphone unavailable")
	return err
}

// onClip transcribes a captured clip and asks it. A clip captured while the
// previous one is still being transcribed is dropped.
func (w *Widget) onClip(clip *audio.Clip) {
	if w.transcriber == nil {
		return
	}
	w.mu.Lock()
	if w.transcribing {
		w.mu.Unlock()
		w.logger.Debug().Int("samples", clip.Samples).Msg("Transcription in flight, clip dropped")
		return
	}
	w.transcribing = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.transcribe(clip)
	}()
}

func (w *Widget) transcribe(clip *audio.Clip) {
	text, err := w.transcriber.Transcribe(w.ctx, clip.WAV)

	w.mu.Lock()
	w.transcribing = false
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn().Err(err).Msg("Transcription failed")
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		w.logger.Debug().Msg("Empty transcription")
		return
	}

	w.eventBus.Publish(bus.Event{Type: bus.EventTypeTranscript, Data: map[string]any{"text": text}})
	if err := w.conv.Ask(w.ctx, text); err != nil {
		w.logger.Debug().Err(err).Msg("Voice question not sent")
	}
}

// ToggleAvatar flips the avatar toggle and returns the new value.
func (w *Widget) ToggleAvatar(ctx context.Context) bool {
	enabled := !w.sess.AvatarEnabled()
	if err := w.sess.SetAvatarEnabled(enabled); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to store avatar toggle")
	}
	if enabled {
		w.avatar.Dispatch(ctx, playback.Enable())
	} else {
		w.avatar.Dispatch(ctx, playback.Disable())
	}
	return enabled
}

// ToggleMute flips the mute preference and returns the new value.
func (w *Widget) ToggleMute(ctx context.Context) bool {
	muted := !w.sess.Muted()
	if err := w.sess.SetMuted(muted); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to store mute preference")
	}
	w.avatar.SetMuted(ctx, muted)
	return muted
}

// SetLanguage stores the language used from the next question on.
func (w *Widget) SetLanguage(lang string) error {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		lang = session.DefaultLanguage
	}
	return w.sess.SetLanguage(lang)
}

// QueueVideo asks the backend to generate the video of a FAQ and tracks it.
func (w *Widget) QueueVideo(ctx context.Context, faqID int) error {
	if faqID <= 0 {
		return ErrInvalidFAQ
	}
	if w.jobs == nil {
		return nil
	}
	return w.jobs.Queue(ctx, faqID)
}

// RequestCancel asks the user to confirm cancelling the background video
// job. Nothing is cancelled until ConfirmCancel.
func (w *Widget) RequestCancel(ctx context.Context) error {
	if w.jobs == nil {
		return nil
	}
	prompt, _ := w.jobs.CancelPrompt(ctx)

	w.mu.Lock()
	w.cancelPending = true
	w.mu.Unlock()

	if w.modal == nil {
		return nil
	}
	return w.modal.ShowConfirm(ctx, prompt, hub.MsgJobConfirm)
}

// ConfirmCancel cancels the job once the user accepted the prompt. A
// confirmation without a pending request is ignored.
func (w *Widget) ConfirmCancel(ctx context.Context) error {
	if w.jobs == nil {
		return nil
	}
	w.mu.Lock()
	pending := w.cancelPending
	w.cancelPending = false
	w.mu.Unlock()

	if !pending {
		w.logger.Debug().Msg("No cancellation awaiting confirmation")
		return nil
	}
	_, err := w.jobs.Cancel(ctx)
	return err
}

// Handle routes one renderer message.
func (w *Widget) Handle(ctx context.Context, msg hub.Inbound) {
	var err error
	switch msg.Type {
	case hub.MsgOpen:
		w.Open(ctx)
	case hub.MsgClose:
		w.Close(ctx)
	case hub.MsgRestart:
		w.conv.Restart(ctx)
	case hub.MsgAsk:
		err = w.conv.Ask(ctx, msg.Text)
	case hub.MsgSuggestion:
		err = w.conv.ChooseSuggestion(ctx, msg.Text)
	case hub.MsgFeedback:
		err = w.conv.Feedback(ctx, msg.TurnID, msg.Resolved)
	case hub.MsgRagConfirm:
		err = w.conv.ConfirmRag(ctx)
	case hub.MsgBotSwitch:
		_, err = w.conv.SwitchBot(ctx, msg.BotID)
	case hub.MsgSurfaceEnded:
		w.avatar.Dispatch(ctx, playback.Ended(msg.Src))
	case hub.MsgMicToggle:
		err = w.ToggleMic(ctx)
	case hub.MsgAvatarToggle:
		w.ToggleAvatar(ctx)
	case hub.MsgMuteToggle:
		w.ToggleMute(ctx)
	case hub.MsgLanguage:
		err = w.SetLanguage(msg.Language)
	case hub.MsgJobQueue:
		err = w.QueueVideo(ctx, msg.FaqID)
	case hub.MsgJobCancel:
		err = w.RequestCancel(ctx)
	case hub.MsgJobConfirm:
		err = w.ConfirmCancel(ctx)
	default:
		w.logger.Debug().Str("type", msg.Type).Msg("Unknown renderer message")
		return
	}
	if err != nil {
		w.logger.Debug().Err(err).Str("type", msg.Type).Msg("Renderer message not applied")
	}
}

func (w *Widget) showModal(ctx context.Context, message string) {
	if w.modal == nil {
		return
	}
	if err := w.modal.ShowModal(ctx, message); err != nil {
		w.logger.Debug().Err(err).Msg("Failed to show modal")
	}
}

// Shutdown stops timers, capture, polling and pending transcriptions.
func (w *Widget) Shutdown(ctx context.Context) {
	w.unsubscribe()
	w.cancel()
	if w.capture != nil {
		w.capture.Close()
	}
	if w.jobs != nil {
		w.jobs.Task().Stop()
	}
	w.conv.Shutdown()
	w.wg.Wait()
}
