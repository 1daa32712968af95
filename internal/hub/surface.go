package hub

import (
	"context"

	"github.com/normanking/avatarchat/internal/conversation"
	"github.com/normanking/avatarchat/internal/playback"
	"github.com/normanking/avatarchat/internal/poller"
)

var (
	_ playback.Surface      = (*Hub)(nil)
	_ conversation.Renderer = (*Hub)(nil)
	_ poller.Indicator      = (*Hub)(nil)
)

// Surface commands wait for the renderer's ack so playback failures reach
// the controller.

func (h *Hub) Play(ctx context.Context, m playback.Media) error {
	return h.request(ctx, CmdSurfacePlay, m)
}

func (h *Hub) Pause(ctx context.Context) error {
	return h.request(ctx, CmdSurfacePause, nil)
}

func (h *Hub) SetMuted(ctx context.Context, muted bool) error {
	return h.request(ctx, CmdSurfaceMute, map[string]bool{"muted": muted})
}

func (h *Hub) ShowImage(ctx context.Context, url string) error {
	return h.request(ctx, CmdSurfaceImage, map[string]string{"url": url})
}

func (h *Hub) ShowSpinner(ctx context.Context, visible bool) error {
	return h.request(ctx, CmdSurfaceSpinner, map[string]bool{"visible": visible})
}

// Chat and indicator commands are fire-and-forget; per-renderer queues keep
// them in order.

func (h *Hub) RenderMessage(ctx context.Context, m conversation.Message) error {
	h.notify(CmdChatMessage, m)
	return nil
}

func (h *Hub) ClearMessages(ctx context.Context) error {
	h.notify(CmdChatClear, nil)
	return nil
}

func (h *Hub) RenderSuggestions(ctx context.Context, s conversation.Suggestions) error {
	h.notify(CmdChatSuggestions, s)
	return nil
}

func (h *Hub) RenderFeedbackPrompt(ctx context.Context, p conversation.FeedbackPrompt) error {
	h.notify(CmdChatFeedbackPrompt, p)
	return nil
}

func (h *Hub) RenderRagOffer(ctx context.Context, o conversation.RagOffer) error {
	h.notify(CmdChatRagOffer, o)
	return nil
}

func (h *Hub) ShowProgress(ctx context.Context, p poller.Progress) error {
	h.notify(CmdJobProgress, p)
	return nil
}

func (h *Hub) HideProgress(ctx context.Context) error {
	h.notify(CmdJobHide, nil)
	return nil
}

func (h *Hub) ShowModal(ctx context.Context, message string) error {
	h.notify(CmdModal, map[string]string{"message": message})
	return nil
}

// ShowConfirm shows a modal with a confirm button. Pressing it makes the
// renderer send confirm.
func (h *Hub) ShowConfirm(ctx context.Context, message, confirm string) error {
	h.notify(CmdModal, map[string]string{"message": message, "confirm": confirm})
	return nil
}

// MicStart asks renderers to start streaming microphone frames.
func (h *Hub) MicStart() {
	h.notify(CmdMicStart, nil)
}

// MicStop asks renderers to stop streaming microphone frames.
func (h *Hub) MicStop() {
	h.notify(CmdMicStop, nil)
}
