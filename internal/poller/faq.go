package poller

import (
	"context"
	"errors"
	"time"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/metrics"
	"github.com/rs/zerolog"
)

// FAQStatus is the status endpoint the FAQ watcher polls.
type FAQStatus interface {
	FAQVideoStatus(ctx context.Context, faqID int) (*backend.FAQVideoStatus, error)
}

// FAQPoller waits for one FAQ clip to finish generating. It reports "ready"
// with the stream URL, or the terminal status that ended the wait. Network
// errors and non-JSON replies keep it polling.
type FAQPoller struct {
	source FAQStatus
	task   *Task
	logger zerolog.Logger
}

// NewFAQPoller creates a watcher ticking every interval.
func NewFAQPoller(source FAQStatus, interval time.Duration, logger zerolog.Logger) *FAQPoller {
	if interval <= 0 {
		interval = DefaultConfig().FAQInterval
	}
	return &FAQPoller{
		source: source,
		task:   NewTask("faq", interval),
		logger: logger.With().Str("component", "faq-poller").Logger(),
	}
}

// Watch starts polling faqID; false when a watch is already running.
func (w *FAQPoller) Watch(ctx context.Context, faqID int, onDone func(status, streamURL string)) bool {
	started := w.task.Start(ctx, func(ctx context.Context) bool {
		return w.check(ctx, faqID, onDone)
	})
	if started {
		w.logger.Debug().Int("faq_id", faqID).Msg("Waiting for FAQ clip")
	}
	return started
}

// Stop abandons the current watch without waiting for an in-flight check.
func (w *FAQPoller) Stop() {
	w.task.Stop()
}

// Active reports whether a watch is running
func (w *FAQPoller) Active() bool {
	return w.task.Active()
}

// Task exposes the underlying poll task
func (w *FAQPoller) Task() *Task {
	return w.task
}

func (w *FAQPoller) check(ctx context.Context, faqID int, onDone func(status, streamURL string)) bool {
	st, err := w.source.FAQVideoStatus(ctx, faqID)
	switch {
	case errors.Is(err, backend.ErrJobNotFound):
		metrics.PollTicks.WithLabelValues("faq", "not_found").Inc()
		w.logger.Info().Int("faq_id", faqID).Msg("FAQ clip withdrawn")
		onDone("not_found", "")
		return true
	case err != nil:
		metrics.PollTicks.WithLabelValues("faq", "error").Inc()
		w.logger.Debug().Err(err).Int("faq_id", faqID).Msg("FAQ status check failed")
		return false
	case !st.Success:
		metrics.PollTicks.WithLabelValues("faq", "error").Inc()
		return false
	}

	metrics.PollTicks.WithLabelValues("faq", st.VideoStatus).Inc()
	if backend.Live(st.VideoStatus) {
		return false
	}
	onDone(st.VideoStatus, st.StreamURL)
	return true
}
