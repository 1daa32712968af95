package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/bus"
	"github.com/normanking/avatarchat/internal/metrics"
	"github.com/normanking/avatarchat/internal/session"
	"github.com/rs/zerolog"
)

// Kind is the owner of a video job
type Kind string

const (
	KindChatbot Kind = "chatbot"
	KindFAQ     Kind = "faq"
)

// Messages shown by the indicator and its modals.
const (
	DefaultProgressText = "A gerar vídeo..."
	BusyMessage         = "Já existe um vídeo a ser gerado. Aguarde que termine."
	CancelChatbotPrompt = "Ao cancelar a geração de vídeos deste chatbot, este chatbot será eliminado. Confirmar?"
	CancelFAQPrompt     = "Cancelar a geração do vídeo desta FAQ? Isto irá eliminar os ficheiros temporários."
	CancelPrompt        = "Cancelar geração do vídeo?"

	labelLimit = 48
)

// Progress is what the indicator displays for a live job
type Progress struct {
	Kind     Kind   `json:"kind"`
	TargetID int    `json:"target_id"`
	Status   string `json:"status"`
	Percent  int    `json:"percent"`
	Text     string `json:"text"`
}

// Indicator renders the background job indicator.
type Indicator interface {
	ShowProgress(ctx context.Context, p Progress) error
	HideProgress(ctx context.Context) error
	ShowModal(ctx context.Context, message string) error
}

// JobSource is the backend surface used by the pollers.
type JobSource interface {
	JobStatus(ctx context.Context) (*backend.Job, error)
	CancelJob(ctx context.Context, deleteChatbot bool) (*backend.CancelResult, error)
	QueueFAQVideo(ctx context.Context, faqID int) error
	GetChatbot(ctx context.Context, id int) (*backend.ChatbotDetail, error)
	GetFAQ(ctx context.Context, id int) (*backend.FAQ, error)
	FAQVideoStatus(ctx context.Context, faqID int) (*backend.FAQVideoStatus, error)
}

// Config holds the poll intervals
type Config struct {
	FAQInterval        time.Duration
	BackgroundInterval time.Duration
}

// DefaultConfig returns the standard intervals
func DefaultConfig() *Config {
	return &Config{
		FAQInterval:        2 * time.Second,
		BackgroundInterval: 15 * time.Second,
	}
}

// Poller drives the background job indicator. Only one job is polled at a time.
type Poller struct {
	jobs      JobSource
	sess      *session.Session
	indicator Indicator
	eventBus  *bus.EventBus
	logger    zerolog.Logger
	task      *Task

	// mu also serializes indicator updates with Stop, so a tick that was in
	// flight when polling stopped cannot show the indicator again.
	mu         sync.Mutex
	gen        uint64
	kind       Kind
	targetID   int
	labels     map[string]string
	onFinished func(job *backend.Job)
}

// New creates the background poller
func New(cfg *Config, jobs JobSource, sess *session.Session, indicator Indicator, eventBus *bus.EventBus, logger zerolog.Logger) *Poller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Poller{
		jobs:      jobs,
		sess:      sess,
		indicator: indicator,
		eventBus:  eventBus,
		logger:    logger.With().Str("component", "job-poller").Logger(),
		task:      NewTask("background", cfg.BackgroundInterval),
		labels:    make(map[string]string),
	}
}

// SetFinishedHandler sets the callback run when a job reaches a terminal
// status; job is nil when the status endpoint reported the job missing.
func (p *Poller) SetFinishedHandler(handler func(job *backend.Job)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFinished = handler
}

// Active reports whether the indicator is being polled
func (p *Poller) Active() bool {
	return p.task.Active()
}

// Task exposes the underlying poll task
func (p *Poller) Task() *Task {
	return p.task
}

// Target returns the job owner given to the last successful Poll
func (p *Poller) Target() (Kind, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kind, p.targetID
}

// Poll starts polling the job owned by (kind, targetID). It returns false
// when a poll is already running.
func (p *Poller) Poll(ctx context.Context, kind Kind, targetID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Only Poll starts the task and it holds mu, so an inactive task here
	// always starts below.
	if p.task.Active() {
		p.logger.Debug().Str("kind", string(kind)).Int("target_id", targetID).Msg("Poll already active")
		return false
	}
	p.gen++
	gen := p.gen
	first := true
	started := p.task.Start(context.WithoutCancel(ctx), func(ctx context.Context) bool {
		done := p.tick(ctx, gen, first)
		first = false
		return done
	})
	if !started {
		return false
	}

	// The first tick blocks on mu, so it cannot clear the flag before it is set.
	p.kind = kind
	p.targetID = targetID
	if err := p.sess.SetPolling(true); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to persist polling flag")
	}
	p.logger.Info().Str("kind", string(kind)).Int("target_id", targetID).Msg("Job polling started")
	return true
}

// Stop ends polling and hides the indicator
func (p *Poller) Stop(ctx context.Context) {
	p.task.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLocked(ctx)
}

// endLocked invalidates in-flight ticks, hides the indicator and clears the
// persisted flag.
func (p *Poller) endLocked(ctx context.Context) {
	p.gen++
	p.hideLocked(ctx)
	_ = p.sess.SetPolling(false)
}

// Resume runs one status check on startup. A live job starts polling; a
// persisted polling flag with no live job is cleared.
func (p *Poller) Resume(ctx context.Context) bool {
	job, err := p.jobs.JobStatus(ctx)
	if err == nil && backend.Live(job.Status) {
		kind, target := jobTarget(job)
		return p.Poll(ctx, kind, target)
	}
	if p.sess.Polling() {
		p.logger.Info().Msg("Clearing stale polling flag")
		_ = p.sess.SetPolling(false)
	}
	p.mu.Lock()
	p.hideLocked(ctx)
	p.mu.Unlock()
	return false
}

// CancelPrompt returns the confirmation text for cancelling the running job
// and whether confirming also deletes the owning bot.
func (p *Poller) CancelPrompt(ctx context.Context) (string, bool) {
	job, err := p.jobs.JobStatus(ctx)
	if err != nil {
		return CancelPrompt, false
	}
	if Kind(job.Kind) == KindChatbot {
		return CancelChatbotPrompt, true
	}
	return CancelFAQPrompt, false
}

// Cancel requests cancellation of the running job and stops polling whatever
// the outcome. Whole-bot jobs also delete their bot.
func (p *Poller) Cancel(ctx context.Context) (*backend.CancelResult, error) {
	_, deleteChatbot := p.CancelPrompt(ctx)
	res, err := p.jobs.CancelJob(ctx, deleteChatbot)
	p.Stop(ctx)

	if err != nil {
		p.logger.Warn().Err(err).Msg("Cancel request failed")
		return res, err
	}
	p.logger.Info().Str("kind", res.Kind).Bool("delete_chatbot", deleteChatbot).Msg("Video job cancelled")
	p.eventBus.Publish(bus.Event{
		Type: bus.EventTypeJobFinished,
		Data: map[string]any{"status": backend.StatusCancelled, "kind": res.Kind, "chatbot_id": res.ChatbotID},
	})
	return res, nil
}

// Queue requests generation of a FAQ video and starts polling it. A running
// job makes the backend refuse with ErrBusy, shown as a modal.
func (p *Poller) Queue(ctx context.Context, faqID int) error {
	err := p.jobs.QueueFAQVideo(ctx, faqID)
	if errors.Is(err, backend.ErrBusy) {
		p.eventBus.Publish(bus.Event{Type: bus.EventTypeJobBusy, Data: map[string]any{"faq_id": faqID}})
		if merr := p.indicator.ShowModal(ctx, BusyMessage); merr != nil {
			p.logger.Debug().Err(merr).Msg("Failed to show busy modal")
		}
		return err
	}
	if err != nil {
		return err
	}
	p.Poll(ctx, KindFAQ, faqID)
	return nil
}

// tick checks the job once. Results of a poll that was stopped or replaced
// while the request was in flight are dropped.
func (p *Poller) tick(ctx context.Context, gen uint64, first bool) bool {
	job, err := p.jobs.JobStatus(ctx)
	var detail string
	if err == nil && backend.Live(job.Status) {
		detail = p.label(ctx, job)
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		p.logger.Debug().Msg("Dropped status of a stopped poll")
		return true
	}

	switch {
	case errors.Is(err, backend.ErrJobNotFound):
		metrics.PollTicks.WithLabelValues("background", "not_found").Inc()
		job = nil
	case err != nil:
		metrics.PollTicks.WithLabelValues("background", "error").Inc()
		p.logger.Debug().Err(err).Msg("Job status check failed")
		p.hideLocked(ctx)
		p.mu.Unlock()
		return false
	default:
		metrics.PollTicks.WithLabelValues("background", job.Status).Inc()
		if backend.Live(job.Status) {
			p.showLocked(ctx, job, detail)
			p.mu.Unlock()
			return false
		}
		if first && (job.Status == backend.StatusIdle || job.Status == "") {
			p.endLocked(ctx)
			p.mu.Unlock()
			p.logger.Info().Msg("No video job running, polling stopped")
			return true
		}
	}

	p.endLocked(ctx)
	handler := p.onFinished
	p.mu.Unlock()
	p.finished(job, handler)
	return true
}

func (p *Poller) finished(job *backend.Job, handler func(*backend.Job)) {
	status := "not_found"
	if job != nil {
		status = job.Status
	}
	p.logger.Info().Str("status", status).Msg("Job polling finished")
	p.eventBus.Publish(bus.Event{Type: bus.EventTypeJobFinished, Data: map[string]any{"status": status}})
	if handler != nil {
		handler(job)
	}
}

func (p *Poller) showLocked(ctx context.Context, job *backend.Job, detail string) {
	kind, target := jobTarget(job)
	progress := Progress{
		Kind:     kind,
		TargetID: target,
		Status:   job.Status,
		Percent:  ClampProgress(job.Progress),
		Text:     job.Message,
	}
	if progress.Text == "" {
		progress.Text = DefaultProgressText
	}
	if detail != "" {
		progress.Text = fmt.Sprintf("%s (%s)", progress.Text, detail)
	}

	p.eventBus.Publish(bus.Event{Type: bus.EventTypeJobProgress, Data: map[string]any{
		"kind": string(kind), "target_id": target, "status": job.Status, "percent": progress.Percent,
	}})
	if err := p.indicator.ShowProgress(ctx, progress); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to show progress")
	}
}

func (p *Poller) hideLocked(ctx context.Context) {
	if err := p.indicator.HideProgress(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to hide progress")
	}
}

// label builds the job detail shown next to the progress text, cached per job.
func (p *Poller) label(ctx context.Context, job *backend.Job) string {
	key := fmt.Sprintf("%s:%d:%d", job.Kind, job.ChatbotID, job.FaqID)
	p.mu.Lock()
	cached, ok := p.labels[key]
	p.mu.Unlock()
	if ok {
		return cached
	}

	label := JobLabel(ctx, p.jobs, job)
	p.mu.Lock()
	p.labels[key] = label
	p.mu.Unlock()
	return label
}

// JobLabel describes a job as "<bot> — Vídeos" or "<bot> — FAQ: <label>".
func JobLabel(ctx context.Context, jobs JobSource, job *backend.Job) string {
	switch Kind(job.Kind) {
	case KindChatbot:
		if job.ChatbotID == 0 {
			return ""
		}
		return botName(ctx, jobs, job.ChatbotID) + " — Vídeos"
	case KindFAQ:
		if job.FaqID == 0 {
			return ""
		}
		faq, err := jobs.GetFAQ(ctx, job.FaqID)
		if err != nil {
			return fmt.Sprintf("FAQ %d", job.FaqID)
		}
		label := faq.Identifier
		if label == "" {
			label = faq.Question
		}
		if label == "" {
			label = fmt.Sprintf("FAQ %d", job.FaqID)
		}
		botID := faq.ChatbotID
		if botID == 0 {
			botID = job.ChatbotID
		}
		name := "Chatbot"
		if botID != 0 {
			name = botName(ctx, jobs, botID)
		}
		return fmt.Sprintf("%s — FAQ: %s", name, Truncate(label, labelLimit))
	}
	return ""
}

func botName(ctx context.Context, jobs JobSource, id int) string {
	d, err := jobs.GetChatbot(ctx, id)
	if err != nil || !d.Success || d.Name == "" {
		return fmt.Sprintf("Chatbot %d", id)
	}
	return d.Name
}

// Truncate shortens s to limit runes followed by "...".
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

// ClampProgress bounds a job percentage to 5..100 for display.
func ClampProgress(pct int) int {
	return max(5, min(100, pct))
}

func jobTarget(job *backend.Job) (Kind, int) {
	if Kind(job.Kind) == KindFAQ {
		return KindFAQ, job.FaqID
	}
	return KindChatbot, job.ChatbotID
}
