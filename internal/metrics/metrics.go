// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PlaybackTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarchat_playback_transitions_total",
			Help: "Avatar surface state transitions",
		},
		[]string{"from", "to", "event"},
	)

	AssetRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarchat_asset_refreshes_total",
			Help: "Signed asset URL refreshes after a failed play, by outcome",
		},
		[]string{"kind", "outcome"},
	)

	PollTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarchat_poll_ticks_total",
			Help: "Job status poll ticks by poller and observed status",
		},
		[]string{"poller", "status"},
	)

	ActivePolls = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "avatarchat_active_polls",
			Help: "Poll loops currently running",
		},
		[]string{"poller"},
	)

	Turns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarchat_turns_total",
			Help: "Conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	Feedback = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarchat_feedback_total",
			Help: "Turn feedback by verdict",
		},
		[]string{"verdict"},
	)

	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "avatarchat_backend_request_duration_seconds",
			Help: "Backend request duration in seconds",
		},
		[]string{"endpoint"},
	)

	ClipsCaptured = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avatarchat_clips_captured_total",
			Help: "Voice clips emitted by the capture engine",
		},
	)

	HubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "avatarchat_hub_clients",
			Help: "Connected renderer websockets",
		},
	)
)
