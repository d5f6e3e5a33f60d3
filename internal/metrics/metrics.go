package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Chat metrics
	ChatRequestsTotal   *prometheus.CounterVec
	ChatRequestDuration prometheus.Histogram
	LLMErrorsTotal      *prometheus.CounterVec

	// TTS metrics
	TTSRequestsTotal *prometheus.CounterVec
	TTSAudioBytes    prometheus.Counter

	// Avatar metrics
	AvatarConnectAttemptsTotal prometheus.Counter
	AvatarConnected            prometheus.Gauge
	AvatarFramesSentTotal      prometheus.Counter
	AvatarPlaybacksTotal       *prometheus.CounterVec

	// Knowledge metrics
	KnowledgeSearchesTotal prometheus.Counter
	KnowledgeChunksLoaded  prometheus.Gauge
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ChatRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_requests_total",
				Help: "Total number of chat requests",
			},
			[]string{"status"},
		),
		ChatRequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chat_request_duration_seconds",
				Help:    "Duration of chat requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		LLMErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_errors_total",
				Help: "Total number of language model API errors",
			},
			[]string{"error_type"},
		),

		TTSRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tts_requests_total",
				Help: "Total number of speech synthesis requests",
			},
			[]string{"status"},
		),
		TTSAudioBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tts_audio_bytes_total",
				Help: "Total bytes of synthesized audio",
			},
		),

		AvatarConnectAttemptsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "avatar_connect_attempts_total",
				Help: "Total number of avatar connection attempts",
			},
		),
		AvatarConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "avatar_connected",
				Help: "Whether the avatar session is connected and authenticated (1 or 0)",
			},
		),
		AvatarFramesSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "avatar_frames_sent_total",
				Help: "Total number of mouth frames sent to the avatar application",
			},
		),
		AvatarPlaybacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avatar_playbacks_total",
				Help: "Total number of lip-sync playbacks",
			},
			[]string{"status"},
		),

		KnowledgeSearchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "knowledge_searches_total",
				Help: "Total number of knowledge base searches",
			},
		),
		KnowledgeChunksLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "knowledge_chunks_loaded",
				Help: "Number of knowledge chunks currently loaded",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.ChatRequestsTotal)
	m.registry.MustRegister(m.ChatRequestDuration)
	m.registry.MustRegister(m.LLMErrorsTotal)

	m.registry.MustRegister(m.TTSRequestsTotal)
	m.registry.MustRegister(m.TTSAudioBytes)

	m.registry.MustRegister(m.AvatarConnectAttemptsTotal)
	m.registry.MustRegister(m.AvatarConnected)
	m.registry.MustRegister(m.AvatarFramesSentTotal)
	m.registry.MustRegister(m.AvatarPlaybacksTotal)

	m.registry.MustRegister(m.KnowledgeSearchesTotal)
	m.registry.MustRegister(m.KnowledgeChunksLoaded)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
