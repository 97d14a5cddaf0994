package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls       prometheus.Gauge
	MediaFrames       *prometheus.CounterVec
	TranslationEvents *prometheus.CounterVec
	TranslationDelay  prometheus.Histogram
	BufferClears      *prometheus.CounterVec
	DroppedSends      *prometheus.CounterVec
	Interruptions     *prometheus.CounterVec
	SpeechToAudio     prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of active relay sessions.",
		}),
		MediaFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_total",
			Help:      "Media frames by leg and direction.",
		}, []string{"leg", "direction"}),
		TranslationEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translation_events_total",
			Help:      "Translation backend events by leg and type.",
		}, []string{"leg", "event"}),
		TranslationDelay: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "translation_delay_ms",
			Help:      "Delay from response start to each translated chunk in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 3500, 5000, 8000, 15000},
		}),
		BufferClears: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_clears_total",
			Help:      "Buffer clear commands by leg and target (input or playback).",
		}, []string{"leg", "target"}),
		DroppedSends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Sends dropped because a connection was not open, by connection kind.",
		}, []string{"kind"}),
		Interruptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Speech detected on one leg while the other leg's translation was in flight.",
		}, []string{"leg"}),
		SpeechToAudio: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "speech_stop_to_first_audio_ms",
			Help:      "Latency from speech stop to first translated audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
	}
}

func (m *Metrics) ObserveTranslationDelay(d time.Duration) {
	m.TranslationDelay.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSpeechToAudio(d time.Duration) {
	m.SpeechToAudio.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
