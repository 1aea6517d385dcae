package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	EnvelopesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_envelopes_stored_total",
			Help: "Total number of encrypted chat envelopes stored.",
		},
	)

	EnvelopeCiphertextBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_envelope_ciphertext_bytes",
			Help:    "Ciphertext sizes for stored envelopes.",
			Buckets: prometheus.ExponentialBuckets(32, 2, 10),
		},
	)

	HistoryFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_history_fetched_total",
			Help: "Total number of chat history fetches.",
		},
	)

	DecryptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_decrypt_failures_total",
			Help: "Envelopes dropped because they failed authentication.",
		},
		[]string{"phase"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ws_connections",
			Help: "Open relay websocket connections.",
		},
	)

	RelayEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Events relayed, by kind and source.",
		},
		[]string{"kind", "source"},
	)

	DroppedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dropped_events_total",
			Help: "Events dropped because a subscriber was too slow or rate limited.",
		},
		[]string{"reason"},
	)

	LocationSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "location_samples_total",
			Help: "Location samples by outcome.",
		},
		[]string{"outcome"},
	)
)

// Metric vectors are usable unregistered (tests, CLI). MustRegister attaches
// the service label to every series and registers them with the default
// registry.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		EnvelopesStoredTotal,
		EnvelopeCiphertextBytes,
		HistoryFetchedTotal,
		DecryptFailuresTotal,
		WSConnections,
		RelayEventsTotal,
		DroppedEventsTotal,
		LocationSamplesTotal,
	)
}
