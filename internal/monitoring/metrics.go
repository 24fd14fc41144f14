package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Provider metrics
	ProviderLatency  *prometheus.HistogramVec
	ProviderRequests *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	RateLimiterWait  prometheus.Histogram

	// Chat pipeline metrics
	ChatTurns          *prometheus.CounterVec
	RetrievalSize      prometheus.Histogram
	SecurityRejections *prometheus.CounterVec
	QuotaRejections    prometheus.Counter

	// Background work metrics
	KnowledgeGaps   *prometheus.CounterVec
	Analyses        *prometheus.CounterVec
	TasksQueued     *prometheus.GaugeVec
	TasksProcessed  *prometheus.CounterVec
	ChunksEmbedded  *prometheus.CounterVec
	HistoryCacheOps *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init initializes all Prometheus metrics
func Init() *Metrics {
	initOnce.Do(func() {
		metrics = newMetrics()
	})
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		ProviderLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_provider_latency_seconds",
				Help:    "LLM provider response latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"operation", "model"},
		),
		ProviderRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_provider_requests_total",
				Help: "Total number of requests to the LLM provider",
			},
			[]string{"operation", "model", "status"},
		),
		ProviderErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_provider_errors_total",
				Help: "Total number of errors from the LLM provider",
			},
			[]string{"operation", "error_type"},
		),
		RateLimiterWait: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "llm_rate_limiter_wait_seconds",
				Help:    "Time callers spent waiting for a provider turn",
				Buckets: []float64{0, .01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),

		ChatTurns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_turns_total",
				Help: "Chat turns by outcome",
			},
			[]string{"outcome"},
		),
		RetrievalSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retrieval_candidates",
				Help:    "Number of embedded chunks scanned per retrieval",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		SecurityRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_rejections_total",
				Help: "Chat requests rejected by the security gate",
			},
			[]string{"reason"},
		),
		QuotaRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quota_rejections_total",
				Help: "Chat requests rejected because the tenant hit its message limit",
			},
		),

		KnowledgeGaps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knowledge_gaps_total",
				Help: "Knowledge gap classifications by result",
			},
			[]string{"result"},
		),
		Analyses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversation_analyses_total",
				Help: "Conversation analyses by outcome",
			},
			[]string{"outcome"},
		),
		TasksQueued: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "background_tasks_queued",
				Help: "Background tasks waiting for a worker",
			},
			[]string{"queue"},
		),
		TasksProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "background_tasks_processed_total",
				Help: "Background tasks processed by kind and status",
			},
			[]string{"kind", "status"},
		),
		ChunksEmbedded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunks_embedded_total",
				Help: "Ingested chunks by embedding outcome",
			},
			[]string{"status"},
		),
		HistoryCacheOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "history_cache_operations_total",
				Help: "Conversation history cache lookups",
			},
			[]string{"result"},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"breaker"},
		),
	}
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordProviderCall records latency and status of a provider call
func RecordProviderCall(operation, model, status string, duration time.Duration) {
	m := Get()
	m.ProviderLatency.WithLabelValues(operation, model).Observe(duration.Seconds())
	m.ProviderRequests.WithLabelValues(operation, model, status).Inc()
}

// RecordProviderError records a provider error by type
func RecordProviderError(operation, errorType string) {
	Get().ProviderErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordRateLimiterWait records how long a caller waited for its turn
func RecordRateLimiterWait(d time.Duration) {
	Get().RateLimiterWait.Observe(d.Seconds())
}

// RecordChatTurn records a chat outcome (answered, no_knowledge, fallback, rejected, failed)
func RecordChatTurn(outcome string) {
	Get().ChatTurns.WithLabelValues(outcome).Inc()
}

func RecordRetrievalSize(candidates int) {
	Get().RetrievalSize.Observe(float64(candidates))
}

func RecordSecurityRejection(reason string) {
	Get().SecurityRejections.WithLabelValues(reason).Inc()
}

func RecordQuotaRejection() {
	Get().QuotaRejections.Inc()
}

// RecordKnowledgeGap records a classification result (merged, created, failed)
func RecordKnowledgeGap(result string) {
	Get().KnowledgeGaps.WithLabelValues(result).Inc()
}

// RecordAnalysis records an analysis outcome (completed, skipped, duplicate, failed)
func RecordAnalysis(outcome string) {
	Get().Analyses.WithLabelValues(outcome).Inc()
}

func SetTasksQueued(queue string, n int) {
	Get().TasksQueued.WithLabelValues(queue).Set(float64(n))
}

func RecordTaskProcessed(kind, status string) {
	Get().TasksProcessed.WithLabelValues(kind, status).Inc()
}

func RecordChunkEmbedded(status string) {
	Get().ChunksEmbedded.WithLabelValues(status).Inc()
}

func RecordHistoryCache(result string) {
	Get().HistoryCacheOps.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(breaker string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(breaker).Set(state)
}
