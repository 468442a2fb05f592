package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dqagent"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions prometheus.Gauge

	retrievalDuration prometheus.Histogram
	retrievalResults  prometheus.Histogram
	retrievalErrors   prometheus.Counter
	indexEntries      *prometheus.GaugeVec
	embedCacheTotal   *prometheus.CounterVec

	planTotal    *prometheus.CounterVec
	planDuration prometheus.Histogram
	planSteps    prometheus.Histogram

	checkExecutionTotal    *prometheus.CounterVec
	checkExecutionDuration *prometheus.HistogramVec

	runTotal    *prometheus.CounterVec
	runDuration prometheus.Histogram

	llmCallTotal     *prometheus.CounterVec
	llmCallDuration  *prometheus.HistogramVec
	schemaRetries    *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec
	breakerState     *prometheus.GaugeVec

	rpcTotal    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec

	scheduleRunTotal    *prometheus.CounterVec
	scheduleRunDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total task completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Queued task duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current presentation session count.",
				},
			),
			retrievalDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "retrieval_duration_seconds",
					Help:      "Tool retrieval duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			retrievalResults: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "retrieval_results",
					Help:      "Number of tool descriptors returned per retrieval.",
					Buckets:   []float64{0, 1, 2, 3, 4, 8, 16},
				},
			),
			retrievalErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "retrieval_errors_total",
					Help:      "Total failed retrievals.",
				},
			),
			indexEntries: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "index_entries",
					Help:      "Tool descriptors held by the similarity index, by backend.",
				},
				[]string{"backend"},
			),
			embedCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "embedding_cache_total",
					Help:      "Embedding cache lookups by result (hit or miss).",
				},
				[]string{"result"},
			),
			planTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "plan_total",
					Help:      "Total planning calls by outcome kind.",
				},
				[]string{"outcome"},
			),
			planDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "plan_duration_seconds",
					Help:      "Planning duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			planSteps: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "plan_steps",
					Help:      "Number of steps per generated plan.",
					Buckets:   []float64{0, 1, 2, 3, 4, 6, 8},
				},
			),
			checkExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "check_execution_total",
					Help:      "Total check executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			checkExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "check_execution_duration_seconds",
					Help:      "Check execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "run_total",
					Help:      "Total execution passes by outcome kind.",
				},
				[]string{"outcome"},
			),
			runDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "run_duration_seconds",
					Help:      "Execution pass duration in seconds.",
					Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
			),
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_call_total",
					Help:      "Total language model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "llm_call_duration_seconds",
					Help:      "Language model call duration in seconds by provider.",
					Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"provider"},
			),
			schemaRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "schema_retries_total",
					Help:      "Structured completions retried after schema validation failure.",
				},
				[]string{"schema"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			breakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_breaker_state",
					Help:      "Circuit breaker state per auth profile (0 closed, 1 half-open, 2 open).",
				},
				[]string{"profile"},
			),
			rpcTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "rpc_requests_total",
					Help:      "Gateway RPC requests by method and response code (0 for success).",
				},
				[]string{"method", "code"},
			),
			rpcDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "rpc_duration_seconds",
					Help:      "Gateway RPC handler latency by method.",
					Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
				},
				[]string{"method"},
			),
			scheduleRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "schedule_runs_total",
					Help:      "Scheduled job runs by outcome.",
				},
				[]string{"status"},
			),
			scheduleRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "schedule_run_duration_seconds",
					Help:      "Duration of scheduled job runs.",
					Buckets:   prometheus.ExponentialBuckets(0.1, 3, 8),
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.retrievalDuration,
			m.retrievalResults,
			m.retrievalErrors,
			m.indexEntries,
			m.embedCacheTotal,
			m.planTotal,
			m.planDuration,
			m.planSteps,
			m.checkExecutionTotal,
			m.checkExecutionDuration,
			m.runTotal,
			m.runDuration,
			m.llmCallTotal,
			m.llmCallDuration,
			m.schemaRetries,
			m.providerCooldown,
			m.breakerState,
			m.rpcTotal,
			m.rpcDuration,
			m.scheduleRunTotal,
			m.scheduleRunDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordRetrieval(duration time.Duration, results int, err error) {
	m := getMetrics()
	m.retrievalDuration.Observe(duration.Seconds())
	if err != nil {
		m.retrievalErrors.Inc()
		return
	}
	m.retrievalResults.Observe(float64(results))
}

func SetIndexEntries(backend string, total int) {
	getMetrics().indexEntries.WithLabelValues(backend).Set(float64(total))
}

func RecordEmbeddingCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().embedCacheTotal.WithLabelValues(result).Inc()
}

// RecordPlan records one planning call; outcome is "success" or an error kind.
func RecordPlan(duration time.Duration, steps int, outcome string) {
	m := getMetrics()
	m.planTotal.WithLabelValues(outcome).Inc()
	m.planDuration.Observe(duration.Seconds())
	if outcome == "success" {
		m.planSteps.Observe(float64(steps))
	}
}

func RecordCheckExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.checkExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.checkExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordRun records one execution pass; outcome is "success", "empty" or an error kind.
func RecordRun(duration time.Duration, outcome string) {
	m := getMetrics()
	m.runTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func RecordLLMCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordSchemaRetry(schema string) {
	getMetrics().schemaRetries.WithLabelValues(schema).Inc()
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func SetBreakerState(profile string, state int) {
	getMetrics().breakerState.WithLabelValues(profile).Set(float64(state))
}

// RecordRPC counts one routed RPC call. code is 0 for a successful response.
func RecordRPC(method string, code int, duration time.Duration) {
	m := getMetrics()
	m.rpcTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordScheduledRun(duration time.Duration, success bool) {
	m := getMetrics()
	m.scheduleRunTotal.WithLabelValues(statusLabel(success)).Inc()
	m.scheduleRunDuration.Observe(duration.Seconds())
}
