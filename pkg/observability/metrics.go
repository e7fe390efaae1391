package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Driver metrics
	driverScrapesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbus_driver_scrapes_total",
			Help: "Total number of driver scrape-all passes",
		},
		[]string{"device", "status"},
	)

	driverScrapeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridbus_driver_scrape_duration_seconds",
			Help:    "Driver scrape-all duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"device"},
	)

	pointReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbus_point_reads_total",
			Help: "Total number of point reads",
		},
		[]string{"device", "status"},
	)

	pointWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbus_point_writes_total",
			Help: "Total number of point writes",
		},
		[]string{"device", "status"},
	)

	// Vendor API metrics
	vendorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbus_vendor_requests_total",
			Help: "Total number of vendor API requests",
		},
		[]string{"vendor", "operation", "status"},
	)

	vendorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridbus_vendor_request_duration_seconds",
			Help:    "Vendor API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"vendor", "operation"},
	)

	tokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbus_token_refreshes_total",
			Help: "Total number of vendor token refreshes",
		},
		[]string{"vendor", "status"},
	)

	// Cache metrics
	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridbus_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridbus_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// Bus metrics
	busPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbus_bus_publishes_total",
			Help: "Total number of messages published to the bus",
		},
		[]string{"topic_prefix"},
	)

	agentMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbus_agent_messages_total",
			Help: "Total number of agent messages",
		},
		[]string{"agent", "type"},
	)

	agentExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridbus_agent_execution_duration_seconds",
			Help:    "Agent execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			driverScrapesTotal,
			driverScrapeDuration,
			pointReadsTotal,
			pointWritesTotal,
			vendorRequestsTotal,
			vendorRequestDuration,
			tokenRefreshesTotal,
			cacheHitsTotal,
			cacheMissesTotal,
			busPublishesTotal,
			agentMessagesTotal,
			agentExecutionDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordDriverScrape records one scrape-all pass
func RecordDriverScrape(device, status string, duration time.Duration) {
	driverScrapesTotal.WithLabelValues(device, status).Inc()
	driverScrapeDuration.WithLabelValues(device).Observe(duration.Seconds())
}

// RecordPointRead records a point read
func RecordPointRead(device, status string) {
	pointReadsTotal.WithLabelValues(device, status).Inc()
}

// RecordPointWrite records a point write
func RecordPointWrite(device, status string) {
	pointWritesTotal.WithLabelValues(device, status).Inc()
}

// RecordVendorRequest records a vendor API request
func RecordVendorRequest(vendor, operation, status string, duration time.Duration) {
	vendorRequestsTotal.WithLabelValues(vendor, operation, status).Inc()
	vendorRequestDuration.WithLabelValues(vendor, operation).Observe(duration.Seconds())
}

// RecordTokenRefresh records a vendor token request or refresh
func RecordTokenRefresh(vendor, status string) {
	tokenRefreshesTotal.WithLabelValues(vendor, status).Inc()
}

// RecordCacheHit records a response cache hit
func RecordCacheHit() {
	cacheHitsTotal.Inc()
}

// RecordCacheMiss records a response cache miss
func RecordCacheMiss() {
	cacheMissesTotal.Inc()
}

// RecordBusPublish records a message published to a topic
func RecordBusPublish(topicPrefix string) {
	busPublishesTotal.WithLabelValues(topicPrefix).Inc()
}

// RecordAgentMessage records agent message metrics
func RecordAgentMessage(agent, msgType string) {
	agentMessagesTotal.WithLabelValues(agent, msgType).Inc()
}

// RecordAgentExecution records agent execution metrics
func RecordAgentExecution(agent string, duration time.Duration) {
	agentExecutionDuration.WithLabelValues(agent).Observe(duration.Seconds())
}
