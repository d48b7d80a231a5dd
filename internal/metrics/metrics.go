// Package metrics provides Prometheus metrics for monitoring the resolver.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts API requests by command and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaresolverr_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"command", "status"},
	)

	// RequestDuration tracks request duration by command.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flaresolverr_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"command"},
	)

	// Resolutions counts finished resolutions by the path that produced the
	// result ("browser", "fallback", "none") and outcome.
	Resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaresolverr_resolutions_total",
			Help: "Resolutions by producing path and outcome",
		},
		[]string{"path", "outcome"},
	)

	// ChallengesSeen counts challenge kinds observed by the detector.
	ChallengesSeen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaresolverr_challenges_seen_total",
			Help: "Challenges observed by kind and result",
		},
		[]string{"kind", "result"},
	)

	// FallbackCalls counts calls to the external solving service.
	FallbackCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaresolverr_fallback_calls_total",
			Help: "External solver calls by result class",
		},
		[]string{"result"},
	)

	// BrowserQueueWait tracks how long requests waited for the browser slot.
	BrowserQueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flaresolverr_browser_queue_wait_seconds",
			Help:    "Time spent waiting for the single browser slot",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
	)

	// BrowserBusy is 1 while an attempt holds the browser.
	BrowserBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_browser_busy",
			Help: "Whether the browser slot is held",
		},
	)

	// BridgeConnections counts proxy bridge connections by mode and result.
	BridgeConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaresolverr_bridge_connections_total",
			Help: "Proxy bridge connections by mode and result",
		},
		[]string{"mode", "result"},
	)

	// BridgeActive shows currently relayed connections.
	BridgeActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_bridge_active_connections",
			Help: "Connections currently relayed by the proxy bridge",
		},
	)

	// ProfileSaves counts profile writes.
	ProfileSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaresolverr_profile_saves_total",
			Help: "Profile writes by result",
		},
		[]string{"result"},
	)

	// ProfileSaveDuration tracks atomic write latency.
	ProfileSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flaresolverr_profile_save_duration_seconds",
			Help:    "Profile write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ScreenshotsTotal counts failure screenshots.
	ScreenshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaresolverr_screenshots_total",
			Help: "Failure screenshots by result",
		},
		[]string{"result"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flaresolverr_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		Resolutions,
		ChallengesSeen,
		FallbackCalls,
		BrowserQueueWait,
		BrowserBusy,
		BridgeConnections,
		BridgeActive,
		ProfileSaves,
		ProfileSaveDuration,
		ScreenshotsTotal,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector periodically updates memory metrics until stopCh closes.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			MemoryUsageBytes.Set(float64(m.Alloc))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		case <-stopCh:
			return
		}
	}
}

// RecordRequest records metrics for a completed API request.
func RecordRequest(command, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(command, status).Inc()
	RequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordResolution records which path produced a result.
func RecordResolution(path, outcome string) {
	Resolutions.WithLabelValues(path, outcome).Inc()
}

// RecordChallenge records a challenge kind and how the loop ended for it.
func RecordChallenge(kind, result string) {
	ChallengesSeen.WithLabelValues(kind, result).Inc()
}

// RecordFallback records an external solver call.
func RecordFallback(result string) {
	FallbackCalls.WithLabelValues(result).Inc()
}

// RecordBrowserWait records time spent queued for the browser.
func RecordBrowserWait(d time.Duration) {
	BrowserQueueWait.Observe(d.Seconds())
}

// RecordBridgeConnection records one relayed connection.
func RecordBridgeConnection(mode, result string) {
	BridgeConnections.WithLabelValues(mode, result).Inc()
}

// RecordProfileSave records a profile write.
func RecordProfileSave(ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	ProfileSaves.WithLabelValues(result).Inc()
	ProfileSaveDuration.Observe(d.Seconds())
}

// RecordScreenshot records a diagnostic capture attempt.
func RecordScreenshot(result string) {
	ScreenshotsTotal.WithLabelValues(result).Inc()
}
