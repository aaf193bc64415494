package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Request pipeline metrics
var (
	metricRequestsReceived  atomic.Int64
	metricDecryptFailures   atomic.Int64
	metricParseFailures     atomic.Int64
	metricDuplicatesDropped atomic.Int64
	metricBudgetRejections  atomic.Int64
	metricErrorResponses    atomic.Int64
)

// Payment metrics
var (
	metricPaymentsSent   atomic.Int64
	metricPaymentsFailed atomic.Int64
)

// Publish metrics
var (
	metricResponsesPublished atomic.Int64
	metricPublishFailures    atomic.Int64
)

var startTime = time.Now()

// metricsHandler serves counters in plain text, one per line
func metricsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "uptime_seconds %d\n", int64(time.Since(startTime).Seconds()))
	fmt.Fprintf(w, "requests_received_total %d\n", metricRequestsReceived.Load())
	fmt.Fprintf(w, "decrypt_failures_total %d\n", metricDecryptFailures.Load())
	fmt.Fprintf(w, "parse_failures_total %d\n", metricParseFailures.Load())
	fmt.Fprintf(w, "duplicates_dropped_total %d\n", metricDuplicatesDropped.Load())
	fmt.Fprintf(w, "budget_rejections_total %d\n", metricBudgetRejections.Load())
	fmt.Fprintf(w, "error_responses_total %d\n", metricErrorResponses.Load())
	fmt.Fprintf(w, "payments_sent_total %d\n", metricPaymentsSent.Load())
	fmt.Fprintf(w, "payments_failed_total %d\n", metricPaymentsFailed.Load())
	fmt.Fprintf(w, "responses_published_total %d\n", metricResponsesPublished.Load())
	fmt.Fprintf(w, "publish_failures_total %d\n", metricPublishFailures.Load())
	fmt.Fprintf(w, "goroutines %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "heap_alloc_bytes %d\n", m.HeapAlloc)
}
