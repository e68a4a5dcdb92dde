package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests and the
// chunked upload pipeline: chunk writes, finalize runs, object store retries
// and reaped sessions. Writers are coordinated through a RWMutex; the active
// finalize gauge is atomic.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	chunkEvents      map[string]uint64
	chunkBytes       uint64
	finalizeEvents   map[string]uint64
	finalizeDuration map[string]time.Duration
	finalizeBytes    uint64
	storageRetries   map[string]uint64
	sessionsReaped   uint64
	activeFinalizes  atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		chunkEvents:      make(map[string]uint64),
		finalizeEvents:   make(map[string]uint64),
		finalizeDuration: make(map[string]time.Duration),
		storageRetries:   make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder used by the package helpers.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(recorder *Recorder) {
	if recorder == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = recorder
	defaultMu.Unlock()
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveChunk records the outcome of a single chunk write. Bytes are only
// counted for stored chunks.
func (r *Recorder) ObserveChunk(result string, bytes int) {
	normalized := normalizeName(result)
	r.mu.Lock()
	r.chunkEvents[normalized]++
	if normalized == "stored" && bytes > 0 {
		r.chunkBytes += uint64(bytes)
	}
	r.mu.Unlock()
}

// FinalizeStarted increments the active finalize gauge.
func (r *Recorder) FinalizeStarted() {
	r.activeFinalizes.Add(1)
}

// FinalizeFinished records a finalize outcome and its duration and releases
// the active gauge.
func (r *Recorder) FinalizeFinished(result string, bytes int64, duration time.Duration) {
	normalized := normalizeName(result)
	r.mu.Lock()
	r.finalizeEvents[normalized]++
	r.finalizeDuration[normalized] += duration
	if normalized == "success" && bytes > 0 {
		r.finalizeBytes += uint64(bytes)
	}
	r.mu.Unlock()
	r.decrementGauge(&r.activeFinalizes)
}

// ObserveStorageRetry counts a retried object store operation.
func (r *Recorder) ObserveStorageRetry(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.storageRetries[op]++
	r.mu.Unlock()
}

// ObserveSessionsReaped adds to the reaped session counter.
func (r *Recorder) ObserveSessionsReaped(count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.sessionsReaped += uint64(count)
	r.mu.Unlock()
}

// ActiveFinalizes exposes the current number of in-flight finalize runs.
func (r *Recorder) ActiveFinalizes() int64 {
	return r.activeFinalizes.Load()
}

// ChunkCounts returns a copy of the chunk outcome counters.
func (r *Recorder) ChunkCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.chunkEvents)
}

// FinalizeCounts returns a copy of the finalize outcome counters.
func (r *Recorder) FinalizeCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.finalizeEvents)
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.chunkEvents = make(map[string]uint64)
	r.chunkBytes = 0
	r.finalizeEvents = make(map[string]uint64)
	r.finalizeDuration = make(map[string]time.Duration)
	r.finalizeBytes = 0
	r.storageRetries = make(map[string]uint64)
	r.sessionsReaped = 0
	r.activeFinalizes.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP learnhub_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE learnhub_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "learnhub_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP learnhub_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE learnhub_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "learnhub_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP learnhub_upload_chunks_total Chunk writes by outcome")
	fmt.Fprintln(w, "# TYPE learnhub_upload_chunks_total counter")
	for _, result := range sortedKeys(r.chunkEvents) {
		fmt.Fprintf(w, "learnhub_upload_chunks_total{result=\"%s\"} %d\n", result, r.chunkEvents[result])
	}

	fmt.Fprintln(w, "# HELP learnhub_upload_chunk_bytes_total Bytes accepted into the staging area")
	fmt.Fprintln(w, "# TYPE learnhub_upload_chunk_bytes_total counter")
	fmt.Fprintf(w, "learnhub_upload_chunk_bytes_total %d\n", r.chunkBytes)

	fmt.Fprintln(w, "# HELP learnhub_upload_finalize_total Finalize runs by outcome")
	fmt.Fprintln(w, "# TYPE learnhub_upload_finalize_total counter")
	for _, result := range sortedKeys(r.finalizeEvents) {
		fmt.Fprintf(w, "learnhub_upload_finalize_total{result=\"%s\"} %d\n", result, r.finalizeEvents[result])
	}

	fmt.Fprintln(w, "# HELP learnhub_upload_finalize_duration_seconds_sum Cumulative finalize duration in seconds")
	fmt.Fprintln(w, "# TYPE learnhub_upload_finalize_duration_seconds_sum counter")
	for _, result := range sortedKeys(r.finalizeEvents) {
		fmt.Fprintf(w, "learnhub_upload_finalize_duration_seconds_sum{result=\"%s\"} %f\n", result, r.finalizeDuration[result].Seconds())
	}

	fmt.Fprintln(w, "# HELP learnhub_upload_finalized_bytes_total Bytes pushed to durable storage by successful finalize runs")
	fmt.Fprintln(w, "# TYPE learnhub_upload_finalized_bytes_total counter")
	fmt.Fprintf(w, "learnhub_upload_finalized_bytes_total %d\n", r.finalizeBytes)

	fmt.Fprintln(w, "# HELP learnhub_upload_active_finalizes Finalize runs currently in flight")
	fmt.Fprintln(w, "# TYPE learnhub_upload_active_finalizes gauge")
	fmt.Fprintf(w, "learnhub_upload_active_finalizes %d\n", r.activeFinalizes.Load())

	fmt.Fprintln(w, "# HELP learnhub_object_store_retries_total Retried object store operations")
	fmt.Fprintln(w, "# TYPE learnhub_object_store_retries_total counter")
	for _, op := range sortedKeys(r.storageRetries) {
		fmt.Fprintf(w, "learnhub_object_store_retries_total{operation=\"%s\"} %d\n", op, r.storageRetries[op])
	}

	fmt.Fprintln(w, "# HELP learnhub_upload_sessions_reaped_total Idle upload sessions purged by the reaper")
	fmt.Fprintln(w, "# TYPE learnhub_upload_sessions_reaped_total counter")
	fmt.Fprintf(w, "learnhub_upload_sessions_reaped_total %d\n", r.sessionsReaped)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func copyCounts(values map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// Route segments are short lowercase words; anything longer or digit-heavy is
// an identifier.
func looksLikeIdentifier(segment string) bool {
	if len(segment) > 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
