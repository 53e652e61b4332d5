package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	uploadsTotal        atomic.Uint64
	stageCompletedTotal atomic.Uint64
	stageFailedTotal    atomic.Uint64
	taskPollsTotal      atomic.Uint64
	taskTimeoutsTotal   atomic.Uint64

	stageDuration = newHistogram([]float64{250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000})
	taskWait      = newHistogram([]float64{5000, 15000, 30000, 60000, 120000, 180000, 300000, 600000})
)

// IncUpload increments the processed-upload counter.
func IncUpload() {
	uploadsTotal.Add(1)
}

// IncStageCompleted increments the completed-stage counter.
func IncStageCompleted() {
	stageCompletedTotal.Add(1)
}

// IncStageFailed increments the failed-stage counter.
func IncStageFailed() {
	stageFailedTotal.Add(1)
}

// IncTaskPoll increments the remote-task poll counter.
func IncTaskPoll() {
	taskPollsTotal.Add(1)
}

// IncTaskTimeout increments the exhausted-poll-budget counter.
func IncTaskTimeout() {
	taskTimeoutsTotal.Add(1)
}

// ObserveStageDurationMs records an analysis-stage duration in milliseconds.
func ObserveStageDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	stageDuration.Observe(value)
}

// ObserveTaskWaitMs records end-to-end wait for a generation task in milliseconds.
func ObserveTaskWaitMs(value float64) {
	if value < 0 {
		value = 0
	}
	taskWait.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "patent_uploads_total", "Total patent uploads processed", uploadsTotal.Load())
	writeCounter(&buf, "analysis_stage_completed_total", "Total analysis stages completed", stageCompletedTotal.Load())
	writeCounter(&buf, "analysis_stage_failed_total", "Total analysis stages failed", stageFailedTotal.Load())
	writeCounter(&buf, "generation_task_polls_total", "Total remote task status polls", taskPollsTotal.Load())
	writeCounter(&buf, "generation_task_timeouts_total", "Total remote tasks that exhausted the poll budget", taskTimeoutsTotal.Load())
	writeHistogram(&buf, "analysis_stage_duration_ms", "Analysis stage duration in milliseconds", stageDuration.Snapshot())
	writeHistogram(&buf, "generation_task_wait_ms", "Generation task wait in milliseconds", taskWait.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
	return out
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// NowMillis returns current time in milliseconds, useful for callers without time utilities.
func NowMillis() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}
