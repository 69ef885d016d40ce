package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freshRegistry swaps Registry for the duration of the test.
func freshRegistry(t *testing.T) {
	t.Helper()
	old := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = old })
}

func TestInitMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("1.2.3")
	require.NotNil(t, m)
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Info.WithLabelValues("1.2.3")))

	m.RecordSend("migrate", 3, 120)
	m.RecordSend("migrate", 1, 40)
	assert.Equal(t, float64(4), promtest.ToFloat64(m.QueueMessagesSent.WithLabelValues("migrate")))
	assert.Equal(t, float64(160), promtest.ToFloat64(m.QueueBytesAppended.WithLabelValues("migrate")))

	m.RecordEntries("migrate", "submitted", 0)
	assert.Equal(t, 0, promtest.CollectAndCount(m.GlacierEntries), "zero adds create no series")
	m.RecordEntries("migrate", "submitted", 2)
	assert.Equal(t, float64(2), promtest.ToFloat64(m.GlacierEntries.WithLabelValues("migrate", "submitted")))

	m.SetLowFreeSpace(true)
	assert.Equal(t, float64(1), promtest.ToFloat64(m.LowFreeSpace))
	m.SetLowFreeSpace(false)
	assert.Equal(t, float64(0), promtest.ToFloat64(m.LowFreeSpace))

	m.RecordToolRun("migrate", "ok", 0.2)
	assert.Equal(t, 1, promtest.CollectAndCount(m.GlacierToolDuration))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *TieringMetrics
	assert.NotPanics(t, func() {
		m.RecordSend("t", 1, 1)
		m.RecordHandleInit("t", "ok")
		m.RecordRotation("t", "rotated")
		m.RecordQueueFile("t", "committed")
		m.SetQueueDepth("t", 1, 1)
		m.RecordEntries("migrate", "failed", 1)
		m.RecordToolRun("recall", "error", 1)
		m.RecordPass("expiry", "ran")
		m.SetLastRun("expiry", 1)
		m.SetLowFreeSpace(true)
	})
}

func TestHandler(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test")
	m.RecordPass("migrate", "ran")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `coldtier_lifecycle_passes_total{pass="migrate",result="ran"} 1`)
	assert.Contains(t, string(body), "coldtier_info")
}

type fakeQueueStats struct {
	mu     sync.Mutex
	depths []TopicDepth
	err    error
	calls  int
}

func (f *fakeQueueStats) Depths() ([]TopicDepth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.depths, f.err
}

func (f *fakeQueueStats) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCollector_Collect(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test")
	stats := &fakeQueueStats{depths: []TopicDepth{
		{Topic: "migrate", PendingFiles: 2, CurrentBytes: 512},
		{Topic: "restore", PendingFiles: 0, CurrentBytes: 0},
	}}

	NewCollector(m, stats, zerolog.Nop()).Collect()

	assert.Equal(t, float64(2), promtest.ToFloat64(m.QueuePendingFiles.WithLabelValues("migrate")))
	assert.Equal(t, float64(512), promtest.ToFloat64(m.QueueCurrentBytes.WithLabelValues("migrate")))
	assert.Equal(t, float64(0), promtest.ToFloat64(m.QueuePendingFiles.WithLabelValues("restore")))
}

func TestCollector_CollectError(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test")
	stats := &fakeQueueStats{err: errors.New("boom")}

	NewCollector(m, stats, zerolog.Nop()).Collect()
	assert.Equal(t, 0, promtest.CollectAndCount(m.QueuePendingFiles))

	assert.NotPanics(t, func() { NewCollector(m, nil, zerolog.Nop()).Collect() })
}

func TestCollector_Run(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test")
	stats := &fakeQueueStats{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewCollector(m, stats, zerolog.Nop()).Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return stats.Calls() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
