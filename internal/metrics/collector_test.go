package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.batchesTotal)
	assert.NotNil(t, collector.workerRequestsTotal)
	assert.NotNil(t, collector.resultsTotal)
	assert.NotNil(t, collector.queueDepth)
}

func TestNewCollector_NilLogger(t *testing.T) {
	assert.NotNil(t, NewCollector(nextTestNamespace(), nil))
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("POST", "/predict", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("POST", "/predict", 200, 50*time.Millisecond, 512, 1024)
	collector.RecordHTTPRequest("POST", "/predict", 408, time.Second, 512, 64)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/predict", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/predict", "4xx")))
	assert.Greater(t, testutil.CollectAndCount(collector.httpRequestDuration), 0)
}

func TestCollector_RecordBatch(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordBatch("dispatched", 4)
	collector.RecordBatch("dispatched", 2)
	collector.RecordBatch("requeued", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.batchesTotal.WithLabelValues("dispatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchesTotal.WithLabelValues("requeued")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.batchSize))
}

func TestCollector_Inflight(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.BatchStarted()
	collector.BatchStarted()
	collector.BatchFinished()

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchesInflight))
}

func TestCollector_RecordRequeueAndLease(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRequeue("no_worker", 3)
	collector.RecordLeaseWait("timeout", 5*time.Second)
	collector.RecordLeaseWait("leased", time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.requeuesTotal.WithLabelValues("no_worker")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.leaseWait))
}

func TestCollector_RecordWorkerAndResult(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordWorkerRequest("success", 300*time.Millisecond)
	collector.RecordWorkerRequest("error", time.Second)
	collector.RecordResult("ok", 2*time.Second)
	collector.RecordResult("error", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.workerRequestsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.resultsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.resultsTotal.WithLabelValues("error")))
}

func TestCollector_RecordRecovery(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRecovery("reclaimed", 2)
	collector.RecordRecovery("abandoned", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.recoveryTotal.WithLabelValues("reclaimed")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.recoveryTotal))
}

func TestCollector_Depth(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordQueueDepth(7, 4, 1)
	collector.RecordWorkers(2, 3)

	assert.Equal(t, 7.0, testutil.ToFloat64(collector.queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.queueDepth.WithLabelValues("processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.queueDepth.WithLabelValues("dead_letter")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.workers.WithLabelValues("busy")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordHTTPRequest("GET", "/health", 200, time.Millisecond, 0, 2)
		collector.RecordBatch("dispatched", 1)
		collector.BatchStarted()
		collector.BatchFinished()
		collector.RecordLeaseWait("leased", 0)
		collector.RecordRequeue("no_worker", 1)
		collector.RecordWorkerRequest("success", 0)
		collector.RecordResult("ok", time.Second)
		collector.RecordRecovery("reclaimed", 1)
		collector.RecordQueueDepth(1, 1, 1)
		collector.RecordWorkers(1, 1)
	})
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.RecordHTTPRequest("GET", "/queue/stats", 200, time.Millisecond, 0, 64)
				collector.RecordWorkerRequest("success", time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(collector.workerRequestsTotal.WithLabelValues("success")))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, statusCode(tt.code))
		})
	}
}
