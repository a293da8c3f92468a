package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/queue"
	"github.com/BaSui01/batchflow/testutil"
)

// 等待中的 /predict 耗尽 HTTP 排空预算后，在途批次仍能写回结果
func TestServer_ShutdownLetsInflightBatchFinish(t *testing.T) {
	mr, redisCfg := testutil.NewRedis(t)
	worker := testutil.NewFakeWorker(t).WithDelay(600 * time.Millisecond)

	cfg := config.DefaultConfig()
	cfg.Redis = redisCfg
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.ShutdownTimeout = 400 * time.Millisecond
	cfg.Batch.MaxSize = 1
	cfg.Batch.Timeout = 20 * time.Millisecond
	cfg.Pool.ResetOnStart = false
	cfg.Pool.ResetOnStop = false
	cfg.Recovery.Enabled = false

	s := NewServer(cfg, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown() })

	require.NoError(t, s.pool.Register(context.Background(), worker.URL))

	_, port, err := net.SplitHostPort(s.httpManager.Addr())
	require.NoError(t, err)
	url := "http://127.0.0.1:" + port + "/predict"

	status := make(chan int, 1)
	go func() {
		body := `{"model":"gemma","request_id":"drain-1","messages":[{"role":"user","content":"hi"}]}`
		resp, err := http.Post(url, "application/json", strings.NewReader(body))
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	testutil.AssertEventuallyTrue(t, func() bool { return len(worker.Calls()) == 1 }, 2*time.Second)

	start := time.Now()
	assert.NoError(t, s.Shutdown())
	assert.Less(t, time.Since(start), 2*cfg.Server.ShutdownTimeout+200*time.Millisecond)

	assert.True(t, mr.Exists(queue.ResultKey("drain-1")), "result should be stored before the store closes")

	code, ok := testutil.WaitForChannel(status, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, code)
}
