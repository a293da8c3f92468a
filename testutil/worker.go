package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// 🤖 假推理 worker
// =============================================================================

// CompletionCall worker 收到的一次 /completion 请求
type CompletionCall struct {
	Prompt      string           `json:"prompt"`
	NPredict    int              `json:"n_predict"`
	Temperature float64          `json:"temperature"`
	TopP        float64          `json:"top_p"`
	Stop        []string         `json:"stop"`
	Stream      bool             `json:"stream"`
	CachePrompt bool             `json:"cache_prompt"`
	ImageData   []map[string]any `json:"image_data,omitempty"`
}

// CompletionReply worker 的应答
type CompletionReply struct {
	Content         string `json:"content"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	Stop            bool   `json:"stop"`
	StopType        string `json:"stop_type"`
}

// ReplyFunc 根据请求决定应答；返回非 2xx 状态码时 reply 被忽略
type ReplyFunc func(call CompletionCall) (reply CompletionReply, status int)

// FakeWorker 基于 httptest 的 llama.cpp 风格 worker
type FakeWorker struct {
	*httptest.Server

	mu      sync.Mutex
	calls   []CompletionCall
	reply   ReplyFunc
	delay   time.Duration
	healthy atomic.Bool

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

// NewFakeWorker 创建假 worker，默认回显 "ok"
func NewFakeWorker(t testing.TB) *FakeWorker {
	t.Helper()

	w := &FakeWorker{
		reply: func(CompletionCall) (CompletionReply, int) {
			return CompletionReply{Content: " ok ", TokensPredicted: 1, TokensEvaluated: 1, Stop: true, StopType: "eos"}, http.StatusOK
		},
	}
	w.healthy.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/completion", w.handleCompletion)
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		if !w.healthy.Load() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"status":"ok"}`))
	})

	w.Server = httptest.NewServer(mux)
	t.Cleanup(w.Close)
	return w
}

// WithReply 设置应答函数
func (w *FakeWorker) WithReply(fn ReplyFunc) *FakeWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reply = fn
	return w
}

// WithDelay 设置每个请求的处理延迟
func (w *FakeWorker) WithDelay(d time.Duration) *FakeWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delay = d
	return w
}

// SetHealthy 设置 /health 状态
func (w *FakeWorker) SetHealthy(ok bool) {
	w.healthy.Store(ok)
}

// Calls 返回已收到的请求副本
func (w *FakeWorker) Calls() []CompletionCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]CompletionCall, len(w.calls))
	copy(out, w.calls)
	return out
}

// MaxInflight 观察到的最大并发请求数
func (w *FakeWorker) MaxInflight() int {
	return int(w.maxInflight.Load())
}

func (w *FakeWorker) handleCompletion(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	n := w.inflight.Add(1)
	defer w.inflight.Add(-1)
	for {
		cur := w.maxInflight.Load()
		if n <= cur || w.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	var call CompletionCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	w.calls = append(w.calls, call)
	reply, delay := w.reply, w.delay
	w.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	body, status := reply(call)
	if status < 200 || status >= 300 {
		http.Error(rw, "worker error", status)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(body)
}
