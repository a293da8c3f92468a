package queue

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupResults(t *testing.T) (*Queue, *Results, func() []string) {
	t.Helper()

	mr, store, q := setupQueue(t)
	cfg := config.DefaultResultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	res := NewResults(store, q, cfg, zap.NewNop())

	processing := func() []string {
		list, _ := mr.List(ProcessingList)
		return list
	}
	return q, res, processing
}

func TestResults_CompleteClearsProcessing(t *testing.T) {
	mr, store, q := setupQueue(t)
	res := NewResults(store, q, config.DefaultResultConfig(), zap.NewNop())
	ctx := context.Background()
	enqueueN(t, q, 2)

	batch, err := q.AssembleBatch(ctx, 2, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, res.Complete(ctx, batch[0], types.Result{Content: "hello", Stop: true, StopType: "eos"}))

	got, err := res.Get(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, 300*time.Second, mr.TTL(ResultKey(batch[0].ID)))

	processing, _ := mr.List(ProcessingList)
	assert.Equal(t, []string{batch[1].Raw()}, processing)
	assert.Empty(t, mr.HGet(ClaimsHash, batch[0].ID))
	assert.NotEmpty(t, mr.HGet(ClaimsHash, batch[1].ID))
}

func TestResults_Expire(t *testing.T) {
	mr, store, q := setupQueue(t)
	res := NewResults(store, q, config.DefaultResultConfig(), zap.NewNop())
	ctx := context.Background()

	req := &QueuedRequest{ID: "r1"}
	require.NoError(t, req.encode())
	require.NoError(t, res.Complete(ctx, req, types.Result{Content: "x"}))

	mr.FastForward(301 * time.Second)

	_, err := res.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestResults_GetNotFound(t *testing.T) {
	_, res, _ := setupResults(t)

	_, err := res.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestResults_AwaitReturnsStoredResult(t *testing.T) {
	q, res, processing := setupResults(t)
	ctx := context.Background()
	enqueueN(t, q, 1)

	batch, err := q.AssembleBatch(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = res.Complete(context.Background(), batch[0], types.Result{Content: "done", Stop: true})
	}()

	got, err := res.Await(ctx, batch[0].ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Content)
	assert.Empty(t, processing())
}

func TestResults_AwaitTimeoutClearsProcessing(t *testing.T) {
	q, res, processing := setupResults(t)
	ctx := context.Background()
	enqueueN(t, q, 1)

	batch, err := q.AssembleBatch(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, processing(), 1)

	start := time.Now()
	got, err := res.Await(ctx, batch[0].ID, 100*time.Millisecond)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrResultTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Empty(t, processing())
}

func TestResults_AwaitReturnsResultStoredBetweenPolls(t *testing.T) {
	mr, store, q := setupQueue(t)
	cfg := config.DefaultResultConfig()
	cfg.PollInterval = 200 * time.Millisecond
	res := NewResults(store, q, cfg, zap.NewNop())
	ctx := context.Background()
	enqueueN(t, q, 1)

	batch, err := q.AssembleBatch(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)

	// 第二次轮询在 400ms，晚于 300ms 的截止时间
	go func() {
		time.Sleep(250 * time.Millisecond)
		_ = res.Complete(context.Background(), batch[0], types.Result{Content: "late", Stop: true})
	}()

	got, err := res.Await(ctx, batch[0].ID, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "late", got.Content)

	processing, _ := mr.List(ProcessingList)
	assert.Empty(t, processing)
}

func TestResults_AwaitContextCancelled(t *testing.T) {
	_, res, _ := setupResults(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := res.Await(ctx, "r1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
