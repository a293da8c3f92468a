package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/coord"
	"github.com/BaSui01/batchflow/internal/queue"
	"github.com/BaSui01/batchflow/testutil"
)

type fixture struct {
	mr      *miniredis.Miniredis
	queue   *queue.Queue
	results *queue.Results
	cfg     config.RecoveryConfig
	now     time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()

	mr, redisCfg := testutil.NewRedis(t)
	store, err := coord.NewRedisStore(redisCfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := queue.New(store, zaptest.NewLogger(t))
	return &fixture{
		mr:      mr,
		queue:   q,
		results: queue.NewResults(store, q, config.DefaultResultConfig(), zap.NewNop()),
		cfg:     config.DefaultRecoveryConfig(),
		now:     time.Now(),
	}
}

func (f *fixture) sweeper(t *testing.T, at time.Time) *Sweeper {
	return NewSweeper(f.queue, f.results, f.cfg, zaptest.NewLogger(t), WithClock(func() time.Time { return at }))
}

// claimed 直接写入一个已认领条目及其认领时间
func (f *fixture) claimed(t *testing.T, id string, retry int, claimedAt time.Time) string {
	t.Helper()
	raw := fmt.Sprintf(`{"request_id":%q,"payload":{"model":"m"},"enqueued_at":"2026-01-01T00:00:00Z","retry_count":%d}`, id, retry)
	f.mr.RPush(queue.ProcessingList, raw)
	f.mr.HSet(queue.ClaimsHash, id, strconv.FormatInt(claimedAt.UnixMilli(), 10))
	return raw
}

func (f *fixture) list(name string) []string {
	l, _ := f.mr.List(name)
	return l
}

func TestSweeper_ReclaimRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"model":"gemma","messages":[{"role":"user","content":"hi"}]}`)
	id, err := f.queue.Enqueue(ctx, "r1", payload)
	require.NoError(t, err)
	batch, err := f.queue.AssembleBatch(ctx, 4, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	report, err := f.sweeper(t, time.Now().Add(f.cfg.StaleAfter+time.Second)).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)
	assert.Equal(t, 1, report.Scanned)

	pending := f.list(queue.PendingList)
	require.Len(t, pending, 1)
	got, err := queue.Decode(pending[0])
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.True(t, got.EnqueuedAt.Equal(batch[0].EnqueuedAt))

	assert.Empty(t, f.list(queue.ProcessingList))
	assert.False(t, f.mr.Exists(queue.ClaimsHash))
}

func TestSweeper_FreshEntriesUntouched(t *testing.T) {
	f := setup(t)
	raw := f.claimed(t, "fresh", 0, f.now.Add(-time.Minute))

	report, err := f.sweeper(t, f.now).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1}, report)
	assert.Equal(t, []string{raw}, f.list(queue.ProcessingList))
	assert.Empty(t, f.list(queue.PendingList))
}

func TestSweeper_StampsUnclaimedEntries(t *testing.T) {
	f := setup(t)
	raw := `{"request_id":"nostamp","payload":{},"enqueued_at":"2026-01-01T00:00:00Z","retry_count":0}`
	f.mr.RPush(queue.ProcessingList, raw)

	sweepAt := f.now.Add(time.Hour)
	report, err := f.sweeper(t, sweepAt).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stamped)
	assert.Zero(t, report.Reclaimed)
	assert.Equal(t, strconv.FormatInt(sweepAt.UnixMilli(), 10), f.mr.HGet(queue.ClaimsHash, "nostamp"))
	assert.Equal(t, []string{raw}, f.list(queue.ProcessingList))

	// 补记后超过阈值才回收
	report, err = f.sweeper(t, sweepAt.Add(f.cfg.StaleAfter)).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)
}

func TestSweeper_RepairsMalformedStamp(t *testing.T) {
	f := setup(t)
	f.mr.RPush(queue.ProcessingList, `{"request_id":"bad","payload":{},"enqueued_at":"2026-01-01T00:00:00Z","retry_count":0}`)
	f.mr.HSet(queue.ClaimsHash, "bad", "yesterday")

	s := f.sweeper(t, f.now)
	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.mr.HGet(queue.ClaimsHash, "bad"))

	_, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(f.now.UnixMilli(), 10), f.mr.HGet(queue.ClaimsHash, "bad"))
}

func TestSweeper_KeepsStampWrittenDuringSweep(t *testing.T) {
	f := setup(t)
	claimedAt := f.now.Add(-time.Second)
	f.claimed(t, "racing", 0, claimedAt)

	// 扫描读取认领时间之后，组装器才写入时间戳
	written, err := f.sweeper(t, f.now).stamp(context.Background(), "racing", f.now)
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, strconv.FormatInt(claimedAt.UnixMilli(), 10), f.mr.HGet(queue.ClaimsHash, "racing"))

	f.mr.HSet(queue.ClaimsHash, "racing", "garbage")
	written, err = f.sweeper(t, f.now).stamp(context.Background(), "racing", f.now)
	require.NoError(t, err)
	assert.False(t, written)
	assert.Empty(t, f.mr.HGet(queue.ClaimsHash, "racing"))
}

func TestSweeper_DeadLettersAtRetryBound(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.claimed(t, "tired", f.cfg.MaxRetries-1, f.now)

	report, err := f.sweeper(t, f.now.Add(f.cfg.StaleAfter)).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Zero(t, report.Reclaimed)

	assert.Empty(t, f.list(queue.ProcessingList))
	assert.Empty(t, f.list(queue.PendingList))

	dead := f.list(queue.DeadLetterList)
	require.Len(t, dead, 1)
	buried, err := queue.Decode(dead[0])
	require.NoError(t, err)
	assert.Equal(t, f.cfg.MaxRetries, buried.RetryCount)

	res, err := f.results.Get(ctx, "tired")
	require.NoError(t, err)
	assert.True(t, res.IsError())
	assert.Equal(t, fmt.Sprintf("request abandoned after %d recovery attempts", f.cfg.MaxRetries), res.Content)
	assert.False(t, f.mr.Exists(queue.ClaimsHash))
}

func TestSweeper_StallPolicyLeavesEntry(t *testing.T) {
	f := setup(t)
	f.cfg.AbandonPolicy = config.AbandonStall
	raw := f.claimed(t, "stuck", f.cfg.MaxRetries-1, f.now)

	s := f.sweeper(t, f.now.Add(2*f.cfg.StaleAfter))
	for i := 0; i < 2; i++ {
		report, err := s.SweepOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Stalled)
	}

	assert.Equal(t, []string{raw}, f.list(queue.ProcessingList))
	assert.Empty(t, f.list(queue.DeadLetterList))
	_, err := f.results.Get(context.Background(), "stuck")
	assert.ErrorIs(t, err, queue.ErrResultNotFound)
}

func TestSweeper_RetryBoundBoundary(t *testing.T) {
	f := setup(t)
	f.cfg.MaxRetries = 3
	f.claimed(t, "r0", 0, f.now)
	f.claimed(t, "r1", 1, f.now)
	f.claimed(t, "r2", 2, f.now)

	report, err := f.sweeper(t, f.now.Add(f.cfg.StaleAfter)).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Reclaimed)
	assert.Equal(t, 1, report.Abandoned)

	var retries []int
	for _, raw := range f.list(queue.PendingList) {
		req, err := queue.Decode(raw)
		require.NoError(t, err)
		retries = append(retries, req.RetryCount)
	}
	assert.Equal(t, []int{1, 2}, retries)
}

func TestSweeper_DropsMalformedAndOrphans(t *testing.T) {
	f := setup(t)
	f.mr.RPush(queue.ProcessingList, "not json")
	f.mr.HSet(queue.ClaimsHash, "gone", strconv.FormatInt(f.now.UnixMilli(), 10))

	report, err := f.sweeper(t, f.now).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Malformed)
	assert.Equal(t, 1, report.Orphans)
	assert.Empty(t, f.list(queue.ProcessingList))
	assert.False(t, f.mr.Exists(queue.ClaimsHash))
}

func TestSweeper_StoreError(t *testing.T) {
	f := setup(t)
	f.mr.SetError("ERR injected failure")
	t.Cleanup(func() { f.mr.SetError("") })

	_, err := f.sweeper(t, f.now).SweepOnce(context.Background())
	assert.Error(t, err)
}

func TestSweeper_RunSweepsOnInterval(t *testing.T) {
	f := setup(t)
	f.cfg.Interval = 20 * time.Millisecond
	f.claimed(t, "late", 0, f.now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper(t, f.now.Add(f.cfg.StaleAfter)).Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(f.list(queue.PendingList)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewSweeper_Defaults(t *testing.T) {
	s := NewSweeper(nil, nil, config.RecoveryConfig{}, nil)
	assert.Equal(t, config.AbandonDeadLetter, s.cfg.AbandonPolicy)
	assert.Equal(t, config.DefaultRecoveryConfig().Interval, s.cfg.Interval)
}
