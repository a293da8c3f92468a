package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/batchflow/internal/coord"
	"github.com/BaSui01/batchflow/testutil"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func setupPool(t *testing.T) (*miniredis.Miniredis, *Pool) {
	t.Helper()

	mr, cfg := testutil.NewRedis(t)
	store, err := coord.NewRedisStore(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return mr, New(store, zap.NewNop())
}

func TestPool_LeaseAndRelease(t *testing.T) {
	mr, p := setupPool(t)
	ctx := context.Background()

	require.NoError(t, p.Register(ctx, "http://w1:8080"))

	h, err := p.Lease(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "http://w1:8080", h.Addr)

	counts, err := p.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Idle: 0, Busy: 1}, counts)

	require.NoError(t, p.Release(ctx, h))
	counts, err = p.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Idle: 1, Busy: 0}, counts)

	// 重复释放不会产生重复条目
	require.NoError(t, p.Release(ctx, h))
	idle, _ := mr.List(IdleList)
	assert.Equal(t, []string{"http://w1:8080"}, idle)
}

func TestPool_LeaseTimesOut(t *testing.T) {
	_, p := setupPool(t)

	start := time.Now()
	_, err := p.Lease(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoWorker)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPool_LeaseWaitsForRegistration(t *testing.T) {
	_, p := setupPool(t)
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = p.Register(ctx, "http://late")
	}()

	h, err := p.Lease(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "http://late", h.Addr)
}

func TestPool_NoWorkerLeasedTwice(t *testing.T) {
	_, p := setupPool(t)
	ctx := context.Background()
	require.NoError(t, p.Register(ctx, "w1"))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leased int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Lease(ctx, 100*time.Millisecond); err == nil {
				mu.Lock()
				leased++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, leased)
}

func TestPool_ReleaseAfterDeregisterDoesNotResurrect(t *testing.T) {
	mr, p := setupPool(t)
	ctx := context.Background()
	require.NoError(t, p.Register(ctx, "w1"))

	h, err := p.Lease(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, p.Deregister(ctx, "w1"))
	require.NoError(t, p.Release(ctx, h))

	assert.False(t, mr.Exists(IdleList))
	assert.False(t, mr.Exists(BusyList))
}

func TestPool_Reset(t *testing.T) {
	_, p := setupPool(t)
	ctx := context.Background()
	require.NoError(t, p.Register(ctx, "w1"))
	require.NoError(t, p.Register(ctx, "w2"))
	_, err := p.Lease(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, p.Reset(ctx))

	counts, err := p.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestPool_RegisterEmpty(t *testing.T) {
	_, p := setupPool(t)
	assert.Error(t, p.Register(context.Background(), ""))
}

func TestPool_Workers(t *testing.T) {
	_, p := setupPool(t)
	ctx := context.Background()
	require.NoError(t, p.Register(ctx, "w1"))
	require.NoError(t, p.Register(ctx, "w2"))
	_, err := p.Lease(ctx, 0)
	require.NoError(t, err)

	idle, busy, err := p.Workers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w2"}, idle)
	assert.Equal(t, []string{"w1"}, busy)
}

// =============================================================================
// 🎲 属性测试
// =============================================================================

// 任意租用/释放/注销序列之后 idle 与 busy 不相交，且每个地址至多出现一次
func TestPool_DisjointProperty(t *testing.T) {
	mr, cfg := testutil.NewRedis(t)
	store, err := coord.NewRedisStore(cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	p := New(store, zap.NewNop())
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		mr.FlushAll()

		n := rapid.IntRange(1, 4).Draw(rt, "workers")
		for i := 0; i < n; i++ {
			if err := p.Register(ctx, fmt.Sprintf("w%d", i)); err != nil {
				rt.Fatalf("register: %v", err)
			}
		}

		var leased []Handle
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				h, err := p.Lease(ctx, 0)
				if err == nil {
					leased = append(leased, h)
				} else if err != ErrNoWorker {
					rt.Fatalf("lease: %v", err)
				}
			case 1:
				if len(leased) > 0 {
					idx := rapid.IntRange(0, len(leased)-1).Draw(rt, "release")
					if err := p.Release(ctx, leased[idx]); err != nil {
						rt.Fatalf("release: %v", err)
					}
					leased = append(leased[:idx], leased[idx+1:]...)
				}
			case 2:
				addr := fmt.Sprintf("w%d", rapid.IntRange(0, n-1).Draw(rt, "deregister"))
				if err := p.Deregister(ctx, addr); err != nil {
					rt.Fatalf("deregister: %v", err)
				}
			}

			idle, busy, err := p.Workers(ctx)
			if err != nil {
				rt.Fatalf("workers: %v", err)
			}
			seen := map[string]bool{}
			for _, a := range append(idle, busy...) {
				if seen[a] {
					rt.Fatalf("worker %s appears twice: idle=%v busy=%v", a, idle, busy)
				}
				seen[a] = true
			}
		}
	})
}
