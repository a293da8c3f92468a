// Package pool leases inference workers from the shared idle/busy registry.
//
// A worker address lives in exactly one of two lists at any time:
// idle_workers or busy_workers. Leasing moves an address idle -> busy in one
// atomic step; releasing moves it back only if it is still busy, so a worker
// that deregistered while leased is not resurrected.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/batchflow/internal/coord"
	"go.uber.org/zap"
)

// Registry list names.
const (
	IdleList = "idle_workers"
	BusyList = "busy_workers"
)

var (
	// ErrNoWorker is returned when no idle worker appeared within the lease wait.
	ErrNoWorker = errors.New("no worker available")
)

// Handle is a leased worker.
type Handle struct {
	Addr     string
	LeasedAt time.Time
}

// Counts is a snapshot of the registry.
type Counts struct {
	Idle int64 `json:"idle_workers"`
	Busy int64 `json:"busy_workers"`
}

// Total returns idle + busy.
func (c Counts) Total() int64 {
	return c.Idle + c.Busy
}

// Pool manages worker leases.
type Pool struct {
	store  coord.Store
	logger *zap.Logger
}

// New creates a Pool.
func New(store coord.Store, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		store:  store,
		logger: logger.With(zap.String("component", "pool")),
	}
}

// Lease waits up to wait for an idle worker and marks it busy.
func (p *Pool) Lease(ctx context.Context, wait time.Duration) (Handle, error) {
	addr, err := p.store.Move(ctx, IdleList, BusyList, wait)
	if errors.Is(err, coord.ErrEmpty) {
		return Handle{}, ErrNoWorker
	}
	if err != nil {
		return Handle{}, fmt.Errorf("lease worker: %w", err)
	}

	p.logger.Debug("worker leased", zap.String("worker", addr))
	return Handle{Addr: addr, LeasedAt: time.Now()}, nil
}

// Release returns a leased worker to the idle list. Releasing a worker that
// is no longer busy is a no-op.
func (p *Pool) Release(ctx context.Context, h Handle) error {
	ok, err := p.store.Release(ctx, BusyList, IdleList, h.Addr)
	if err != nil {
		return fmt.Errorf("release worker %s: %w", h.Addr, err)
	}
	if !ok {
		p.logger.Warn("released worker was not busy", zap.String("worker", h.Addr))
	}
	return nil
}

// Register adds a worker to the idle list.
func (p *Pool) Register(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("register worker: empty address")
	}
	if err := p.store.Push(ctx, IdleList, addr); err != nil {
		return fmt.Errorf("register worker %s: %w", addr, err)
	}
	p.logger.Info("worker registered", zap.String("worker", addr))
	return nil
}

// Deregister removes a worker from both lists.
func (p *Pool) Deregister(ctx context.Context, addr string) error {
	if _, err := p.store.Remove(ctx, IdleList, addr); err != nil {
		return fmt.Errorf("deregister worker %s: %w", addr, err)
	}
	if _, err := p.store.Remove(ctx, BusyList, addr); err != nil {
		return fmt.Errorf("deregister worker %s: %w", addr, err)
	}
	p.logger.Info("worker deregistered", zap.String("worker", addr))
	return nil
}

// Reset wipes both lists.
func (p *Pool) Reset(ctx context.Context) error {
	if err := p.store.Delete(ctx, IdleList, BusyList); err != nil {
		return fmt.Errorf("reset pool: %w", err)
	}
	p.logger.Info("worker pool reset")
	return nil
}

// Counts returns the current list sizes.
func (p *Pool) Counts(ctx context.Context) (Counts, error) {
	idle, err := p.store.Len(ctx, IdleList)
	if err != nil {
		return Counts{}, err
	}
	busy, err := p.store.Len(ctx, BusyList)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Idle: idle, Busy: busy}, nil
}

// Workers returns the idle and busy addresses.
func (p *Pool) Workers(ctx context.Context) (idle, busy []string, err error) {
	if idle, err = p.store.Range(ctx, IdleList); err != nil {
		return nil, nil, err
	}
	if busy, err = p.store.Range(ctx, BusyList); err != nil {
		return nil, nil, err
	}
	return idle, busy, nil
}
