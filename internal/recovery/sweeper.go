package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/metrics"
	"github.com/BaSui01/batchflow/internal/queue"
	"github.com/BaSui01/batchflow/types"
	"go.uber.org/zap"
)

// Report summarizes one sweep.
type Report struct {
	Scanned   int `json:"scanned"`
	Stamped   int `json:"stamped"`
	Reclaimed int `json:"reclaimed"`
	Abandoned int `json:"abandoned"`
	Stalled   int `json:"stalled"`
	Malformed int `json:"malformed"`
	Orphans   int `json:"orphans"`
}

// Sweeper periodically reclaims stale processing entries.
type Sweeper struct {
	queue   *queue.Queue
	results *queue.Results
	cfg     config.RecoveryConfig
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithMetrics records sweep outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// NewSweeper creates a Sweeper.
func NewSweeper(q *queue.Queue, results *queue.Results, cfg config.RecoveryConfig, logger *zap.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultRecoveryConfig().Interval
	}
	if cfg.AbandonPolicy == "" {
		cfg.AbandonPolicy = config.AbandonDeadLetter
	}
	s := &Sweeper{
		queue:   q,
		results: results,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "recovery")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every cfg.Interval until ctx is done. A failed sweep is logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("recovery sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("stale_after", s.cfg.StaleAfter),
		zap.Int("max_retries", s.cfg.MaxRetries),
		zap.String("abandon_policy", s.cfg.AbandonPolicy),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("recovery sweep failed", zap.Error(err))
				continue
			}
			if report.Reclaimed+report.Abandoned+report.Stalled+report.Malformed > 0 {
				s.logger.Info("recovery sweep finished", zap.Any("report", report))
			}
		}
	}
}

// SweepOnce performs a single scan of the processing set.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var report Report

	// 先读认领时间再读已认领集合，刚认领的条目最多被当作缺少时间戳
	claims, err := s.queue.Claims(ctx)
	if err != nil {
		return report, fmt.Errorf("read claims: %w", err)
	}
	reqs, malformed, err := s.queue.Processing(ctx)
	if err != nil {
		return report, fmt.Errorf("read processing set: %w", err)
	}

	now := s.now()
	report.Scanned = len(reqs) + len(malformed)

	for _, raw := range malformed {
		if err := s.queue.Drop(ctx, raw); err != nil {
			return report, fmt.Errorf("drop malformed entry: %w", err)
		}
		s.logger.Error("dropped malformed processing entry", zap.String("raw", raw))
		report.Malformed++
	}

	present := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		present[req.ID] = struct{}{}

		claimedAt, ok := claims[req.ID]
		if !ok {
			written, err := s.stamp(ctx, req.ID, now)
			if err != nil {
				return report, err
			}
			if written {
				report.Stamped++
			}
			continue
		}
		if now.Sub(claimedAt) < s.cfg.StaleAfter {
			continue
		}

		if req.RetryCount+1 < s.cfg.MaxRetries {
			next, moved, err := s.queue.Reclaim(ctx, req)
			if err != nil {
				return report, err
			}
			if moved {
				s.logger.Warn("reclaimed stale request",
					zap.String("request_id", req.ID),
					zap.Int("retry_count", next.RetryCount),
					zap.Duration("age", now.Sub(claimedAt)),
				)
				report.Reclaimed++
			}
			continue
		}

		if err := s.abandon(ctx, req, &report); err != nil {
			return report, err
		}
	}

	var orphans []string
	for id := range claims {
		if _, ok := present[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if err := s.queue.ForgetClaims(ctx, orphans...); err != nil {
		return report, fmt.Errorf("forget orphan claims: %w", err)
	}
	report.Orphans = len(orphans)

	if report.Stalled > 0 {
		s.logger.Warn("requests stalled at retry bound",
			zap.Int("count", report.Stalled),
			zap.Int("max_retries", s.cfg.MaxRetries),
		)
	}

	s.metrics.RecordRecovery("stamped", report.Stamped)
	s.metrics.RecordRecovery("reclaimed", report.Reclaimed)
	s.metrics.RecordRecovery("abandoned", report.Abandoned)
	s.metrics.RecordRecovery("stalled", report.Stalled)
	s.metrics.RecordRecovery("malformed", report.Malformed)
	s.metrics.RecordRecovery("orphan", report.Orphans)
	return report, nil
}

// stamp 为没有认领时间的条目补记，返回是否写入。
// 字段已存在时重新读取：可解析说明组装器刚刚认领，保留；损坏则删除，下一轮重新补记。
func (s *Sweeper) stamp(ctx context.Context, id string, now time.Time) (bool, error) {
	written, err := s.queue.EnsureClaim(ctx, id, now)
	if err != nil {
		return false, fmt.Errorf("stamp %s: %w", id, err)
	}
	if written {
		return true, nil
	}

	claims, err := s.queue.Claims(ctx)
	if err != nil {
		return false, fmt.Errorf("reread claim %s: %w", id, err)
	}
	if _, ok := claims[id]; ok {
		return false, nil
	}
	return false, s.queue.ForgetClaims(ctx, id)
}

// abandon 处理回收次数耗尽的请求
func (s *Sweeper) abandon(ctx context.Context, req *queue.QueuedRequest, report *Report) error {
	if s.cfg.AbandonPolicy == config.AbandonStall {
		report.Stalled++
		return nil
	}

	next, moved, err := s.queue.Bury(ctx, req)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	report.Abandoned++

	res := types.ErrorResult("request abandoned after %d recovery attempts", next.RetryCount)
	if err := s.results.Complete(ctx, next, res); err != nil {
		return fmt.Errorf("store abandoned result %s: %w", req.ID, err)
	}
	s.metrics.RecordResult("abandoned", time.Since(req.EnqueuedAt))

	s.logger.Error("request abandoned",
		zap.String("request_id", req.ID),
		zap.Int("retry_count", next.RetryCount),
		zap.String("error_code", string(types.ErrRequestAbandoned)),
	)
	return nil
}
