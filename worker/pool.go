// Package worker drains the action queue: a fixed set of goroutines claim
// batches, run the registered handler for each entry and report the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/metrics"
	"github.com/liamcoop/automation/queue"
)

// Config tunes a Pool.
type Config struct {
	Workers       int
	BatchSize     int
	PollInterval  time.Duration
	Lease         time.Duration
	ActionTimeout time.Duration
	ReapInterval  time.Duration
	// ClaimRate caps claim round trips per second across the pool. Zero
	// means unlimited.
	ClaimRate  float64
	ClaimBurst int
	Retry      queue.RetryPolicy
	// Scope restricts the pool to one tenant. The zero value serves all.
	Scope queue.Scope
	// Name prefixes worker IDs. Defaults to hostname.
	Name string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		BatchSize:     10,
		PollInterval:  time.Second,
		Lease:         6 * time.Minute,
		ActionTimeout: 30 * time.Second,
		ReapInterval:  30 * time.Second,
		ClaimRate:     20,
		ClaimBurst:    5,
		Retry:         queue.DefaultRetryPolicy(),
	}
}

func (c Config) validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.ActionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("action timeout must be positive, got %s", c.ActionTimeout))
	}
	if c.Lease <= c.ActionTimeout {
		errs = append(errs, fmt.Errorf("lease %s must be longer than action timeout %s", c.Lease, c.ActionTimeout))
	} else if c.BatchSize > 0 && c.ActionTimeout > 0 && c.BatchSize > maxBatch(c.Lease, c.ActionTimeout) {
		errs = append(errs, fmt.Errorf("lease %s must be longer than batch size %d times action timeout %s",
			c.Lease, c.BatchSize, c.ActionTimeout))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry max attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	return errors.Join(errs...)
}

// maxBatch is the largest batch whose entries can all run to their timeout
// inside one lease.
func maxBatch(lease, timeout time.Duration) int {
	return int((lease - 1) / timeout)
}

// Pool executes queued actions.
type Pool struct {
	queue    queue.Queue
	registry *action.Registry
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	batchSize int
}

// NewPool validates cfg and refuses to build a pool whose registry lacks a
// handler for any declared action type.
func NewPool(q queue.Queue, registry *action.Registry, cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if missing := registry.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("action registry has no handler for %v", missing)
	}
	if cfg.Scope.Check() != nil {
		cfg.Scope = queue.AllTenants()
	}
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.Name = host
	}

	limit := rate.Inf
	if cfg.ClaimRate > 0 {
		limit = rate.Limit(cfg.ClaimRate)
	}
	burst := cfg.ClaimBurst
	if burst <= 0 {
		burst = 1
	}

	return &Pool{
		queue:     q,
		registry:  registry,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger.Component("worker"),
		now:       func() time.Time { return time.Now().UTC() },
		batchSize: cfg.BatchSize,
	}, nil
}

// WithClock overrides the time source used for claims and retries.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// WithLogger overrides the pool logger.
func (p *Pool) WithLogger(l *slog.Logger) *Pool {
	p.logger = logger.OrDefault(l, "worker")
	return p
}

// Tune adjusts batch size and claim rate while the pool runs. The batch
// size is capped so a whole batch still fits inside one lease.
func (p *Pool) Tune(batchSize int, claimRate float64) {
	if limit := maxBatch(p.cfg.Lease, p.cfg.ActionTimeout); batchSize > limit {
		p.logger.Warn("batch size capped to fit the lease", "requested", batchSize, "batch_size", limit)
		batchSize = limit
	}
	if batchSize > 0 {
		p.mu.Lock()
		p.batchSize = batchSize
		p.mu.Unlock()
	}
	if claimRate > 0 {
		p.limiter.SetLimit(rate.Limit(claimRate))
	} else {
		p.limiter.SetLimit(rate.Inf)
	}
}

func (p *Pool) currentBatchSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.batchSize
}

// Run starts the workers and the lease reaper and blocks until ctx is
// cancelled. In-flight actions finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d-%s", p.cfg.Name, i, uuid.New().String()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	if p.cfg.ReapInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.reapLoop(ctx)
		}()
	}

	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "scope", p.cfg.Scope.String())
	<-ctx.Done()
	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := p.logger.With("worker", workerID)
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		n, err := p.RunOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			log.Error("claim failed", "error", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Reap(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("lease reclaim failed", "error", err)
			}
		}
	}
}

// Reap returns expired leases to the queue.
func (p *Pool) Reap(ctx context.Context) (int, error) {
	n, err := p.queue.ReclaimExpired(ctx, p.now(), p.cfg.Retry.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.LeasesReclaimed.Add(float64(n))
		p.logger.Warn("reclaimed expired leases", "count", n)
	}
	return n, nil
}

// RunOnce claims one batch as workerID and executes it. It returns how many
// entries were claimed.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (int, error) {
	start := time.Now()
	batch, err := p.queue.ClaimBatch(ctx, queue.ClaimRequest{
		Scope:       p.cfg.Scope,
		WorkerID:    workerID,
		Limit:       p.currentBatchSize(),
		MaxAttempts: p.cfg.Retry.MaxAttempts,
		Lease:       p.cfg.Lease,
		Now:         p.now(),
	})
	metrics.ClaimDuration.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return 0, err
	}
	metrics.ActionsClaimed.Add(float64(len(batch)))

	// Claimed entries are leased to us; finish them even if ctx is cancelled
	// so they are not left for the reaper.
	execCtx := context.WithoutCancel(ctx)
	for _, e := range batch {
		p.process(execCtx, e)
	}
	return len(batch), nil
}

func (p *Pool) process(ctx context.Context, e queue.Entry) {
	log := p.logger.With(
		"entry_id", e.ID,
		"tenant", e.TenantID.String(),
		"rule_id", e.RuleID,
		"action_type", string(e.ActionType),
		"worker", e.LeasedBy,
	)

	// The batch shares one claim-time lease; take a fresh one before running
	// so the reaper cannot hand this entry to another worker mid-execution.
	e, err := queue.Renew(ctx, p.queue, e, p.cfg.Lease, p.now())
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			metrics.ActionsExecuted.WithLabelValues(string(e.ActionType), "lease_lost").Inc()
			log.Warn("lease lost before execution, skipping entry")
		} else {
			log.Error("failed to renew lease, skipping entry", "error", err)
		}
		return
	}

	start := time.Now()
	execErr := p.execute(ctx, e)
	metrics.ActionDuration.WithLabelValues(string(e.ActionType)).Observe(float64(time.Since(start).Milliseconds()))

	now := p.now()
	if execErr == nil {
		if err := queue.Complete(ctx, p.queue, e, now); err != nil {
			log.Warn("failed to mark entry completed", "error", err)
			return
		}
		metrics.ActionsExecuted.WithLabelValues(string(e.ActionType), "completed").Inc()
		log.Debug("action completed")
		return
	}

	status, err := queue.Fail(ctx, p.queue, e, execErr, p.cfg.Retry, now)
	if err != nil {
		log.Warn("failed to record action failure", "error", err, "cause", execErr)
		return
	}
	label := "retried"
	if status == queue.StatusFailed {
		label = "failed"
	}
	metrics.ActionsExecuted.WithLabelValues(string(e.ActionType), label).Inc()
	log.Warn("action failed", "error", execErr, "status", string(status), "attempt", e.AttemptCount+1)
}

// execute runs the handler under ActionTimeout. A handler panic is reported
// as a transient error.
func (p *Pool) execute(ctx context.Context, e queue.Entry) (err error) {
	h, err := p.registry.Get(e.ActionType)
	if err != nil {
		return action.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ActionTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Execute(ctx, e.Request())
}
