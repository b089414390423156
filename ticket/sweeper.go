package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SweepAll runs CheckBreaches for every tenant with open tickets and returns
// how many tickets were newly flagged. A failing tenant does not stop the
// sweep.
func (s *Service) SweepAll(ctx context.Context) (int, error) {
	tenants, err := s.store.OpenTenants(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, tid := range tenants {
		breached, err := s.CheckBreaches(ctx, tid)
		total += len(breached)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tid, err))
		}
	}
	return total, errors.Join(errs...)
}

// RunSweeper calls SweepAll every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepAll(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("breach sweep failed", "error", err)
			}
			if n > 0 {
				s.logger.Info("breach sweep flagged tickets", "count", n)
			}
		}
	}
}
