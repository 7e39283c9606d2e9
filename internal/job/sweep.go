package job

import (
	"context"
	"time"
)

// Sweep retires queries that finished at least Retention before now and were
// never collected. Queries with items still running are kept.
func (s *Service) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.cfg.Retention)
	swept := 0
	for _, j := range s.registry.snapshot() {
		j.mu.Lock()
		if !j.retired && !j.finishedAt.IsZero() && !j.finishedAt.After(cutoff) {
			s.retire(ctx, j)
			swept++
			if s.metrics != nil {
				s.metrics.RecordQuerySwept(ctx)
			}
			s.logger.Info("Uncollected query expired", "jobId", j.ID, "finishedAt", j.finishedAt)
		}
		j.mu.Unlock()
	}
	return swept
}

// RunMaintenance sweeps every MaintenanceInterval until ctx is done.
func (s *Service) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ctx, s.now()); n > 0 {
				s.logger.Debug("Maintenance sweep complete", "swept", n, "active", s.registry.Len())
			}
		}
	}
}
