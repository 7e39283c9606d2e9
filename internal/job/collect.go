package job

import (
	"context"

	"dockingserver/internal/apperrors"
)

// Collect returns the outcomes of id in submission order and retires it. Of
// several concurrent collectors exactly one succeeds; the rest see not found.
func (s *Service) Collect(ctx context.Context, id ID) ([]Outcome, error) {
	r, err := s.CollectResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Outcomes, nil
}

// CollectResults is Collect with the query's metadata.
func (s *Service) CollectResults(ctx context.Context, id ID) (*Results, error) {
	j, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.retired {
		return nil, apperrors.NotFound("job", id.String())
	}
	if !j.refresh(s.now()) {
		return nil, apperrors.NotReady("job", id.String())
	}

	outcomes := j.outcomes()
	s.retire(ctx, j)

	failed := 0
	for _, o := range outcomes {
		if o.Failed() {
			failed++
		}
	}
	if s.metrics != nil {
		s.metrics.RecordQueryCollected(ctx, j.elapsed.Seconds(), failed)
	}
	s.logger.Info("Query collected", "jobId", id, "items", len(outcomes), "failed", failed, "elapsed", j.elapsed)

	return &Results{
		ID:       j.ID,
		Single:   j.Single,
		Receptor: j.Receptor,
		Elapsed:  j.elapsed,
		Outcomes: outcomes,
	}, nil
}
