package job

import (
	"context"

	"dockingserver/internal/apperrors"
)

// Poll reports whether every item of id has finished. Items already seen done
// are not checked again, and the first item still running ends the round.
func (s *Service) Poll(_ context.Context, id ID) (bool, error) {
	j, err := s.registry.Get(id)
	if err != nil {
		return false, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.retired {
		return false, apperrors.NotFound("job", id.String())
	}
	return j.refresh(s.now()), nil
}

// Status polls id and reports progress.
func (s *Service) Status(_ context.Context, id ID) (*Status, error) {
	j, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.retired {
		return nil, apperrors.NotFound("job", id.String())
	}
	done := j.refresh(s.now())
	return &Status{
		ID:        j.ID,
		Done:      done,
		Items:     len(j.items),
		Completed: j.completedCount(),
		Receptor:  j.Receptor,
		Submitted: j.SubmittedAt,
		Elapsed:   j.elapsed,
	}, nil
}
