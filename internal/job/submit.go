package job

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"dockingserver/internal/apperrors"
	"dockingserver/internal/compute"
	"dockingserver/internal/receptor"
)

// Submit resolves the receptor, dispatches one task per molecule and returns
// the new ID without waiting for any task. Items are dispatched all at once or
// not at all, and the job is visible to Poll only after dispatch.
func (s *Service) Submit(ctx context.Context, sub *Submission) (ID, error) {
	if sub.Options == (compute.Options{}) {
		sub.Options = compute.DefaultOptions()
	}
	if err := s.validate(sub); err != nil {
		return 0, err
	}

	rec, err := s.receptors.Resolve(ctx, sub.ReceptorName, sub.Receptor)
	if err != nil {
		s.logger.Warn("Receptor resolution failed", "receptor", sub.ReceptorName, "error", err)
		return 0, err
	}

	id := s.registry.NextID()
	logger := s.logger.With("jobId", id, "receptor", rec.Name)
	j := newJob(id, sub, s.now())

	tasks := make([]func(context.Context) (float64, error), len(sub.Molecules))
	for i, smiles := range sub.Molecules {
		tasks[i] = s.task(WorkItem{Index: i, Request: compute.Request{SMILES: smiles, Receptor: rec, Options: sub.Options}})
	}

	j.mu.Lock()
	if len(tasks) > 0 {
		handles, err := s.exec.ExecuteAll(tasks, func() { s.itemDone(j) })
		if err != nil {
			j.mu.Unlock()
			logger.Error("Query dispatch failed", "items", len(tasks), "error", err)
			return 0, err
		}
		for _, h := range handles {
			j.add(h)
		}
	}
	empty := len(j.items) == 0
	if empty {
		j.finishedAt = j.SubmittedAt
	}
	j.mu.Unlock()

	if err := s.registry.Store(j); err != nil {
		logger.Error("Job id collision", "error", err)
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.RecordQuerySubmitted(ctx, len(sub.Molecules))
		s.metrics.RecordQueryActive(ctx, 1)
	}
	logger.Info("Query submitted", "items", len(sub.Molecules), "single", sub.Single)

	if empty {
		s.notify(j, nil)
	}
	return id, nil
}

// task wraps the compute function so every failure the collector sees is a
// classified error and non-reportable scores become failures.
func (s *Service) task(item WorkItem) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		score, err := s.score(ctx, item.Request)
		if err != nil {
			var appErr *apperrors.Error
			if !errors.As(err, &appErr) {
				err = apperrors.Compute("compute.score", err)
			}
			return 0, err
		}
		if err := compute.CheckScore(score, item.Request.Options, s.cfg.ScoreCeiling); err != nil {
			return 0, err
		}
		return score, nil
	}
}

// itemDone runs after each item finishes. The last one marks the job finished
// and sends the completion callback. Taking j.mu waits out a Submit that is
// still registering items.
func (s *Service) itemDone(j *Job) {
	j.mu.Lock()
	j.remaining--
	if j.remaining > 0 {
		j.mu.Unlock()
		return
	}
	if j.finishedAt.IsZero() {
		j.finishedAt = s.now()
	}
	var outcomes []Outcome
	if j.Callback != nil && !j.retired {
		outcomes = j.outcomes()
	}
	j.mu.Unlock()

	s.logger.Debug("Query finished", "jobId", j.ID, "items", len(j.items))
	if outcomes != nil {
		s.notify(j, outcomes)
	}
}

func (s *Service) notify(j *Job, outcomes []Outcome) {
	if j.Callback == nil || s.dispatcher == nil {
		return
	}
	if outcomes == nil {
		outcomes = []Outcome{}
	}
	if err := s.dispatcher.Dispatch(completionDelivery(s.cfg.EventSource, j, outcomes)); err != nil {
		s.logger.Warn("Completion callback not queued", "jobId", j.ID, "error", err)
	}
}

func (s *Service) validate(sub *Submission) error {
	if sub.Single && len(sub.Molecules) != 1 {
		return apperrors.Validation("smiles", "a single submission carries exactly one SMILES string")
	}
	if len(sub.Molecules) > s.cfg.MaxBatch {
		return apperrors.Validation("smiles", fmt.Sprintf("batch exceeds maximum of %d molecules", s.cfg.MaxBatch))
	}
	for i, smiles := range sub.Molecules {
		if strings.TrimSpace(smiles) == "" {
			return apperrors.Validation("smiles", fmt.Sprintf("smiles[%d] is empty", i))
		}
		if len(smiles) > s.cfg.MaxSMILESLength {
			return apperrors.Validation("smiles", fmt.Sprintf("smiles[%d] exceeds maximum length of %d", i, s.cfg.MaxSMILESLength))
		}
	}

	if err := receptor.ValidateName(sub.ReceptorName); err != nil {
		return err
	}
	if err := sub.Options.Validate(); err != nil {
		return err
	}

	if sub.Callback != nil {
		if s.dispatcher == nil {
			return apperrors.Validation("callback", "completion callbacks are not enabled on this server")
		}
		if err := validateURL(sub.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
	}
	return nil
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
