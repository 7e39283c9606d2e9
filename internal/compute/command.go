package compute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"dockingserver/internal/apperrors"
	"dockingserver/internal/receptor"
)

// CommandScorer runs a local executable per item.
type CommandScorer struct {
	cfg    Config
	path   string
	logger *slog.Logger
}

// NewCommandScorer resolves cfg.Command on PATH and prepares the receptor directory.
func NewCommandScorer(cfg Config) (*CommandScorer, error) {
	cfg = cfg.withDefaults()
	if cfg.Command == "" {
		return nil, apperrors.Validation("SCORER_COMMAND", "SCORER_COMMAND is required for the command backend")
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("scorer command: %w", err)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "docking-receptors")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("receptor directory: %w", err)
	}
	return &CommandScorer{cfg: cfg, path: path, logger: slog.With("component", "command-scorer")}, nil
}

// Score implements Scorer.
func (s *CommandScorer) Score(ctx context.Context, req Request) (float64, error) {
	if req.Receptor == nil {
		return 0, apperrors.Validation("receptor", "receptor is required")
	}
	file, err := s.receptorFile(req.Receptor)
	if err != nil {
		return 0, apperrors.Internal("command.receptor", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.path, args(file, req.SMILES)...)
	cmd.Env = append(os.Environ(), req.Options.Env()...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, apperrors.Compute("command.run", fmt.Errorf("scorer timed out after %s", s.cfg.Timeout))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, apperrors.Compute("command.run", fmt.Errorf("scorer exited with code %d: %s", exitErr.ExitCode(), tail(stderr.Bytes(), 512)))
		}
		return 0, apperrors.Unavailable("command.run", err)
	}

	score, err := parseScore(stdout.Bytes())
	if err != nil {
		return 0, apperrors.Compute("command.parse", err)
	}
	return score, nil
}

// receptorFile writes the receptor once per digest. The temp-then-rename keeps
// concurrent items from reading a partial file.
func (s *CommandScorer) receptorFile(r *receptor.Receptor) (string, error) {
	path := filepath.Join(s.cfg.WorkDir, r.Digest+".oeb")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp, err := os.CreateTemp(s.cfg.WorkDir, r.Digest+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(r.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	s.logger.Debug("Receptor written", "receptor", r.Name, "path", path)
	return path, nil
}

// Ready implements Scorer.
func (s *CommandScorer) Ready(_ context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("scorer command: %w", err)
	}
	return nil
}
