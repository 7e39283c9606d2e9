package compute

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"dockingserver/internal/apperrors"
)

// The fake scorer prints the receptor size as the score.
const fakeScorerScript = `#!/bin/sh
case "$4" in
  fail) echo "cannot parse $4" >&2; exit 3 ;;
  slow) exec sleep 5 ;;
esac
echo "docking $4 poses=$DOCK_NUM_POSES"
wc -c < "$2"
`

func newTestCommandScorer(t *testing.T, timeout time.Duration) *CommandScorer {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-scorer")
	if err := os.WriteFile(script, []byte(fakeScorerScript), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	s, err := NewCommandScorer(Config{Backend: BackendCommand, Command: script, WorkDir: filepath.Join(dir, "receptors"), Timeout: timeout})
	if err != nil {
		t.Fatalf("NewCommandScorer failed: %v", err)
	}
	return s
}

func TestCommandScorer_Score(t *testing.T) {
	t.Parallel()
	s := newTestCommandScorer(t, 5*time.Second)

	score, err := s.Score(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score != float64(len("receptor-bytes")) {
		t.Errorf("Score = %v, want %d", score, len("receptor-bytes"))
	}
	if _, err := os.Stat(filepath.Join(s.cfg.WorkDir, "abc.oeb")); err != nil {
		t.Errorf("Expected receptor file named by digest: %v", err)
	}
}

func TestCommandScorer_Failure(t *testing.T) {
	t.Parallel()
	s := newTestCommandScorer(t, 5*time.Second)
	req := testRequest()
	req.SMILES = "fail"

	_, err := s.Score(context.Background(), req)
	if !errors.Is(err, apperrors.ErrCompute) {
		t.Fatalf("Expected ErrCompute, got %v", err)
	}
}

func TestCommandScorer_Timeout(t *testing.T) {
	t.Parallel()
	s := newTestCommandScorer(t, 100*time.Millisecond)
	req := testRequest()
	req.SMILES = "slow"

	start := time.Now()
	_, err := s.Score(context.Background(), req)
	if !errors.Is(err, apperrors.ErrCompute) {
		t.Fatalf("Expected ErrCompute, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Timeout took %v", elapsed)
	}
}

func TestCommandScorer_Ready(t *testing.T) {
	t.Parallel()
	s := newTestCommandScorer(t, time.Second)
	if err := s.Ready(context.Background()); err != nil {
		t.Errorf("Expected ready, got %v", err)
	}
}

func TestNewCommandScorer_Errors(t *testing.T) {
	t.Parallel()
	if _, err := NewCommandScorer(Config{}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for missing command, got %v", err)
	}
	if _, err := NewCommandScorer(Config{Command: "/nonexistent/scorer"}); err == nil {
		t.Error("Expected error for missing executable")
	}
}
