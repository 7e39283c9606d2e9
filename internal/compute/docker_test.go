package compute

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"dockingserver/internal/apperrors"
	"dockingserver/internal/receptor"

	"github.com/docker/docker/api/types/container"
)

type fakeRuntime struct {
	mu        sync.Mutex
	createErr error
	waitErr   error
	exitCode  int64
	stdout    string
	stderr    string
	pingErr   error

	created []*container.Config
	copied  map[string][]byte
	removed []string
}

func (f *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func (f *fakeRuntime) Create(_ context.Context, cfg *container.Config, _ *container.HostConfig, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, cfg)
	return name, nil
}

func (f *fakeRuntime) CopyTo(_ context.Context, _, _ string, content io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copied == nil {
		f.copied = make(map[string][]byte)
	}
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		data, _ := io.ReadAll(tr)
		f.copied[hdr.Name] = data
	}
}

func (f *fakeRuntime) Start(context.Context, string) error { return nil }

func (f *fakeRuntime) Wait(context.Context, string) (int64, error) {
	return f.exitCode, f.waitErr
}

func (f *fakeRuntime) Logs(context.Context, string) ([]byte, []byte, error) {
	return []byte(f.stdout), []byte(f.stderr), nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Ping(context.Context) error { return f.pingErr }

func testRequest() Request {
	return Request{
		SMILES:   "CCO",
		Receptor: &receptor.Receptor{Name: "5nfa", Data: []byte("receptor-bytes"), Digest: "abc"},
		Options:  DefaultOptions(),
	}
}

func TestDockerScorer_Score(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{stdout: "docking CCO\n-6.5\n"}
	s := newDockerScorer(Config{Image: "scorer:test", Timeout: time.Second}, rt)

	score, err := s.Score(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score != -6.5 {
		t.Errorf("Score = %v, want -6.5", score)
	}

	cfg := rt.created[0]
	if cfg.Image != "scorer:test" {
		t.Errorf("Image = %q", cfg.Image)
	}
	if !slices.Equal(cfg.Cmd, []string{"--receptor", "/work/receptor.oeb", "--smiles", "CCO"}) {
		t.Errorf("Cmd = %v", cfg.Cmd)
	}
	if !slices.Contains(cfg.Env, "DOCK_NUM_POSES=1") {
		t.Errorf("Env = %v", cfg.Env)
	}
	if got := string(rt.copied["work/receptor.oeb"]); got != "receptor-bytes" {
		t.Errorf("Copied receptor = %q", got)
	}
	if len(rt.removed) != 1 {
		t.Errorf("Expected container removed, got %v", rt.removed)
	}
}

func TestDockerScorer_NonZeroExitIsComputeFailure(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{exitCode: 2, stderr: "invalid SMILES"}
	s := newDockerScorer(Config{Image: "scorer:test"}, rt)

	_, err := s.Score(context.Background(), testRequest())
	if !errors.Is(err, apperrors.ErrCompute) {
		t.Fatalf("Expected ErrCompute, got %v", err)
	}
	if len(rt.removed) != 1 {
		t.Error("Expected container removed after failure")
	}
	if s.breakers.For("scorer:test").Failures() != 0 {
		t.Error("Compute failures must not count against the breaker")
	}
}

func TestDockerScorer_NoScoreInOutput(t *testing.T) {
	t.Parallel()
	s := newDockerScorer(Config{Image: "scorer:test"}, &fakeRuntime{stdout: "nothing useful\n"})

	if _, err := s.Score(context.Background(), testRequest()); !errors.Is(err, apperrors.ErrCompute) {
		t.Errorf("Expected ErrCompute, got %v", err)
	}
}

func TestDockerScorer_BreakerOpensOnInfrastructureErrors(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{createErr: errors.New("Cannot connect to the Docker daemon")}
	s := newDockerScorer(Config{Image: "scorer:test"}, rt)

	for range 5 {
		if _, err := s.Score(context.Background(), testRequest()); !errors.Is(err, apperrors.ErrUnavailable) {
			t.Fatalf("Expected ErrUnavailable, got %v", err)
		}
	}

	rt.mu.Lock()
	rt.createErr = nil
	rt.stdout = "1.0\n"
	rt.mu.Unlock()

	if _, err := s.Score(context.Background(), testRequest()); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Expected fast failure while open, got %v", err)
	}
	if err := s.Ready(context.Background()); err == nil {
		t.Error("Expected not ready while breaker is open")
	}
}

func TestDockerScorer_MissingReceptor(t *testing.T) {
	t.Parallel()
	s := newDockerScorer(Config{}, &fakeRuntime{})
	req := testRequest()
	req.Receptor = nil

	if _, err := s.Score(context.Background(), req); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestDockerScorer_Ready(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{}
	s := newDockerScorer(Config{}, rt)
	if err := s.Ready(context.Background()); err != nil {
		t.Errorf("Expected ready, got %v", err)
	}

	rt.pingErr = errors.New("daemon down")
	if err := s.Ready(context.Background()); err == nil {
		t.Error("Expected ping failure")
	}
}
