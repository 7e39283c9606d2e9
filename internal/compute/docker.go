package compute

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"dockingserver/internal/apperrors"
	"dockingserver/pkg/circuitbreaker"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerReceptorPath = "/work/receptor.oeb"

// containerRuntime is the subset of the Docker API the scorer drives.
type containerRuntime interface {
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	CopyTo(ctx context.Context, id, dst string, content io.Reader) error
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int64, error)
	Logs(ctx context.Context, id string) (stdout, stderr []byte, err error)
	Remove(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// DockerScorer runs one short-lived container per item.
type DockerScorer struct {
	cfg      Config
	rt       containerRuntime
	breakers *circuitbreaker.Set
	logger   *slog.Logger
}

// NewDockerScorer connects to the daemon from the environment and makes sure the
// scorer image is present.
func NewDockerScorer(ctx context.Context, cfg Config) (*DockerScorer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	s := newDockerScorer(cfg, &dockerRuntime{client: cli})

	if err := s.rt.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	if err := s.rt.EnsureImage(ctx, s.cfg.Image); err != nil {
		return nil, fmt.Errorf("failed to pull scorer image %s: %w", s.cfg.Image, err)
	}
	return s, nil
}

func newDockerScorer(cfg Config, rt containerRuntime) *DockerScorer {
	return &DockerScorer{
		cfg:      cfg.withDefaults(),
		rt:       rt,
		breakers: circuitbreaker.NewSet(circuitbreaker.Config{Threshold: 5, Cooldown: 30 * time.Second}),
		logger:   slog.With("component", "docker-scorer"),
	}
}

// Score implements Scorer. Infrastructure failures trip the breaker for the
// image; a molecule that fails to dock does not.
func (s *DockerScorer) Score(ctx context.Context, req Request) (float64, error) {
	if req.Receptor == nil {
		return 0, apperrors.Validation("receptor", "receptor is required")
	}

	var score float64
	err := s.breakers.For(s.cfg.Image).Execute(func() error {
		var err error
		score, err = s.run(ctx, req)
		return err
	}, isInfrastructure)

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return 0, apperrors.Unavailable("docker.score", fmt.Errorf("scorer image %s: %w", s.cfg.Image, err))
	}
	return score, err
}

func (s *DockerScorer) run(ctx context.Context, req Request) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	name := "dock-" + randomSuffix()
	cfg := &container.Config{
		Image:  s.cfg.Image,
		Cmd:    args(containerReceptorPath, req.SMILES),
		Env:    req.Options.Env(),
		Labels: map[string]string{"managed-by": "docking-server", "receptor": req.Receptor.Name},
	}
	host := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			NanoCPUs: int64(s.cfg.CPUs * 1e9),
			Memory:   int64(s.cfg.MemoryMB) * 1024 * 1024,
		},
	}

	id, err := s.rt.Create(ctx, cfg, host, name)
	if err != nil {
		return 0, apperrors.Unavailable("docker.create", err)
	}
	// Removal must outlive a cancelled item.
	defer func() {
		if err := s.rt.Remove(context.WithoutCancel(ctx), id); err != nil {
			s.logger.Warn("Failed to remove scorer container", "container", name, "error", err)
		}
	}()

	archive, err := receptorArchive(req.Receptor.Data)
	if err != nil {
		return 0, apperrors.Internal("docker.archive", err)
	}
	if err := s.rt.CopyTo(ctx, id, "/", archive); err != nil {
		return 0, apperrors.Unavailable("docker.copy", err)
	}
	if err := s.rt.Start(ctx, id); err != nil {
		return 0, apperrors.Unavailable("docker.start", err)
	}

	code, err := s.rt.Wait(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return 0, apperrors.Compute("docker.wait", fmt.Errorf("scorer timed out after %s", s.cfg.Timeout))
		}
		return 0, apperrors.Unavailable("docker.wait", err)
	}

	stdout, stderr, err := s.rt.Logs(ctx, id)
	if err != nil {
		return 0, apperrors.Unavailable("docker.logs", err)
	}
	if code != 0 {
		return 0, apperrors.Compute("docker.run", fmt.Errorf("scorer exited with code %d: %s", code, tail(stderr, 512)))
	}

	score, err := parseScore(stdout)
	if err != nil {
		return 0, apperrors.Compute("docker.parse", err)
	}
	return score, nil
}

// Ready implements Scorer.
func (s *DockerScorer) Ready(ctx context.Context) error {
	if open := s.breakers.Open(); len(open) > 0 {
		return fmt.Errorf("scorer circuit open for %v", open)
	}
	return s.rt.Ping(ctx)
}

func isInfrastructure(err error) bool {
	return errors.Is(err, apperrors.ErrUnavailable)
}

// receptorArchive wraps data as a tar stream holding work/receptor.oeb.
func receptorArchive(data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "work/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		return nil, err
	}
	if err := tw.WriteHeader(&tar.Header{Name: "work/receptor.oeb", Mode: 0o644, Size: int64(len(data))}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func randomSuffix() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// dockerRuntime adapts *client.Client to containerRuntime.
type dockerRuntime struct {
	client *client.Client
}

func (d *dockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	if _, err := d.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerRuntime) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerRuntime) CopyTo(ctx context.Context, id, dst string, content io.Reader) error {
	return d.client.CopyToContainer(ctx, id, dst, content, container.CopyToContainerOptions{})
}

func (d *dockerRuntime) Start(ctx context.Context, id string) error {
	return d.client.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerRuntime) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("%s", status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

func (d *dockerRuntime) Logs(ctx context.Context, id string) ([]byte, []byte, error) {
	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, err
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, nil, err
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func (d *dockerRuntime) Remove(ctx context.Context, id string) error {
	return d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (d *dockerRuntime) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}
