package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	labelKey = "autodev.sandbox"
	workDir  = "/home/user"
)

type DockerOptions struct {
	Image string
	// Host overrides DOCKER_HOST when set.
	Host string
}

// DockerProvider runs each session in its own throwaway container.
type DockerProvider struct {
	docker *client.Client
	image  string
	logger *zap.Logger
}

func NewDockerProvider(opts DockerOptions, logger *zap.Logger) (*DockerProvider, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	docker, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &DockerProvider{docker: docker, image: opts.Image, logger: logger}, nil
}

func (p *DockerProvider) Check(ctx context.Context) error {
	if _, err := p.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *DockerProvider) Acquire(ctx context.Context) (Session, error) {
	if err := p.ensureImage(ctx); err != nil {
		return nil, fmt.Errorf("failed to pull sandbox image: %w", err)
	}

	name := "autodev-sandbox-" + uuid.NewString()[:12]
	resp, err := p.docker.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:      p.image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: workDir,
			Labels:     map[string]string{labelKey: "true"},
		},
		&dockercontainer.HostConfig{},
		nil, nil, name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}

	s := &dockerSession{docker: p.docker, id: resp.ID, logger: p.logger.With(zap.String("container", name))}

	if err := p.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	s.logger.Debug("sandbox acquired")
	return s, nil
}

func (p *DockerProvider) ensureImage(ctx context.Context) error {
	if _, err := p.docker.ImageInspect(ctx, p.image); err == nil {
		return nil
	}

	p.logger.Info("pulling sandbox image", zap.String("image", p.image))
	reader, err := p.docker.ImagePull(ctx, p.image, dockerimage.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

type dockerSession struct {
	docker *client.Client
	id     string
	logger *zap.Logger
}

func (s *dockerSession) Run(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := s.docker.ContainerExecCreate(execCtx, s.id, dockercontainer.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	att, err := s.docker.ContainerExecAttach(execCtx, created.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer att.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, att.Reader)
		copyDone <- err
	}()

	select {
	case err := <-copyDone:
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("exec output: %w", err)
		}
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, execCtx.Err()
	}

	inspect, err := s.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	return &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (s *dockerSession) WriteFile(ctx context.Context, filePath string, content []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: path.Base(filePath),
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	if err := s.docker.CopyToContainer(ctx, s.id, path.Dir(filePath), &buf, dockercontainer.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to sandbox: %w", err)
	}
	return nil
}

func (s *dockerSession) Close(ctx context.Context) error {
	if err := s.docker.ContainerRemove(ctx, s.id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove sandbox container: %w", err)
	}
	s.logger.Debug("sandbox released")
	return nil
}
