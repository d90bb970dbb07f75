package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/internal/common/config"
	apperrors "github.com/codepod-dev/codepod/internal/common/errors"
	"github.com/codepod-dev/codepod/internal/common/logger"
)

const dockerSandboxLabel = "codepod.sandbox"

// DockerProvider implements Provider using local containers. Containers run a
// long-lived sleep process; commands execute through the exec API. Pause and
// resume map directly onto the engine's freezer-based container pause.
type DockerProvider struct {
	cli     *client.Client
	image   string
	network string
	logger  *logger.Logger
}

// NewDockerProvider creates a provider backed by the local Docker daemon.
func NewDockerProvider(cfg config.DockerProviderConfig, log *logger.Logger) (*DockerProvider, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerProvider{
		cli:     cli,
		image:   cfg.Image,
		network: cfg.Network,
		logger:  log.WithFields(zap.String("provider", "docker")),
	}, nil
}

func (p *DockerProvider) Name() string { return "docker" }

func (p *DockerProvider) Create(ctx context.Context, name string) (Handle, error) {
	containerCfg := &container.Config{
		Image: p.image,
		Cmd:   []string{"sleep", "infinity"},
		Labels: map[string]string{
			dockerSandboxLabel: name,
		},
	}
	hostCfg := &container.HostConfig{}
	if p.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(p.network)
	}

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "codepod-"+name)
	if err != nil {
		return nil, apperrors.ProvisionFailed("failed to create container", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Remove the half-created container so no orphan is left behind
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, apperrors.ProvisionFailed("failed to start container", err)
	}

	p.logger.Info("container created",
		zap.String("container_id", resp.ID),
		zap.String("sandbox_name", name))
	return p.newHandle(resp.ID), nil
}

func (p *DockerProvider) Connect(ctx context.Context, ref string) (Handle, error) {
	return p.newHandle(ref), nil
}

func (p *DockerProvider) Pause(ctx context.Context, ref string) error {
	if err := p.cli.ContainerPause(ctx, ref); err != nil {
		return fmt.Errorf("failed to pause container %s: %w", ref, err)
	}
	return nil
}

func (p *DockerProvider) Resume(ctx context.Context, ref string) error {
	if err := p.cli.ContainerUnpause(ctx, ref); err != nil {
		return fmt.Errorf("failed to unpause container %s: %w", ref, err)
	}
	return nil
}

func (p *DockerProvider) Kill(ctx context.Context, ref string) error {
	err := p.cli.ContainerRemove(ctx, ref, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", ref, err)
	}
	return nil
}

func (p *DockerProvider) newHandle(containerID string) *dockerHandle {
	return &dockerHandle{
		cli:    p.cli,
		id:     containerID,
		logger: p.logger.WithFields(zap.String("container_id", containerID)),
	}
}

// dockerHandle is a live connection to one container.
type dockerHandle struct {
	cli    *client.Client
	id     string
	logger *logger.Logger
}

func (h *dockerHandle) Ref() string { return h.id }

func (h *dockerHandle) Alive(ctx context.Context) bool {
	inspect, err := h.cli.ContainerInspect(ctx, h.id)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running && !inspect.State.Paused
}

func (h *dockerHandle) RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	execCfg := container.ExecOptions{
		Cmd:          append([]string{req.Cmd}, req.Args...),
		Env:          req.Env,
		WorkingDir:   req.Cwd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  req.Stdin != nil,
	}

	execResp, err := h.cli.ContainerExecCreate(ctx, h.id, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := h.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	if req.Stdin != nil {
		if _, err := io.Copy(attach.Conn, req.Stdin); err != nil {
			return nil, fmt.Errorf("failed to write stdin: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			return nil, fmt.Errorf("failed to close stdin: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Timeout(req.Cmd)
		}
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := h.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (h *dockerHandle) StreamCommand(ctx context.Context, req CommandRequest) (io.ReadCloser, error) {
	execCfg := container.ExecOptions{
		Cmd:          append([]string{req.Cmd}, req.Args...),
		Env:          req.Env,
		WorkingDir:   req.Cwd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := h.cli.ContainerExecCreate(ctx, h.id, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := h.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer attach.Close()
		// Demultiplex the engine stream; stderr is dropped from the pipe but
		// surfaced in the exit error
		var stderr bytes.Buffer
		_, copyErr := stdcopy.StdCopy(pw, &stderr, attach.Reader)
		if copyErr != nil {
			pw.CloseWithError(copyErr)
			return
		}

		inspect, err := h.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if inspect.ExitCode != 0 {
			pw.CloseWithError(fmt.Errorf("command exited with code %d: %s",
				inspect.ExitCode, stderr.String()))
			return
		}
		pw.Close()
	}()

	return pr, nil
}

func (h *dockerHandle) WriteFile(ctx context.Context, path string, data []byte) error {
	res, err := h.RunCommand(ctx, CommandRequest{
		Cmd:   "sh",
		Args:  []string{"-c", fmt.Sprintf("mkdir -p \"$(dirname %q)\" && cat > %q", path, path)},
		Stdin: bytes.NewReader(data),
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("write %s failed: %s", path, res.Stderr)
	}
	return nil
}

func (h *dockerHandle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := h.RunCommand(ctx, CommandRequest{Cmd: "cat", Args: []string{path}})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("read %s failed: %s", path, res.Stderr)
	}
	return []byte(res.Stdout), nil
}

func (h *dockerHandle) ListFiles(ctx context.Context, path string) ([]FileInfo, error) {
	res, err := h.RunCommand(ctx, CommandRequest{
		Cmd:  "sh",
		Args: []string{"-c", fmt.Sprintf("ls -Ap %q", path)},
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list %s failed: %s", path, res.Stderr)
	}
	return parseListing(res.Stdout), nil
}

func (h *dockerHandle) DeleteFile(ctx context.Context, path string) error {
	res, err := h.RunCommand(ctx, CommandRequest{Cmd: "rm", Args: []string{"-rf", path}})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("delete %s failed: %s", path, res.Stderr)
	}
	return nil
}

func (h *dockerHandle) MakeDir(ctx context.Context, path string) error {
	res, err := h.RunCommand(ctx, CommandRequest{Cmd: "mkdir", Args: []string{"-p", path}})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s failed: %s", path, res.Stderr)
	}
	return nil
}

func (h *dockerHandle) ExposedURL(ctx context.Context, port int) (string, error) {
	inspect, err := h.cli.ContainerInspect(ctx, h.id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}

	ip := ""
	if inspect.NetworkSettings != nil {
		ip = inspect.NetworkSettings.IPAddress
		if ip == "" {
			for _, nw := range inspect.NetworkSettings.Networks {
				if nw.IPAddress != "" {
					ip = nw.IPAddress
					break
				}
			}
		}
	}
	if ip == "" {
		return "", fmt.Errorf("container %s has no network address", h.id)
	}
	return fmt.Sprintf("http://%s:%d", ip, port), nil
}

func (h *dockerHandle) Close() error {
	// Exec sessions are per-call; nothing handle-local to release
	return nil
}

// Ping verifies the docker daemon is reachable at startup.
func (p *DockerProvider) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := p.cli.Ping(pingCtx); err != nil {
		return apperrors.ProviderUnavailable("docker", err)
	}
	return nil
}
