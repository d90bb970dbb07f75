package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/internal/common/config"
	apperrors "github.com/codepod-dev/codepod/internal/common/errors"
	"github.com/codepod-dev/codepod/internal/common/logger"
)

const (
	spriteCreateTimeout  = 120 * time.Second
	spriteProbeTimeout   = 10 * time.Second
	spriteCommandTimeout = 5 * time.Minute
)

// SpritesProvider implements Provider on top of the sprites.dev API. Sprites
// are created lazily on their first command and checkpoint automatically when
// no client is attached, so Pause only tears down local tunnels and Resume is
// a no-op: the next command wakes the sprite.
type SpritesProvider struct {
	client     *sprites.Client
	namePrefix string
	logger     *logger.Logger
}

// NewSpritesProvider creates a provider backed by the sprites.dev API.
func NewSpritesProvider(cfg config.SpritesConfig, log *logger.Logger) *SpritesProvider {
	return &SpritesProvider{
		client:     sprites.New(cfg.Token),
		namePrefix: cfg.NamePrefix,
		logger:     log.WithFields(zap.String("provider", "sprites")),
	}
}

func (p *SpritesProvider) Name() string { return "sprites" }

func (p *SpritesProvider) Create(ctx context.Context, name string) (Handle, error) {
	spriteName := p.namePrefix + "-" + name
	sprite := p.client.Sprite(spriteName)

	p.logger.Info("creating sprite", zap.String("sprite_name", spriteName))

	// First command lazily provisions the sprite
	stepCtx, cancel := context.WithTimeout(ctx, spriteCreateTimeout)
	defer cancel()
	out, err := sprite.CommandContext(stepCtx, "echo", "codepod-ready").Output()
	if err != nil {
		return nil, apperrors.ProvisionFailed("failed to create sprite", err)
	}
	if !strings.Contains(string(out), "codepod-ready") {
		return nil, apperrors.ProvisionFailed(
			fmt.Sprintf("unexpected sprite output: %s", string(out)), nil)
	}

	return p.newHandle(spriteName), nil
}

func (p *SpritesProvider) Connect(ctx context.Context, ref string) (Handle, error) {
	return p.newHandle(ref), nil
}

func (p *SpritesProvider) Pause(ctx context.Context, ref string) error {
	// The platform checkpoints a sprite once no client is attached. Handle
	// teardown is done by the caller closing its cached handle.
	p.logger.Debug("sprite pause requested", zap.String("sprite_name", ref))
	return nil
}

func (p *SpritesProvider) Resume(ctx context.Context, ref string) error {
	// Waking happens on the next command against the sprite.
	return nil
}

func (p *SpritesProvider) Kill(ctx context.Context, ref string) error {
	sprite := p.client.Sprite(ref)
	if err := sprite.Destroy(); err != nil {
		if isSpriteNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to destroy sprite %s: %w", ref, err)
	}
	p.logger.Info("sprite destroyed", zap.String("sprite_name", ref))
	return nil
}

func (p *SpritesProvider) newHandle(spriteName string) *spriteHandle {
	return &spriteHandle{
		sprite: p.client.Sprite(spriteName),
		name:   spriteName,
		logger: p.logger.WithFields(zap.String("sprite_name", spriteName)),
	}
}

func isSpriteNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}

// spriteHandle is a live connection to one sprite.
type spriteHandle struct {
	sprite *sprites.Sprite
	name   string
	logger *logger.Logger

	mu      sync.Mutex
	proxies []*sprites.ProxySession
}

func (h *spriteHandle) Ref() string { return h.name }

func (h *spriteHandle) Alive(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, spriteProbeTimeout)
	defer cancel()
	out, err := h.sprite.CommandContext(probeCtx, "echo", "ok").Output()
	return err == nil && strings.Contains(string(out), "ok")
}

func (h *spriteHandle) RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = spriteCommandTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := h.sprite.CommandContext(cmdCtx, req.Cmd, req.Args...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	if len(req.Env) > 0 {
		cmd.Env = req.Env
	}

	if req.Stdin != nil {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
		}
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start command: %w", err)
		}
		if _, err := io.Copy(stdin, req.Stdin); err != nil {
			return nil, fmt.Errorf("failed to write stdin: %w", err)
		}
		if err := stdin.Close(); err != nil {
			return nil, fmt.Errorf("failed to close stdin: %w", err)
		}
		if err := cmd.Wait(); err != nil {
			return &CommandResult{Stdout: out.String(), ExitCode: 1}, nil
		}
		return &CommandResult{Stdout: out.String(), ExitCode: 0}, nil
	}

	// The sprite API reports combined output; stream separation is not
	// available
	out, err := cmd.CombinedOutput()
	if err != nil {
		if cmdCtx.Err() != nil {
			return nil, apperrors.Timeout(req.Cmd)
		}
		return &CommandResult{Stdout: string(out), ExitCode: 1}, nil
	}
	return &CommandResult{Stdout: string(out), ExitCode: 0}, nil
}

func (h *spriteHandle) StreamCommand(ctx context.Context, req CommandRequest) (io.ReadCloser, error) {
	cmd := h.sprite.CommandContext(ctx, req.Cmd, req.Args...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	if len(req.Env) > 0 {
		cmd.Env = req.Env
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	go func() {
		err := cmd.Wait()
		pw.CloseWithError(err)
	}()

	return pr, nil
}

func (h *spriteHandle) WriteFile(ctx context.Context, path string, data []byte) error {
	res, err := h.RunCommand(ctx, CommandRequest{
		Cmd:   "sh",
		Args:  []string{"-c", fmt.Sprintf("mkdir -p \"$(dirname %q)\" && cat > %q", path, path)},
		Stdin: bytes.NewReader(data),
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("write %s failed: %s", path, res.Stdout)
	}
	return nil
}

func (h *spriteHandle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, spriteCommandTimeout)
	defer cancel()
	out, err := h.sprite.CommandContext(cmdCtx, "cat", path).Output()
	if err != nil {
		return nil, fmt.Errorf("read %s failed: %w", path, err)
	}
	return out, nil
}

func (h *spriteHandle) ListFiles(ctx context.Context, path string) ([]FileInfo, error) {
	res, err := h.RunCommand(ctx, CommandRequest{
		Cmd:  "sh",
		Args: []string{"-c", fmt.Sprintf("ls -Ap %q", path)},
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list %s failed: %s", path, res.Stdout)
	}
	return parseListing(res.Stdout), nil
}

func (h *spriteHandle) DeleteFile(ctx context.Context, path string) error {
	res, err := h.RunCommand(ctx, CommandRequest{Cmd: "rm", Args: []string{"-rf", path}})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("delete %s failed: %s", path, res.Stdout)
	}
	return nil
}

func (h *spriteHandle) MakeDir(ctx context.Context, path string) error {
	res, err := h.RunCommand(ctx, CommandRequest{Cmd: "mkdir", Args: []string{"-p", path}})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s failed: %s", path, res.Stdout)
	}
	return nil
}

func (h *spriteHandle) ExposedURL(ctx context.Context, port int) (string, error) {
	localPort, err := getFreePort()
	if err != nil {
		return "", fmt.Errorf("failed to get free port: %w", err)
	}

	session, err := h.sprite.ProxyPort(ctx, localPort, port)
	if err != nil {
		return "", fmt.Errorf("port forwarding failed: %w", err)
	}

	h.mu.Lock()
	h.proxies = append(h.proxies, session)
	h.mu.Unlock()

	h.logger.Debug("port forwarding established",
		zap.Int("local_port", localPort),
		zap.Int("remote_port", port))
	return fmt.Sprintf("http://127.0.0.1:%d", localPort), nil
}

func (h *spriteHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, session := range h.proxies {
		_ = session.Close()
	}
	h.proxies = nil
	return nil
}

// parseListing splits `ls -Ap` output; entries with a trailing slash are
// directories.
func parseListing(out string) []FileInfo {
	var files []FileInfo
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		isDir := strings.HasSuffix(name, "/")
		files = append(files, FileInfo{
			Name:  strings.TrimSuffix(name, "/"),
			IsDir: isDir,
		})
	}
	return files
}

// getFreePort finds an available local port.
func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
