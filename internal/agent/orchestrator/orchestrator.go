// Package orchestrator drives agent turns: one user message in, a stream of
// agent events out, with conversation history persisted around the exchange.
package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/internal/common/config"
	apperrors "github.com/codepod-dev/codepod/internal/common/errors"
	"github.com/codepod-dev/codepod/internal/common/logger"
	"github.com/codepod-dev/codepod/internal/project/models"
	projectstore "github.com/codepod-dev/codepod/internal/project/store"
	"github.com/codepod-dev/codepod/internal/sandbox/lifecycle"
	"github.com/codepod-dev/codepod/internal/sandbox/provider"
	"github.com/codepod-dev/codepod/pkg/agentstream"
)

const (
	eventBufferSize    = 64
	persistTimeout     = 10 * time.Second
	bootstrapTimeout   = 5 * time.Minute
	scannerBufferSize  = 64 * 1024
	scannerMaxLineSize = 1024 * 1024
)

// Orchestrator runs at most one agent turn per project at a time. A turn
// survives its requesting connection: cancellation happens only through Stop
// or the configured turn timeout.
type Orchestrator struct {
	projects  projectstore.Store
	lifecycle *lifecycle.Manager
	cfg       config.AgentConfig
	logger    *logger.Logger
	inflight  *inflightSet
}

// New creates an orchestrator.
func New(projects projectstore.Store, lm *lifecycle.Manager, cfg config.AgentConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		projects:  projects,
		lifecycle: lm,
		cfg:       cfg,
		logger:    log,
		inflight:  newInflightSet(),
	}
}

// Chat starts a turn for the project and returns its event stream. The user
// message is persisted before the agent is invoked, so history survives any
// later failure. Returns a conflict error when a turn is already in flight;
// turns are never queued.
func (o *Orchestrator) Chat(ctx context.Context, projectID, content string) (<-chan Event, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.BadRequest("message content is empty")
	}

	// The turn is detached from the request context so a dropped connection
	// does not abort it; only Stop or the timeout cancel it
	turnCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout())

	// The slot is claimed before any write so a busy rejection leaves no
	// side effects behind
	if !o.inflight.register(projectID, cancel) {
		cancel()
		return nil, apperrors.Conflict("a turn is already in flight for this project")
	}

	conv, err := o.projects.GetOrCreateConversation(ctx, projectID)
	if err != nil {
		o.inflight.release(projectID)
		cancel()
		return nil, err
	}

	userMsg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        content,
	}
	if err := o.projects.CreateMessage(ctx, userMsg); err != nil {
		o.inflight.release(projectID)
		cancel()
		return nil, err
	}

	events := make(chan Event, eventBufferSize)
	go o.runTurn(turnCtx, cancel, projectID, conv, content, events)
	return events, nil
}

// Stop cancels the project's in-flight turn and reports whether one was
// running. Cancellation is cooperative: output already produced is kept and
// the turn still emits its terminal event.
func (o *Orchestrator) Stop(projectID string) bool {
	return o.inflight.cancel(projectID)
}

func (o *Orchestrator) runTurn(ctx context.Context, cancel context.CancelFunc, projectID string, conv *models.Conversation, content string, events chan<- Event) {
	defer close(events)
	defer o.inflight.release(projectID)
	defer cancel()

	log := o.logger.WithProjectID(projectID)

	emit := func(e Event) {
		e.Timestamp = time.Now().UTC()
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}

	// First event goes out before the potentially slow provision so the
	// client is never staring at a silent stream
	emit(Event{Kind: KindSandboxStatus, Status: StatusStarting})

	sb, handle, err := o.lifecycle.EnsureRunning(ctx, projectID)
	if err != nil {
		log.WithError(err).Error("failed to ensure sandbox")
		emit(Event{Kind: KindError, Err: err})
		return
	}
	emit(Event{Kind: KindSandboxStatus, SandboxID: sb.ID, Status: sb.State})

	if err := o.bootstrap(ctx, handle); err != nil {
		log.WithError(err).Error("agent bootstrap failed")
		emit(Event{Kind: KindError, Err: err})
		return
	}

	stream, err := handle.StreamCommand(ctx, provider.CommandRequest{
		Cmd:  o.cfg.Command,
		Args: o.buildArgs(conv.AgentSessionID, content),
		Cwd:  o.cfg.WorkDir,
	})
	if err != nil {
		log.WithError(err).Error("failed to start agent")
		emit(Event{Kind: KindError, Err: err})
		return
	}
	defer stream.Close()

	var text strings.Builder
	var toolCalls []models.ToolCall
	var agentErr error
	var streamErr error
	sessionID := ""
	sawTerminal := false

	reader := bufio.NewReaderSize(stream, scannerBufferSize)

	for {
		line, tooLong, err := readLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}
		if tooLong {
			// Oversized non-protocol output is discarded like any other
			// unusable line
			log.Debug("skipping oversized agent stream line")
			continue
		}

		event, err := agentstream.ParseLine(line)
		if err != nil {
			// A bad line never aborts the turn
			log.Debug("skipping agent stream line", zap.Error(err))
			continue
		}

		switch event.Type {
		case agentstream.EventThinkingStarted:
			emit(Event{Kind: KindThinking})

		case agentstream.EventTextChunk:
			text.WriteString(event.Text)
			emit(Event{Kind: KindText, Text: event.Text})

		case agentstream.EventToolStart:
			tc := models.ToolCall{
				ID:    event.ToolID,
				Name:  event.ToolName,
				Input: event.ToolInput,
			}
			toolCalls = append(toolCalls, tc)
			emit(Event{Kind: KindToolCall, ToolCall: &tc})

		case agentstream.EventToolResult:
			tc := resolveToolResult(toolCalls, event)
			emit(Event{Kind: KindToolResult, ToolCall: tc})

		case agentstream.EventDone:
			sessionID = event.SessionID
			sawTerminal = true

		case agentstream.EventError:
			agentErr = errors.New(event.Message)
			sawTerminal = true
		}

		if sawTerminal {
			break
		}
	}

	cancelled := false
	if !sawTerminal {
		if ctx.Err() != nil {
			cancelled = true
		} else if streamErr != nil {
			agentErr = fmt.Errorf("agent stream broken: %w", streamErr)
		} else if agentErr == nil {
			agentErr = errors.New("agent stream ended without terminal event")
		}
	}

	// Persistence runs on a fresh context; a cancelled turn still saves its
	// partial output
	persistCtx, persistCancel := context.WithTimeout(context.Background(), persistTimeout)
	defer persistCancel()

	if sessionID != "" && sessionID != conv.AgentSessionID {
		if err := o.projects.UpdateAgentSessionID(persistCtx, conv.ID, sessionID); err != nil {
			log.WithError(err).Warn("failed to persist agent session id")
		}
	}

	if text.Len() > 0 || len(toolCalls) > 0 {
		assistantMsg := &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleAssistant,
			Content:        text.String(),
			ToolCalls:      toolCalls,
		}
		if err := o.projects.CreateMessage(persistCtx, assistantMsg); err != nil {
			log.WithError(err).Error("failed to persist assistant message")
		}
	}

	if err := o.lifecycle.Touch(persistCtx, sb.ID); err != nil {
		log.WithSandboxID(sb.ID).WithError(err).Warn("failed to touch sandbox")
	}

	// Exactly one terminal event closes the turn
	terminal := Event{Kind: KindDone, SessionID: sessionID, Cancelled: cancelled}
	if agentErr != nil {
		terminal = Event{Kind: KindError, Err: agentErr}
	}
	terminal.Timestamp = time.Now().UTC()
	events <- terminal

	log.Info("turn finished",
		zap.String("sandbox_id", sb.ID),
		zap.Bool("cancelled", cancelled),
		zap.Bool("errored", agentErr != nil),
		zap.Int("tool_calls", len(toolCalls)))
}

// bootstrap makes sure the agent CLI and its working directory exist in the
// sandbox, running the configured install script on first use.
func (o *Orchestrator) bootstrap(ctx context.Context, handle provider.Handle) error {
	if o.cfg.WorkDir != "" {
		if err := handle.MakeDir(ctx, o.cfg.WorkDir); err != nil {
			return fmt.Errorf("failed to prepare workdir %s: %w", o.cfg.WorkDir, err)
		}
	}

	probe, err := handle.RunCommand(ctx, provider.CommandRequest{
		Cmd:  "sh",
		Args: []string{"-c", "command -v " + o.cfg.Command},
	})
	if err != nil {
		return err
	}
	if probe.ExitCode == 0 {
		return nil
	}

	if o.cfg.InstallScript == "" {
		return fmt.Errorf("agent command %q not found in sandbox and no install script configured", o.cfg.Command)
	}

	o.logger.Info("installing agent in sandbox", zap.String("command", o.cfg.Command))
	install, err := handle.RunCommand(ctx, provider.CommandRequest{
		Cmd:     "sh",
		Args:    []string{"-c", o.cfg.InstallScript},
		Timeout: bootstrapTimeout,
	})
	if err != nil {
		return err
	}
	if install.ExitCode != 0 {
		return fmt.Errorf("agent install failed: %s%s", install.Stdout, install.Stderr)
	}

	verify, err := handle.RunCommand(ctx, provider.CommandRequest{
		Cmd:  "sh",
		Args: []string{"-c", "command -v " + o.cfg.Command},
	})
	if err != nil {
		return err
	}
	if verify.ExitCode != 0 {
		return fmt.Errorf("agent command %q still missing after install", o.cfg.Command)
	}
	return nil
}

func (o *Orchestrator) buildArgs(sessionID, content string) []string {
	args := make([]string, 0, len(o.cfg.Args)+3)
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	args = append(args, o.cfg.Args...)
	args = append(args, content)
	return args
}

// readLine reads one complete line, reporting lines over scannerMaxLineSize
// as too long rather than failing the stream. The remainder of an oversized
// line is consumed without being buffered.
func readLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	chunk, isPrefix, err := r.ReadLine()
	if err != nil {
		return nil, false, err
	}
	if !isPrefix {
		return chunk, false, nil
	}

	buf := append([]byte(nil), chunk...)
	for isPrefix {
		chunk, isPrefix, err = r.ReadLine()
		if err != nil {
			return nil, false, err
		}
		if len(buf) <= scannerMaxLineSize {
			buf = append(buf, chunk...)
		}
	}
	if len(buf) > scannerMaxLineSize {
		return nil, true, nil
	}
	return buf, false, nil
}

// resolveToolResult attaches the result to its originating call. Results for
// unknown tool ids are relayed standalone so the client still sees them.
func resolveToolResult(toolCalls []models.ToolCall, event *agentstream.Event) *models.ToolCall {
	for i := range toolCalls {
		if toolCalls[i].ID == event.ToolID {
			toolCalls[i].Result = event.Result
			toolCalls[i].IsError = event.IsError
			return &toolCalls[i]
		}
	}
	return &models.ToolCall{
		ID:      event.ToolID,
		Result:  event.Result,
		IsError: event.IsError,
	}
}
