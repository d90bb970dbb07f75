// Package lifecycle manages sandbox state transitions against the execution
// provider. The state machine is creating -> running <-> paused -> terminated;
// terminated is final.
package lifecycle

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/codepod-dev/codepod/internal/common/errors"
	"github.com/codepod-dev/codepod/internal/common/logger"
	"github.com/codepod-dev/codepod/internal/events"
	"github.com/codepod-dev/codepod/internal/events/bus"
	"github.com/codepod-dev/codepod/internal/sandbox/provider"
	"github.com/codepod-dev/codepod/internal/sandbox/store"
)

// Manager owns sandbox state transitions. The record store is the source of
// truth; live handles are a pure cache and may be discarded at any time.
type Manager struct {
	store       store.Store
	provider    provider.Provider
	bus         bus.EventBus
	logger      *logger.Logger
	previewPort int

	mu      sync.Mutex
	handles map[string]provider.Handle // sandbox id -> cached handle
}

// NewManager creates a lifecycle manager.
func NewManager(st store.Store, p provider.Provider, eventBus bus.EventBus, previewPort int, log *logger.Logger) *Manager {
	return &Manager{
		store:       st,
		provider:    p,
		bus:         eventBus,
		logger:      log,
		previewPort: previewPort,
		handles:     make(map[string]provider.Handle),
	}
}

// Create provisions a new sandbox for the project. Returns a conflict error
// when the project already has a non-terminated sandbox. A failed provision
// leaves no sandbox record behind.
func (m *Manager) Create(ctx context.Context, projectID string) (*store.Sandbox, error) {
	if existing, err := m.store.GetActiveByProject(ctx, projectID); err == nil {
		return nil, apperrors.Conflict(
			"project already has an active sandbox: " + existing.ID)
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}

	sb := &store.Sandbox{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Provider:  m.provider.Name(),
		State:     store.StateCreating,
	}
	// Inserting the creating row first reserves the project's single live
	// slot; concurrent creators lose on the unique index. The store reports
	// that loss as Conflict; any other error passes through untouched.
	if err := m.store.Upsert(ctx, sb); err != nil {
		return nil, err
	}

	log := m.logger.WithProjectID(projectID).WithSandboxID(sb.ID)
	m.publishStatus(ctx, sb.ID, projectID, store.StateCreating)

	handle, err := m.provider.Create(ctx, sb.ID)
	if err != nil {
		log.WithError(err).Error("sandbox provisioning failed")
		if delErr := m.store.Delete(ctx, sb.ID); delErr != nil {
			log.WithError(delErr).Warn("failed to remove record after failed provision")
		}
		return nil, apperrors.ProvisionFailed("failed to provision sandbox", err)
	}

	sb.ProviderRef = handle.Ref()
	sb.State = store.StateRunning
	if err := m.store.Upsert(ctx, sb); err != nil {
		// The provider resource exists but the record cannot reflect it;
		// destroy the resource rather than orphan it
		log.WithError(err).Error("failed to persist provisioned sandbox, destroying it")
		_ = handle.Close()
		if killErr := m.provider.Kill(ctx, handle.Ref()); killErr != nil {
			log.WithError(killErr).Warn("failed to destroy sandbox during rollback")
		}
		_ = m.store.Delete(ctx, sb.ID)
		return nil, err
	}

	m.cacheHandle(sb.ID, handle)
	m.capturePreviewURL(ctx, sb, handle)
	m.publishStatus(ctx, sb.ID, projectID, store.StateRunning)

	log.Info("sandbox created", zap.String("provider_ref", sb.ProviderRef))
	return sb, nil
}

// EnsureRunning converges the project's sandbox to the running state,
// creating, resuming or replacing as needed, and returns the record together
// with a verified-live handle.
func (m *Manager) EnsureRunning(ctx context.Context, projectID string) (*store.Sandbox, provider.Handle, error) {
	sb, err := m.store.GetActiveByProject(ctx, projectID)
	if apperrors.IsNotFound(err) {
		created, createErr := m.Create(ctx, projectID)
		if createErr != nil {
			return nil, nil, createErr
		}
		handle, hErr := m.handleFor(ctx, created)
		if hErr != nil {
			return nil, nil, hErr
		}
		return created, handle, nil
	}
	if err != nil {
		return nil, nil, err
	}

	log := m.logger.WithProjectID(projectID).WithSandboxID(sb.ID)

	switch sb.State {
	case store.StatePaused:
		if err := m.resume(ctx, sb); err != nil {
			return nil, nil, err
		}
	case store.StateCreating, store.StateRunning:
		// Trust the record only after a liveness probe
	default:
		return nil, nil, apperrors.InvalidState("sandbox is " + sb.State)
	}

	handle, err := m.handleFor(ctx, sb)
	if err != nil {
		return nil, nil, err
	}

	if !handle.Alive(ctx) {
		// The provider-side resource is gone or wedged; replace it
		log.Warn("sandbox failed liveness probe, replacing")
		if err := m.Terminate(ctx, sb.ID); err != nil {
			return nil, nil, err
		}
		fresh, err := m.Create(ctx, projectID)
		if err != nil {
			return nil, nil, err
		}
		handle, err = m.handleFor(ctx, fresh)
		if err != nil {
			return nil, nil, err
		}
		return fresh, handle, nil
	}

	if sb.State != store.StateRunning {
		if err := m.store.UpdateState(ctx, sb.ID, store.StateRunning); err != nil {
			return nil, nil, err
		}
		sb.State = store.StateRunning
		m.publishStatus(ctx, sb.ID, projectID, store.StateRunning)
	}

	if err := m.store.Touch(ctx, sb.ID); err != nil {
		log.WithError(err).Warn("failed to touch sandbox")
	}
	m.capturePreviewURL(ctx, sb, handle)
	return sb, handle, nil
}

// Pause checkpoints a running sandbox. Only running sandboxes can be paused.
func (m *Manager) Pause(ctx context.Context, sandboxID string) error {
	sb, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	if sb.State != store.StateRunning {
		return apperrors.InvalidState("cannot pause sandbox in state " + sb.State)
	}

	// Drop the cached handle before checkpointing so no tunnel holds the
	// sandbox awake
	m.evictHandle(sandboxID)

	if err := m.provider.Pause(ctx, sb.ProviderRef); err != nil {
		m.logger.WithSandboxID(sandboxID).WithError(err).Error("provider pause failed")
		return err
	}

	if err := m.store.UpdateState(ctx, sandboxID, store.StatePaused); err != nil {
		return err
	}
	// The hibernation clock starts at pause time, not at the last interaction
	if err := m.store.Touch(ctx, sandboxID); err != nil {
		m.logger.WithSandboxID(sandboxID).WithError(err).Warn("failed to touch sandbox")
	}
	m.publishStatus(ctx, sandboxID, sb.ProjectID, store.StatePaused)
	m.logger.WithSandboxID(sandboxID).Info("sandbox paused")
	return nil
}

// Resume wakes a paused sandbox. Only paused sandboxes can be resumed.
func (m *Manager) Resume(ctx context.Context, sandboxID string) error {
	sb, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	return m.resume(ctx, sb)
}

func (m *Manager) resume(ctx context.Context, sb *store.Sandbox) error {
	if sb.State != store.StatePaused {
		return apperrors.InvalidState("cannot resume sandbox in state " + sb.State)
	}

	if err := m.provider.Resume(ctx, sb.ProviderRef); err != nil {
		m.logger.WithSandboxID(sb.ID).WithError(err).Error("provider resume failed")
		return err
	}

	if err := m.store.UpdateState(ctx, sb.ID, store.StateRunning); err != nil {
		return err
	}
	sb.State = store.StateRunning
	if err := m.store.Touch(ctx, sb.ID); err != nil {
		m.logger.WithSandboxID(sb.ID).WithError(err).Warn("failed to touch sandbox")
	}
	m.publishStatus(ctx, sb.ID, sb.ProjectID, store.StateRunning)
	m.logger.WithSandboxID(sb.ID).Info("sandbox resumed")
	return nil
}

// Terminate destroys the sandbox. Terminating an already terminated sandbox
// is a no-op; provider-side not-found errors are absorbed so records never
// stick in a live state over a vanished resource.
func (m *Manager) Terminate(ctx context.Context, sandboxID string) error {
	sb, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	if sb.State == store.StateTerminated {
		return nil
	}

	m.evictHandle(sandboxID)

	if sb.ProviderRef != "" {
		if err := m.provider.Kill(ctx, sb.ProviderRef); err != nil {
			m.logger.WithSandboxID(sandboxID).WithError(err).Error("provider kill failed")
			return err
		}
	}

	if err := m.store.UpdateState(ctx, sandboxID, store.StateTerminated); err != nil {
		return err
	}
	m.publishStatus(ctx, sandboxID, sb.ProjectID, store.StateTerminated)
	m.logger.WithSandboxID(sandboxID).Info("sandbox terminated")
	return nil
}

// Touch refreshes the sandbox's activity timestamp.
func (m *Manager) Touch(ctx context.Context, sandboxID string) error {
	return m.store.Touch(ctx, sandboxID)
}

// Close releases all cached handles.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.handles {
		_ = h.Close()
		delete(m.handles, id)
	}
}

func (m *Manager) handleFor(ctx context.Context, sb *store.Sandbox) (provider.Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[sb.ID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	handle, err := m.provider.Connect(ctx, sb.ProviderRef)
	if err != nil {
		return nil, apperrors.ProviderUnavailable(m.provider.Name(), err)
	}
	m.cacheHandle(sb.ID, handle)
	return handle, nil
}

func (m *Manager) cacheHandle(sandboxID string, h provider.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.handles[sandboxID]; ok && old != h {
		_ = old.Close()
	}
	m.handles[sandboxID] = h
}

func (m *Manager) evictHandle(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[sandboxID]; ok {
		_ = h.Close()
		delete(m.handles, sandboxID)
	}
}

func (m *Manager) capturePreviewURL(ctx context.Context, sb *store.Sandbox, handle provider.Handle) {
	if m.previewPort == 0 || sb.PreviewURL != "" {
		return
	}
	url, err := handle.ExposedURL(ctx, m.previewPort)
	if err != nil {
		m.logger.WithSandboxID(sb.ID).WithError(err).Debug("preview url not available")
		return
	}
	if err := m.store.UpdatePreviewURL(ctx, sb.ID, url); err != nil {
		m.logger.WithSandboxID(sb.ID).WithError(err).Warn("failed to store preview url")
		return
	}
	sb.PreviewURL = url
}

func (m *Manager) publishStatus(ctx context.Context, sandboxID, projectID, state string) {
	event := bus.NewEvent(events.TypeSandboxStatus, events.Source, map[string]any{
		"sandbox_id": sandboxID,
		"project_id": projectID,
		"state":      state,
	})
	if err := m.bus.Publish(ctx, events.SubjectSandboxStatus, event); err != nil {
		m.logger.WithSandboxID(sandboxID).WithError(err).Warn("failed to publish status event")
	}
}
