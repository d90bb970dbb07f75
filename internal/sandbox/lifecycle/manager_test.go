package lifecycle

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepod-dev/codepod/internal/common/config"
	"github.com/codepod-dev/codepod/internal/common/database"
	apperrors "github.com/codepod-dev/codepod/internal/common/errors"
	"github.com/codepod-dev/codepod/internal/common/logger"
	"github.com/codepod-dev/codepod/internal/events/bus"
	"github.com/codepod-dev/codepod/internal/sandbox/provider"
	"github.com/codepod-dev/codepod/internal/sandbox/store"
)

// fakeProvider tracks provider-side sandbox state in memory.
type fakeProvider struct {
	mu        sync.Mutex
	sandboxes map[string]string // ref -> running | paused
	failNext  bool
	created   int
	killed    []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sandboxes: make(map[string]string)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Create(ctx context.Context, name string) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return nil, fmt.Errorf("provider exploded")
	}
	p.created++
	ref := "ref-" + name
	p.sandboxes[ref] = "running"
	return &fakeHandle{provider: p, ref: ref}, nil
}

func (p *fakeProvider) Connect(ctx context.Context, ref string) (provider.Handle, error) {
	return &fakeHandle{provider: p, ref: ref}, nil
}

func (p *fakeProvider) Pause(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return fmt.Errorf("pause failed")
	}
	p.sandboxes[ref] = "paused"
	return nil
}

func (p *fakeProvider) Resume(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sandboxes[ref] = "running"
	return nil
}

func (p *fakeProvider) Kill(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = append(p.killed, ref)
	delete(p.sandboxes, ref)
	return nil
}

func (p *fakeProvider) vanish(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sandboxes, ref)
}

type fakeHandle struct {
	provider *fakeProvider
	ref      string
}

func (h *fakeHandle) Ref() string { return h.ref }

func (h *fakeHandle) Alive(ctx context.Context) bool {
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	return h.provider.sandboxes[h.ref] == "running"
}

func (h *fakeHandle) RunCommand(ctx context.Context, req provider.CommandRequest) (*provider.CommandResult, error) {
	return &provider.CommandResult{ExitCode: 0}, nil
}

func (h *fakeHandle) StreamCommand(ctx context.Context, req provider.CommandRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (h *fakeHandle) WriteFile(ctx context.Context, path string, data []byte) error { return nil }
func (h *fakeHandle) ReadFile(ctx context.Context, path string) ([]byte, error)     { return nil, nil }
func (h *fakeHandle) ListFiles(ctx context.Context, path string) ([]provider.FileInfo, error) {
	return nil, nil
}
func (h *fakeHandle) DeleteFile(ctx context.Context, path string) error { return nil }
func (h *fakeHandle) MakeDir(ctx context.Context, path string) error    { return nil }
func (h *fakeHandle) ExposedURL(ctx context.Context, port int) (string, error) {
	return "", fmt.Errorf("no preview in fake")
}
func (h *fakeHandle) Close() error { return nil }

func setupManager(t *testing.T) (*Manager, *fakeProvider, store.Store) {
	t.Helper()
	db, err := database.New(context.Background(), config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   "file::memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	seedProject(t, db, "proj-1")

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	fp := newFakeProvider()
	st := store.New(db.DB)
	m := NewManager(st, fp, bus.NewMemoryEventBus(log), 0, log)
	t.Cleanup(m.Close)
	return m, fp, st
}

func seedProject(t *testing.T, db *database.DB, id string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO projects (id, owner_id, name, repo_url, created_at, updated_at)
		VALUES (?, 'user-1', 'test', '', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`, id)
	require.NoError(t, err)
}

func TestCreateProvisionsRunningSandbox(t *testing.T) {
	m, fp, _ := setupManager(t)
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, sb.State)
	assert.Equal(t, "ref-"+sb.ID, sb.ProviderRef)
	assert.Equal(t, 1, fp.created)
}

func TestCreateConflictsOnSecondSandbox(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)

	_, err = m.Create(ctx, "proj-1")
	assert.True(t, apperrors.IsConflict(err))
}

func TestCreateFailureLeavesNoRecord(t *testing.T) {
	m, fp, st := setupManager(t)
	ctx := context.Background()

	fp.failNext = true
	_, err := m.Create(ctx, "proj-1")
	require.True(t, apperrors.IsProvisionFailed(err))

	_, err = st.GetActiveByProject(ctx, "proj-1")
	assert.True(t, apperrors.IsNotFound(err), "failed create must not orphan a record")

	// The slot is free again
	_, err = m.Create(ctx, "proj-1")
	assert.NoError(t, err)
}

func TestEnsureRunningCreatesWhenMissing(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sb, handle, err := m.EnsureRunning(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, sb.State)
	assert.True(t, handle.Alive(ctx))
}

func TestEnsureRunningResumesPaused(t *testing.T) {
	m, _, st := setupManager(t)
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)
	require.NoError(t, m.Pause(ctx, sb.ID))

	got, _, err := m.EnsureRunning(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, sb.ID, got.ID, "resume keeps the same sandbox")
	assert.Equal(t, store.StateRunning, got.State)

	fresh, err := st.Get(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, fresh.State)
}

func TestEnsureRunningReplacesDeadSandbox(t *testing.T) {
	m, fp, st := setupManager(t)
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)

	// Simulate the provider losing the sandbox behind our back
	fp.vanish(sb.ProviderRef)

	got, handle, err := m.EnsureRunning(ctx, "proj-1")
	require.NoError(t, err)
	assert.NotEqual(t, sb.ID, got.ID, "dead sandbox must be replaced")
	assert.True(t, handle.Alive(ctx))

	old, err := st.Get(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateTerminated, old.State)
}

func TestPauseOnlyFromRunning(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)

	require.NoError(t, m.Pause(ctx, sb.ID))
	err = m.Pause(ctx, sb.ID)
	assert.True(t, apperrors.IsInvalidState(err), "pausing a paused sandbox is invalid")
}

func TestPauseRestartsHibernationClock(t *testing.T) {
	m, _, st := setupManager(t)
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)

	// Backdate activity as if the user walked away well before pausing
	sb.LastActiveAt = time.Now().UTC().Add(-20 * time.Minute)
	require.NoError(t, st.Upsert(ctx, sb))

	require.NoError(t, m.Pause(ctx, sb.ID))

	got, err := st.Get(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePaused, got.State)
	assert.WithinDuration(t, time.Now().UTC(), got.LastActiveAt, 5*time.Second,
		"the hibernation countdown starts at pause time")
}

func TestPauseFailureKeepsStateRunning(t *testing.T) {
	m, fp, st := setupManager(t)
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)

	fp.failNext = true
	require.Error(t, m.Pause(ctx, sb.ID))

	got, err := st.Get(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, got.State,
		"record must not claim paused when the provider refused")
}

func TestResumeOnlyFromPaused(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)

	err = m.Resume(ctx, sb.ID)
	assert.True(t, apperrors.IsInvalidState(err))
}

// upsertFailStore fails every Upsert with a plain database error.
type upsertFailStore struct {
	store.Store
}

func (s *upsertFailStore) Upsert(ctx context.Context, sb *store.Sandbox) error {
	return fmt.Errorf("database connection lost")
}

func TestCreateStoreFailureIsNotConflict(t *testing.T) {
	m, fp, st := setupManager(t)
	m.store = &upsertFailStore{Store: st}
	ctx := context.Background()

	_, err := m.Create(ctx, "proj-1")
	require.Error(t, err)
	assert.False(t, apperrors.IsConflict(err),
		"a database failure must not masquerade as a duplicate sandbox")
	assert.Equal(t, 0, fp.created, "no provision happens when the reservation fails")
}

func TestTerminateIsIdempotent(t *testing.T) {
	m, fp, _ := setupManager(t)
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)

	require.NoError(t, m.Terminate(ctx, sb.ID))
	require.NoError(t, m.Terminate(ctx, sb.ID))
	require.NoError(t, m.Terminate(ctx, sb.ID))

	assert.Len(t, fp.killed, 1, "provider kill runs once")
}

func TestTerminatedIsFinal(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sb, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)
	require.NoError(t, m.Terminate(ctx, sb.ID))

	assert.True(t, apperrors.IsInvalidState(m.Resume(ctx, sb.ID)))
	assert.True(t, apperrors.IsInvalidState(m.Pause(ctx, sb.ID)))

	// A new sandbox can be created for the project afterwards
	fresh, err := m.Create(ctx, "proj-1")
	require.NoError(t, err)
	assert.NotEqual(t, sb.ID, fresh.ID)
}
