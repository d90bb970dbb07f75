package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepod-dev/codepod/internal/common/config"
	"github.com/codepod-dev/codepod/internal/common/database"
	apperrors "github.com/codepod-dev/codepod/internal/common/errors"
	"github.com/codepod-dev/codepod/internal/project/models"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(context.Background(), config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   "file::memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProjectCRUD(t *testing.T) {
	db := setupTestDB(t)
	s := New(db.DB)
	ctx := context.Background()

	p := &models.Project{OwnerID: "user-1", Name: "demo", RepoURL: "https://example.com/repo.git"}
	require.NoError(t, s.CreateProject(ctx, p))
	require.NotEmpty(t, p.ID)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, "user-1", got.OwnerID)

	other := &models.Project{OwnerID: "user-2", Name: "other"}
	require.NoError(t, s.CreateProject(ctx, other))

	mine, err := s.ListProjectsByOwner(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, p.ID, mine[0].ID)

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	_, err = s.GetProject(ctx, p.ID)
	assert.True(t, apperrors.IsNotFound(err))

	assert.True(t, apperrors.IsNotFound(s.DeleteProject(ctx, p.ID)))
}

func TestGetOrCreateConversationIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	s := New(db.DB)
	ctx := context.Background()

	p := &models.Project{OwnerID: "user-1", Name: "demo"}
	require.NoError(t, s.CreateProject(ctx, p))

	c1, err := s.GetOrCreateConversation(ctx, p.ID)
	require.NoError(t, err)
	c2, err := s.GetOrCreateConversation(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
}

func TestUpdateAgentSessionID(t *testing.T) {
	db := setupTestDB(t)
	s := New(db.DB)
	ctx := context.Background()

	p := &models.Project{OwnerID: "user-1", Name: "demo"}
	require.NoError(t, s.CreateProject(ctx, p))
	c, err := s.GetOrCreateConversation(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, s.UpdateAgentSessionID(ctx, c.ID, "sess-42"))

	got, err := s.GetOrCreateConversation(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", got.AgentSessionID)

	assert.True(t, apperrors.IsNotFound(s.UpdateAgentSessionID(ctx, "missing", "x")))
}

func TestMessagesOrderedWithToolCalls(t *testing.T) {
	db := setupTestDB(t)
	s := New(db.DB)
	ctx := context.Background()

	p := &models.Project{OwnerID: "user-1", Name: "demo"}
	require.NoError(t, s.CreateProject(ctx, p))
	c, err := s.GetOrCreateConversation(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, s.CreateMessage(ctx, &models.Message{
		ConversationID: c.ID,
		Role:           models.RoleUser,
		Content:        "add a login page",
	}))
	require.NoError(t, s.CreateMessage(ctx, &models.Message{
		ConversationID: c.ID,
		Role:           models.RoleAssistant,
		Content:        "Done, I added the page.",
		ToolCalls: models.ToolCallList{
			{ID: "t1", Name: "write_file", Input: json.RawMessage(`{"path":"login.tsx"}`), Result: "ok"},
			{ID: "t2", Name: "run_command", Input: json.RawMessage(`{"cmd":"npm test"}`), Result: "passed"},
		},
	}))

	msgs, err := s.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 2)
	assert.Equal(t, "write_file", msgs[1].ToolCalls[0].Name)
	assert.Equal(t, "passed", msgs[1].ToolCalls[1].Result)
}

func TestDeleteProjectCascades(t *testing.T) {
	db := setupTestDB(t)
	s := New(db.DB)
	ctx := context.Background()

	p := &models.Project{OwnerID: "user-1", Name: "demo"}
	require.NoError(t, s.CreateProject(ctx, p))
	c, err := s.GetOrCreateConversation(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, s.CreateMessage(ctx, &models.Message{
		ConversationID: c.ID, Role: models.RoleUser, Content: "hi",
	}))

	require.NoError(t, s.DeleteProject(ctx, p.ID))

	msgs, err := s.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
