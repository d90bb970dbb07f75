package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/codepod-dev/codepod/internal/common/errors"
	"github.com/codepod-dev/codepod/internal/project/models"
)

// SQLStore implements Store over sqlx. The same implementation serves SQLite
// and Postgres; queries use ? placeholders and are rebound per driver.
type SQLStore struct {
	db *sqlx.DB
}

// New creates a SQLStore.
func New(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) CreateProject(ctx context.Context, p *models.Project) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	query := s.db.Rebind(`INSERT INTO projects (id, owner_id, name, repo_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.OwnerID, p.Name, p.RepoURL, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, "failed to create project")
	}
	return nil
}

func (s *SQLStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	query := s.db.Rebind(`SELECT * FROM projects WHERE id = ?`)
	if err := s.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("project", id)
		}
		return nil, apperrors.Wrap(err, "failed to get project")
	}
	return &p, nil
}

func (s *SQLStore) ListProjectsByOwner(ctx context.Context, ownerID string) ([]*models.Project, error) {
	projects := []*models.Project{}
	query := s.db.Rebind(`SELECT * FROM projects WHERE owner_id = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &projects, query, ownerID); err != nil {
		return nil, apperrors.Wrap(err, "failed to list projects")
	}
	return projects, nil
}

func (s *SQLStore) DeleteProject(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM projects WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete project")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("project", id)
	}
	return nil
}

func (s *SQLStore) GetOrCreateConversation(ctx context.Context, projectID string) (*models.Conversation, error) {
	var c models.Conversation
	query := s.db.Rebind(`SELECT * FROM conversations WHERE project_id = ?`)
	err := s.db.GetContext(ctx, &c, query, projectID)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(err, "failed to get conversation")
	}

	now := time.Now().UTC()
	c = models.Conversation{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Concurrent first turns can race on the unique project_id; the loser
	// re-reads the winner's row.
	insert := s.db.Rebind(`INSERT INTO conversations (id, project_id, agent_session_id, created_at, updated_at)
		VALUES (?, ?, '', ?, ?)`)
	if _, err := s.db.ExecContext(ctx, insert, c.ID, c.ProjectID, c.CreatedAt, c.UpdatedAt); err != nil {
		if getErr := s.db.GetContext(ctx, &c, query, projectID); getErr == nil {
			return &c, nil
		}
		return nil, apperrors.Wrap(err, "failed to create conversation")
	}
	return &c, nil
}

func (s *SQLStore) UpdateAgentSessionID(ctx context.Context, conversationID, sessionID string) error {
	query := s.db.Rebind(`UPDATE conversations SET agent_session_id = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, sessionID, time.Now().UTC(), conversationID)
	if err != nil {
		return apperrors.Wrap(err, "failed to update agent session id")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("conversation", conversationID)
	}
	return nil
}

func (s *SQLStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	query := s.db.Rebind(`INSERT INTO messages (id, conversation_id, role, content, tool_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.ConversationID, m.Role, m.Content, m.ToolCalls, m.CreatedAt)
	if err != nil {
		return apperrors.Wrap(err, "failed to create message")
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	messages := []*models.Message{}
	query := s.db.Rebind(`SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &messages, query, conversationID); err != nil {
		return nil, apperrors.Wrap(err, "failed to list messages")
	}
	return messages, nil
}
