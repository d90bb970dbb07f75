// Package store persists projects, conversations and messages.
package store

import (
	"context"

	"github.com/codepod-dev/codepod/internal/project/models"
)

// Store is the persistence interface for projects and their conversations.
type Store interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]*models.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// GetOrCreateConversation returns the project's conversation, creating it
	// on first use. Each project has exactly one conversation.
	GetOrCreateConversation(ctx context.Context, projectID string) (*models.Conversation, error)
	UpdateAgentSessionID(ctx context.Context, conversationID, sessionID string) error

	CreateMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
}
