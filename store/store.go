package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/duetchat/duet/internal/profile"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Driver is the database-specific persistence backend.
type Driver interface {
	Migrate(ctx context.Context) error

	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpsertConversation(ctx context.Context, conversation *Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	// ListConversations returns conversations ordered by updated_ts descending.
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)

	Close() error
}

// Store provides durable access to conversations. A single in-process writer
// (the orchestrator) is assumed; there is no cross-process isolation.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new Store on top of a driver.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// GetConversation loads a conversation by id. Returns ErrNotFound when the id
// is unknown.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation id required")
	}
	return s.driver.GetConversation(ctx, id)
}

// UpsertConversation writes the full conversation state, replacing any prior
// version of the same id.
func (s *Store) UpsertConversation(ctx context.Context, conversation *Conversation) error {
	if conversation == nil || conversation.ID == "" {
		return errors.New("conversation with id required")
	}
	return s.driver.UpsertConversation(ctx, conversation)
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("conversation id required")
	}
	return s.driver.DeleteConversation(ctx, id)
}

func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	if find == nil {
		find = &FindConversation{}
	}
	if find.Limit == nil {
		// Reasonable default so a large history does not load in one go.
		defaultLimit := 100
		find.Limit = &defaultLimit
	}
	return s.driver.ListConversations(ctx, find)
}
