package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/llm-gateway/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateUsername is returned by UserRepository.Create when the
	// username is already taken
	ErrDuplicateUsername = errors.New("username already exists")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// UserRepository is the credential store
type UserRepository interface {
	// Create inserts a new credential record. Returns ErrDuplicateUsername
	// if the username is taken.
	Create(ctx context.Context, user *models.User) error

	// GetByID retrieves a user by identity
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)

	// FindByUsername retrieves a user by username
	FindByUsername(ctx context.Context, username string) (*models.User, error)

	// UpdateHash replaces the stored password hash
	UpdateHash(ctx context.Context, id uuid.UUID, passwordHash string) error

	// Delete removes a user and, by cascade, everything the user owns
	Delete(ctx context.Context, id uuid.UUID) error
}

// RefreshTokenRepository persists hashed refresh tokens
type RefreshTokenRepository interface {
	// Create stores a new refresh token
	Create(ctx context.Context, token *models.RefreshToken) error

	// FindByHash retrieves a token by its hash
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)

	// MarkUsed flags an unused token as used. Returns ErrNotFound if the token
	// does not exist or was already used, so only one caller can win.
	MarkUsed(ctx context.Context, id uuid.UUID) error

	// DeleteByHash removes a single token
	DeleteByHash(ctx context.Context, tokenHash string) error

	// DeleteByUser removes every token of a user
	DeleteByUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

// ConversationRepository handles conversations and their messages
type ConversationRepository interface {
	// Create creates a new conversation
	Create(ctx context.Context, conv *models.Conversation) error

	// GetByID retrieves a conversation by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)

	// ListByUser retrieves a user's conversations, most recently updated first
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Conversation, error)

	// AppendMessage stores a message and bumps the conversation's updated_at
	AppendMessage(ctx context.Context, msg *models.Message) error

	// ListMessages retrieves a conversation's messages, oldest first
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*models.Message, error)
}

// Repositories bundles every repository the application uses
type Repositories struct {
	Users         UserRepository
	RefreshTokens RefreshTokenRepository
	Conversations ConversationRepository
	Transactions  TransactionManager
}
