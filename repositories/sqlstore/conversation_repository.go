package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"go.uber.org/zap"
)

// ConversationRepository implements repositories.ConversationRepository
type ConversationRepository struct {
	db     *DB
	tm     *TransactionManager
	logger *zap.Logger
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *DB, logger *zap.Logger) *ConversationRepository {
	return &ConversationRepository{
		db:     db,
		tm:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

// Create creates a new conversation
func (r *ConversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	query := `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := getExecutor(ctx, r.db).ExecContext(ctx, r.db.rebind(query),
		conv.ID,
		conv.UserID,
		conv.Title,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	r.logger.Debug("conversation created",
		zap.String("id", conv.ID.String()),
		zap.String("user_id", conv.UserID.String()))
	return nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	conv := &models.Conversation{}
	err := getExecutor(ctx, r.db).QueryRowContext(ctx, r.db.rebind(query), id).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ListByUser retrieves a user's conversations, most recently updated first
func (r *ConversationRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Conversation, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC, id
		LIMIT $2 OFFSET $3
	`

	rows, err := getExecutor(ctx, r.db).QueryContext(ctx, r.db.rebind(query), userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]*models.Conversation, 0)
	for rows.Next() {
		conv := &models.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return convs, nil
}

// AppendMessage stores msg and touches the conversation in one transaction
func (r *ConversationRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	insert := `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	touch := `UPDATE conversations SET updated_at = $1 WHERE id = $2`

	return r.tm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		exec := getExecutor(ctx, r.db)

		result, err := exec.ExecContext(ctx, r.db.rebind(touch), msg.CreatedAt, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		if err := expectAffected(result); err != nil {
			return err
		}

		if _, err := exec.ExecContext(ctx, r.db.rebind(insert),
			msg.ID,
			msg.ConversationID,
			string(msg.Role),
			msg.Content,
			msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
		return nil
	})
}

// ListMessages retrieves up to limit messages of a conversation, oldest first
func (r *ConversationRepository) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, id
		LIMIT $2
	`

	rows, err := getExecutor(ctx, r.db).QueryContext(ctx, r.db.rebind(query), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*models.Message, 0)
	for rows.Next() {
		msg := &models.Message{}
		var role string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.MessageRole(role)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}
