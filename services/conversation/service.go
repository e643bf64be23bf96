// Package conversation keeps the chat history a user streams completions
// against.
package conversation

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"go.uber.org/zap"
)

const (
	// MaxTitleLength bounds conversation titles, in characters
	MaxTitleLength = 120

	// DefaultTitle names conversations created without a title
	DefaultTitle = "New conversation"

	// DefaultPageSize is used when a listing asks for no explicit limit
	DefaultPageSize = 20

	// MaxPageSize caps a single listing
	MaxPageSize = 100

	// DefaultHistoryLimit is how many of the latest messages are replayed upstream
	DefaultHistoryLimit = 20

	// historyScan bounds the rows read to find the latest window
	historyScan = 1000
)

// Service manages conversations owned by an identity. A conversation owned by
// someone else is reported as not found.
type Service struct {
	repo         repositories.ConversationRepository
	historyLimit int
	logger       *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithHistoryLimit sets how many prior messages History returns
func WithHistoryLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// NewService creates a conversation service
func NewService(repo repositories.ConversationRepository, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{repo: repo, historyLimit: DefaultHistoryLimit, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a conversation for identity
func (s *Service) Create(ctx context.Context, identity uuid.UUID, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, services.ErrInvalidInput.WithDetail("title", "title must be at most 120 characters")
	}

	conv := models.NewConversation(identity, title)
	if err := s.repo.Create(ctx, conv); err != nil {
		return nil, services.ErrDatabaseError.Wrap(err)
	}

	s.logger.Debug("conversation created",
		zap.String("conversation_id", conv.ID.String()),
		zap.String("user_id", identity.String()))
	return conv, nil
}

// List returns a page of identity's conversations, most recent first
func (s *Service) List(ctx context.Context, identity uuid.UUID, limit, offset int) ([]*models.Conversation, error) {
	limit, offset = page(limit, offset)
	convs, err := s.repo.ListByUser(ctx, identity, limit, offset)
	if err != nil {
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	return convs, nil
}

// Get returns a conversation if identity owns it
func (s *Service) Get(ctx context.Context, identity, id uuid.UUID) (*models.Conversation, error) {
	conv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrConversationNotFound
		}
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	if conv.UserID != identity {
		return nil, services.ErrConversationNotFound
	}
	return conv, nil
}

// Messages returns up to limit messages of a conversation, oldest first
func (s *Service) Messages(ctx context.Context, identity, id uuid.UUID, limit int) ([]*models.Message, error) {
	if _, err := s.Get(ctx, identity, id); err != nil {
		return nil, err
	}
	limit, _ = page(limit, 0)
	msgs, err := s.repo.ListMessages(ctx, id, limit)
	if err != nil {
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	return msgs, nil
}

// Append stores one message. The caller has already checked ownership.
func (s *Service) Append(ctx context.Context, id uuid.UUID, role models.MessageRole, content string) (*models.Message, error) {
	if !role.IsValid() {
		return nil, services.ErrInvalidInput.WithDetail("role", "role must be one of user assistant system")
	}
	msg := models.NewMessage(id, role, content)
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrConversationNotFound
		}
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	return msg, nil
}

// History returns the latest messages of a conversation in the shape the
// providers take, oldest first
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]providers.Message, error) {
	msgs, err := s.repo.ListMessages(ctx, id, historyScan)
	if err != nil {
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	if len(msgs) > s.historyLimit {
		msgs = msgs[len(msgs)-s.historyLimit:]
	}

	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, providers.Message{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
