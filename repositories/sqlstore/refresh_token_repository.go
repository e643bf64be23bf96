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

// RefreshTokenRepository implements repositories.RefreshTokenRepository
type RefreshTokenRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRefreshTokenRepository creates a new refresh token repository
func NewRefreshTokenRepository(db *DB, logger *zap.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores a refresh token record
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := getExecutor(ctx, r.db).ExecContext(ctx, r.db.rebind(query),
		token.ID,
		token.UserID,
		token.TokenHash,
		token.ExpiresAt,
		token.Used,
		token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

// FindByHash retrieves a refresh token by hash
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `
		SELECT id, user_id, token_hash, expires_at, used, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`

	token := &models.RefreshToken{}
	err := getExecutor(ctx, r.db).QueryRowContext(ctx, r.db.rebind(query), tokenHash).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.Used,
		&token.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return token, nil
}

// MarkUsed flags a token as used. Only the first caller for a token succeeds.
func (r *RefreshTokenRepository) MarkUsed(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE refresh_tokens SET used = TRUE WHERE id = $1 AND used = FALSE`

	result, err := getExecutor(ctx, r.db).ExecContext(ctx, r.db.rebind(query), id)
	if err != nil {
		return fmt.Errorf("failed to mark refresh token used: %w", err)
	}
	return expectAffected(result)
}

// DeleteByHash removes a refresh token
func (r *RefreshTokenRepository) DeleteByHash(ctx context.Context, tokenHash string) error {
	query := `DELETE FROM refresh_tokens WHERE token_hash = $1`

	result, err := getExecutor(ctx, r.db).ExecContext(ctx, r.db.rebind(query), tokenHash)
	if err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return expectAffected(result)
}

// DeleteByUser removes all refresh tokens of a user
func (r *RefreshTokenRepository) DeleteByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE user_id = $1`

	result, err := getExecutor(ctx, r.db).ExecContext(ctx, r.db.rebind(query), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete refresh tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Debug("refresh tokens revoked", zap.String("user_id", userID.String()), zap.Int64("count", n))
	return n, nil
}
