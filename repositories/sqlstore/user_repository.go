package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"go.uber.org/zap"
)

// UserRepository implements repositories.UserRepository
type UserRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new user. A taken username maps to repositories.ErrDuplicateUsername.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, username, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := getExecutor(ctx, r.db).ExecContext(ctx, r.db.rebind(query),
		user.ID,
		user.Username,
		user.PasswordHash,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repositories.ErrDuplicateUsername
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	r.logger.Debug("user created", zap.String("id", user.ID.String()))
	return nil
}

// GetByID retrieves a user by identity
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, username, password_hash, created_at, updated_at
		FROM users
		WHERE id = $1
	`
	return r.scanOne(getExecutor(ctx, r.db).QueryRowContext(ctx, r.db.rebind(query), id))
}

// FindByUsername retrieves a user by username
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `
		SELECT id, username, password_hash, created_at, updated_at
		FROM users
		WHERE username = $1
	`
	return r.scanOne(getExecutor(ctx, r.db).QueryRowContext(ctx, r.db.rebind(query), username))
}

// UpdateHash replaces the password hash of a user
func (r *UserRepository) UpdateHash(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := getExecutor(ctx, r.db).ExecContext(ctx, r.db.rebind(query), passwordHash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return err
	}

	r.logger.Debug("password hash updated", zap.String("id", id.String()))
	return nil
}

// Delete removes a user. Refresh tokens and conversations cascade.
func (r *UserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM users WHERE id = $1`

	result, err := getExecutor(ctx, r.db).ExecContext(ctx, r.db.rebind(query), id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return err
	}

	r.logger.Debug("user deleted", zap.String("id", id.String()))
	return nil
}

func (r *UserRepository) scanOne(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func expectAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repositories.ErrNotFound
	}
	return nil
}
