package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/password"
	"github.com/upb/llm-gateway/services/token"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// Credential limits
const (
	MinUsernameLength = 3
	MaxUsernameLength = 48
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

const refreshTokenBytes = 32

// TokenIssuer signs access tokens
type TokenIssuer interface {
	Issue(identity uuid.UUID) (*token.Issued, error)
}

// Session is the token pair handed out on login and refresh
type Session struct {
	UserID           uuid.UUID `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Service implements registration, login, refresh token rotation and
// account management on top of the credential store.
type Service struct {
	users      repositories.UserRepository
	refresh    repositories.RefreshTokenRepository
	tx         repositories.TransactionManager
	hasher     *password.Hasher
	tokens     TokenIssuer
	refreshTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewService creates a new auth service
func NewService(repos *repositories.Repositories, hasher *password.Hasher, tokens TokenIssuer, refreshTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		users:      repos.Users,
		refresh:    repos.RefreshTokens,
		tx:         repos.Transactions,
		hasher:     hasher,
		tokens:     tokens,
		refreshTTL: refreshTTL,
		now:        time.Now,
		logger:     logger,
	}
}

type usernameInput struct {
	Username string `validate:"required,min=3,max=48,username"`
}

func validateUsername(username string) error {
	if err := utils.ValidateStruct(usernameInput{Username: username}); err != nil {
		return invalidInput(err)
	}
	return nil
}

// validatePassword bounds the password in bytes, which is what argon2 hashes
func validatePassword(secret password.Secret) error {
	n := secret.Len()
	switch {
	case n < MinPasswordLength:
		return services.ErrInvalidInput.WithDetail("password", fmt.Sprintf("password must be at least %d bytes", MinPasswordLength))
	case n > MaxPasswordLength:
		return services.ErrInvalidInput.WithDetail("password", fmt.Sprintf("password must be at most %d bytes", MaxPasswordLength))
	}
	return nil
}

func invalidInput(err error) error {
	out := services.ErrInvalidInput
	for field, reason := range utils.GetValidationFields(err) {
		out = out.WithDetail(field, reason)
	}
	return out
}

// Register creates a credential record and returns it. The secret is only
// read; wiping it is the caller's job.
func (s *Service) Register(ctx context.Context, username string, secret password.Secret) (*models.User, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validatePassword(secret); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, services.WrapInternal("hash password", err)
	}

	user := models.NewUser(username, hash)
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrDuplicateUsername) {
			return nil, services.ErrDuplicateUsername
		}
		return nil, services.ErrDatabaseError.Wrap(err)
	}

	s.logger.Info("user registered",
		zap.String("user_id", user.ID.String()),
		zap.String("username", username))

	return user, nil
}

// Login checks the credentials and issues a session. Unknown users and
// wrong passwords fail the same way and cost the same hashing work.
func (s *Service) Login(ctx context.Context, username string, secret password.Secret) (*Session, error) {
	user, err := s.authenticate(ctx, username, secret)
	if err != nil {
		return nil, err
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user, secret)
	}

	session, err := s.issueSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", zap.String("user_id", user.ID.String()))
	return session, nil
}

func (s *Service) authenticate(ctx context.Context, username string, secret password.Secret) (*models.User, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.hasher.VerifyDummy(secret)
			return nil, services.ErrUnauthorized.Wrap(errors.New("unknown username"))
		}
		// Store outages look like any other login failure to the caller
		s.logger.Error("credential lookup failed", zap.Error(err))
		s.hasher.VerifyDummy(secret)
		return nil, services.ErrUnauthorized.Wrap(err)
	}

	if !s.hasher.Verify(secret, user.PasswordHash) {
		return nil, services.ErrUnauthorized.Wrap(errors.New("password mismatch"))
	}
	return user, nil
}

func (s *Service) upgradeHash(ctx context.Context, user *models.User, secret password.Secret) {
	hash, err := s.hasher.Hash(secret)
	if err == nil {
		err = s.users.UpdateHash(ctx, user.ID, hash)
	}
	if err != nil {
		s.logger.Warn("failed to upgrade password hash",
			zap.String("user_id", user.ID.String()),
			zap.Error(err))
		return
	}
	s.logger.Info("password hash upgraded", zap.String("user_id", user.ID.String()))
}

// Refresh rotates a refresh token. A token can be redeemed once; presenting
// a used token revokes every refresh token of its owner.
func (s *Service) Refresh(ctx context.Context, raw string) (*Session, error) {
	hash := hashRefreshToken(raw)

	rec, err := s.refresh.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrUnauthorized.Wrap(errors.New("unknown refresh token"))
		}
		return nil, services.ErrDatabaseError.Wrap(err)
	}

	if rec.Used {
		s.revokeAll(ctx, rec.UserID, "refresh token reuse")
		return nil, services.ErrUnauthorized.Wrap(errors.New("refresh token reused"))
	}
	if rec.IsExpired(s.now()) {
		if err := s.refresh.DeleteByHash(ctx, hash); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			s.logger.Warn("failed to delete expired refresh token", zap.Error(err))
		}
		return nil, services.ErrUnauthorized.Wrap(errors.New("refresh token expired"))
	}

	return services.WithTransactionResult(ctx, s.tx, func(ctx context.Context) (*Session, error) {
		if err := s.refresh.MarkUsed(ctx, rec.ID); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, services.ErrUnauthorized.Wrap(errors.New("refresh token redeemed concurrently"))
			}
			return nil, services.ErrDatabaseError.Wrap(err)
		}
		return s.issueSession(ctx, rec.UserID)
	})
}

// Logout deletes one refresh token of identity. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, identity uuid.UUID, raw string) error {
	hash := hashRefreshToken(raw)

	rec, err := s.refresh.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return services.ErrDatabaseError.Wrap(err)
	}
	if rec.UserID != identity {
		return services.ErrUnauthorized.Wrap(errors.New("refresh token owned by another identity"))
	}

	if err := s.refresh.DeleteByHash(ctx, hash); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return services.ErrDatabaseError.Wrap(err)
	}

	s.logger.Info("user logged out", zap.String("user_id", identity.String()))
	return nil
}

// Me returns the credential record of identity
func (s *Service) Me(ctx context.Context, identity uuid.UUID) (*models.User, error) {
	user, err := s.users.GetByID(ctx, identity)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrUserNotFound
		}
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	return user, nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every outstanding refresh token.
func (s *Service) ChangePassword(ctx context.Context, identity uuid.UUID, current, next password.Secret) error {
	if err := validatePassword(next); err != nil {
		return err
	}

	if _, err := s.verifyIdentity(ctx, identity, current); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return services.WrapInternal("hash password", err)
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		if err := s.users.UpdateHash(ctx, identity, hash); err != nil {
			return err
		}
		_, err := s.refresh.DeleteByUser(ctx, identity)
		return err
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrUserNotFound
		}
		return services.ErrDatabaseError.Wrap(err)
	}

	s.logger.Info("password changed", zap.String("user_id", identity.String()))
	return nil
}

// DeleteAccount removes identity and everything it owns after checking the
// password. Outstanding access tokens stay valid until they expire.
func (s *Service) DeleteAccount(ctx context.Context, identity uuid.UUID, current password.Secret) error {
	if _, err := s.verifyIdentity(ctx, identity, current); err != nil {
		return err
	}

	if err := s.users.Delete(ctx, identity); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrUserNotFound
		}
		return services.ErrDatabaseError.Wrap(err)
	}

	s.logger.Info("account deleted", zap.String("user_id", identity.String()))
	return nil
}

func (s *Service) verifyIdentity(ctx context.Context, identity uuid.UUID, secret password.Secret) (*models.User, error) {
	user, err := s.users.GetByID(ctx, identity)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.hasher.VerifyDummy(secret)
			return nil, services.ErrUnauthorized.Wrap(errors.New("identity no longer exists"))
		}
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	if !s.hasher.Verify(secret, user.PasswordHash) {
		return nil, services.ErrUnauthorized.Wrap(errors.New("password mismatch"))
	}
	return user, nil
}

func (s *Service) revokeAll(ctx context.Context, identity uuid.UUID, reason string) {
	n, err := s.refresh.DeleteByUser(ctx, identity)
	if err != nil {
		s.logger.Error("failed to revoke refresh tokens",
			zap.String("user_id", identity.String()),
			zap.Error(err))
		return
	}
	s.logger.Warn("refresh tokens revoked",
		zap.String("user_id", identity.String()),
		zap.String("reason", reason),
		zap.Int64("count", n))
}

func (s *Service) issueSession(ctx context.Context, identity uuid.UUID) (*Session, error) {
	access, err := s.tokens.Issue(identity)
	if err != nil {
		return nil, services.WrapInternal("issue access token", err)
	}

	raw, err := newRefreshToken()
	if err != nil {
		return nil, services.WrapInternal("generate refresh token", err)
	}

	rec := models.NewRefreshToken(identity, hashRefreshToken(raw), s.refreshTTL)
	rec.CreatedAt = s.now().UTC()
	rec.ExpiresAt = rec.CreatedAt.Add(s.refreshTTL)
	if err := s.refresh.Create(ctx, rec); err != nil {
		return nil, services.ErrDatabaseError.Wrap(err)
	}

	return &Session{
		UserID:           identity,
		AccessToken:      access.Token,
		TokenType:        "Bearer",
		ExpiresAt:        access.ExpiresAt,
		RefreshToken:     raw,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func newRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashRefreshToken is the lookup key stored in place of the raw token
func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
