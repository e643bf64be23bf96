package sqlstore

import (
	"context"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory owns the connection pool and creates the repositories
type RepositoryFactory struct {
	db     *DB
	logger *zap.Logger
}

// NewRepositoryFactory opens the configured database and, if enabled,
// applies pending migrations
func NewRepositoryFactory(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &RepositoryFactory{db: db, logger: logger}, nil
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Users:         NewUserRepository(f.db, f.logger),
		RefreshTokens: NewRefreshTokenRepository(f.db, f.logger),
		Conversations: NewConversationRepository(f.db, f.logger),
		Transactions:  NewTransactionManager(f.db, f.logger),
	}
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
