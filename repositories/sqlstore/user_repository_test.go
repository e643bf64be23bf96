package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return Wrap(sqlDB, DialectPostgres, zap.NewNop()), mock
}

func TestUserRepository_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts the record", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUserRepository(db, zap.NewNop())
		user := models.NewUser("alice", "$argon2id$hash")

		mock.ExpectExec(`INSERT INTO users`).
			WithArgs(user.ID, "alice", "$argon2id$hash", user.CreatedAt, user.UpdatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Create(ctx, user))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation maps to duplicate username", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUserRepository(db, zap.NewNop())

		mock.ExpectExec(`INSERT INTO users`).
			WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

		err := repo.Create(ctx, models.NewUser("alice", "h"))
		assert.ErrorIs(t, err, repositories.ErrDuplicateUsername)
	})

	t.Run("other errors are wrapped", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUserRepository(db, zap.NewNop())

		mock.ExpectExec(`INSERT INTO users`).WillReturnError(errors.New("connection reset"))

		err := repo.Create(ctx, models.NewUser("alice", "h"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, repositories.ErrDuplicateUsername)
		assert.Contains(t, err.Error(), "connection reset")
	})
}

func TestUserRepository_FindByUsername(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.New()

	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUserRepository(db, zap.NewNop())

		rows := sqlmock.NewRows([]string{"id", "username", "password_hash", "created_at", "updated_at"}).
			AddRow(id.String(), "alice", "hash", now, now)
		mock.ExpectQuery(`SELECT id, username, password_hash, created_at, updated_at\s+FROM users\s+WHERE username = \$1`).
			WithArgs("alice").
			WillReturnRows(rows)

		user, err := repo.FindByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, id, user.ID)
		assert.Equal(t, "hash", user.PasswordHash)
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUserRepository(db, zap.NewNop())

		mock.ExpectQuery(`FROM users`).WithArgs("bob").WillReturnError(sql.ErrNoRows)

		_, err := repo.FindByUsername(ctx, "bob")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func TestUserRepository_UpdateHash(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	t.Run("updated", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUserRepository(db, zap.NewNop())

		mock.ExpectExec(`UPDATE users\s+SET password_hash = \$1, updated_at = \$2\s+WHERE id = \$3`).
			WithArgs("new-hash", sqlmock.AnyArg(), id).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.UpdateHash(ctx, id, "new-hash"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown identity", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUserRepository(db, zap.NewNop())

		mock.ExpectExec(`UPDATE users`).WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, repo.UpdateHash(ctx, id, "new-hash"), repositories.ErrNotFound)
	})
}

func TestUserRepository_Delete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())
	id := uuid.New()

	mock.ExpectExec(`DELETE FROM users WHERE id = \$1`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, repo.Delete(context.Background(), id))

	mock.ExpectExec(`DELETE FROM users`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Delete(context.Background(), id), repositories.ErrNotFound)
}

func TestTransactionManager_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	tm := NewTransactionManager(db, zap.NewNop())
	repo := NewUserRepository(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM users`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := tm.InTransaction(context.Background(), func(ctx context.Context, _ repositories.Transaction) error {
		require.NoError(t, repo.Delete(ctx, uuid.New()))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_Rebind(t *testing.T) {
	pg := Wrap(nil, DialectPostgres, zap.NewNop())
	lite := Wrap(nil, DialectSQLite, zap.NewNop())

	q := `UPDATE t SET a = $1, b = $2 WHERE id = $10 AND note = 'cost'`
	assert.Equal(t, q, pg.rebind(q))
	assert.Equal(t, `UPDATE t SET a = ?, b = ? WHERE id = ? AND note = 'cost'`, lite.rebind(q))
}

func TestDialectForDriver(t *testing.T) {
	for driver, want := range map[string]Dialect{"postgres": DialectPostgres, "pgx": DialectPostgres, "sqlite": DialectSQLite} {
		got, err := DialectForDriver(driver)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := DialectForDriver("mysql")
	assert.Error(t, err)
}
