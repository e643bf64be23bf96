package sqlstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"go.uber.org/zap"
)

func newSQLiteRepos(t *testing.T) (*repositories.Repositories, *DB) {
	t.Helper()
	ctx := context.Background()

	f, err := NewRepositoryFactory(ctx, config.DatabaseConfig{
		Driver:      config.DriverSQLite,
		Path:        ":memory:",
		AutoMigrate: true,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	return f.NewRepositories(), f.GetDB()
}

func TestSQLite_Users(t *testing.T) {
	repos, db := newSQLiteRepos(t)
	ctx := context.Background()
	require.NoError(t, db.HealthCheck(ctx))

	alice := models.NewUser("alice", "hash-1")
	require.NoError(t, repos.Users.Create(ctx, alice))

	t.Run("duplicate username", func(t *testing.T) {
		err := repos.Users.Create(ctx, models.NewUser("alice", "hash-2"))
		assert.ErrorIs(t, err, repositories.ErrDuplicateUsername)
	})

	t.Run("lookups", func(t *testing.T) {
		got, err := repos.Users.FindByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)
		assert.Equal(t, "hash-1", got.PasswordHash)
		assert.WithinDuration(t, alice.CreatedAt, got.CreatedAt, time.Millisecond)

		got, err = repos.Users.GetByID(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)

		_, err = repos.Users.FindByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("update hash", func(t *testing.T) {
		require.NoError(t, repos.Users.UpdateHash(ctx, alice.ID, "hash-3"))
		got, err := repos.Users.GetByID(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "hash-3", got.PasswordHash)

		assert.ErrorIs(t, repos.Users.UpdateHash(ctx, uuid.New(), "x"), repositories.ErrNotFound)
	})
}

func TestSQLite_ConcurrentRegistrationOneWinner(t *testing.T) {
	repos, _ := newSQLiteRepos(t)
	ctx := context.Background()

	var created, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repos.Users.Create(ctx, models.NewUser("carol", "h"))
			switch {
			case err == nil:
				created.Add(1)
			case assert.ErrorIs(t, err, repositories.ErrDuplicateUsername):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, created.Load())
	assert.EqualValues(t, 9, dup.Load())
}

func TestSQLite_RefreshTokens(t *testing.T) {
	repos, _ := newSQLiteRepos(t)
	ctx := context.Background()

	user := models.NewUser("dave", "h")
	require.NoError(t, repos.Users.Create(ctx, user))

	tok := models.NewRefreshToken(user.ID, "a1b2", time.Hour)
	require.NoError(t, repos.RefreshTokens.Create(ctx, tok))

	got, err := repos.RefreshTokens.FindByHash(ctx, "a1b2")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.False(t, got.Used)

	require.NoError(t, repos.RefreshTokens.MarkUsed(ctx, tok.ID))
	assert.ErrorIs(t, repos.RefreshTokens.MarkUsed(ctx, tok.ID), repositories.ErrNotFound, "second use loses")

	got, err = repos.RefreshTokens.FindByHash(ctx, "a1b2")
	require.NoError(t, err)
	assert.True(t, got.Used)

	require.NoError(t, repos.RefreshTokens.Create(ctx, models.NewRefreshToken(user.ID, "c3d4", time.Hour)))
	n, err := repos.RefreshTokens.DeleteByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	assert.ErrorIs(t, repos.RefreshTokens.DeleteByHash(ctx, "a1b2"), repositories.ErrNotFound)
}

func TestSQLite_Conversations(t *testing.T) {
	repos, _ := newSQLiteRepos(t)
	ctx := context.Background()

	user := models.NewUser("erin", "h")
	require.NoError(t, repos.Users.Create(ctx, user))

	first := models.NewConversation(user.ID, "first")
	second := models.NewConversation(user.ID, "second")
	second.UpdatedAt = first.UpdatedAt.Add(time.Second)
	require.NoError(t, repos.Conversations.Create(ctx, first))
	require.NoError(t, repos.Conversations.Create(ctx, second))

	convs, err := repos.Conversations.ListByUser(ctx, user.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, second.ID, convs[0].ID)

	msg := models.NewMessage(first.ID, models.RoleUser, "hello")
	msg.CreatedAt = second.UpdatedAt.Add(time.Second)
	require.NoError(t, repos.Conversations.AppendMessage(ctx, msg))
	reply := models.NewMessage(first.ID, models.RoleAssistant, "hi there")
	reply.CreatedAt = msg.CreatedAt.Add(time.Millisecond)
	require.NoError(t, repos.Conversations.AppendMessage(ctx, reply))

	t.Run("append touches the conversation", func(t *testing.T) {
		convs, err := repos.Conversations.ListByUser(ctx, user.ID, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, first.ID, convs[0].ID)
	})

	t.Run("messages in order", func(t *testing.T) {
		msgs, err := repos.Conversations.ListMessages(ctx, first.ID, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, models.RoleUser, msgs[0].Role)
		assert.Equal(t, "hi there", msgs[1].Content)
	})

	t.Run("append to unknown conversation", func(t *testing.T) {
		err := repos.Conversations.AppendMessage(ctx, models.NewMessage(uuid.New(), models.RoleUser, "x"))
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("deleting the user cascades", func(t *testing.T) {
		require.NoError(t, repos.RefreshTokens.Create(ctx, models.NewRefreshToken(user.ID, "e5f6", time.Hour)))
		require.NoError(t, repos.Users.Delete(ctx, user.ID))

		_, err := repos.Conversations.GetByID(ctx, first.ID)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
		msgs, err := repos.Conversations.ListMessages(ctx, first.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		_, err = repos.RefreshTokens.FindByHash(ctx, "e5f6")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}
