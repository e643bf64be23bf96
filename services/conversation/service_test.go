package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/repositories/sqlstore"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"go.uber.org/zap"
)

func newService(t *testing.T) (*Service, *repositories.Repositories) {
	t.Helper()
	f, err := sqlstore.NewRepositoryFactory(context.Background(), config.DatabaseConfig{
		Driver:      config.DriverSQLite,
		Path:        ":memory:",
		AutoMigrate: true,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	repos := f.NewRepositories()
	return NewService(repos.Conversations, zap.NewNop()), repos
}

func newUser(t *testing.T, repos *repositories.Repositories, name string) uuid.UUID {
	t.Helper()
	u := models.NewUser(name, "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA")
	require.NoError(t, repos.Users.Create(context.Background(), u))
	return u.ID
}

func TestService_CreateAndList(t *testing.T) {
	svc, repos := newService(t)
	ctx := context.Background()
	alice := newUser(t, repos, "alice")
	bob := newUser(t, repos, "bob")

	first, err := svc.Create(ctx, alice, "  ")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, first.Title)

	second, err := svc.Create(ctx, alice, "Go questions")
	require.NoError(t, err)

	_, err = svc.Create(ctx, bob, "bob's")
	require.NoError(t, err)

	// Touching the first conversation moves it to the front
	_, err = svc.Append(ctx, first.ID, models.RoleUser, "hello")
	require.NoError(t, err)

	convs, err := svc.List(ctx, alice, 0, 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, first.ID, convs[0].ID)
	assert.Equal(t, second.ID, convs[1].ID)

	convs, err = svc.List(ctx, alice, 1, 1)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, second.ID, convs[0].ID)
}

func TestService_CreateRejectsLongTitle(t *testing.T) {
	svc, repos := newService(t)
	alice := newUser(t, repos, "alice")

	_, err := svc.Create(context.Background(), alice, strings.Repeat("é", MaxTitleLength+1))
	assert.True(t, services.IsValidationError(err))

	_, err = svc.Create(context.Background(), alice, strings.Repeat("é", MaxTitleLength))
	assert.NoError(t, err)
}

func TestService_OwnershipHidesOthersConversations(t *testing.T) {
	svc, repos := newService(t)
	ctx := context.Background()
	alice := newUser(t, repos, "alice")
	bob := newUser(t, repos, "bob")

	conv, err := svc.Create(ctx, alice, "private")
	require.NoError(t, err)

	_, err = svc.Get(ctx, bob, conv.ID)
	assert.ErrorIs(t, err, services.ErrConversationNotFound)

	_, err = svc.Messages(ctx, bob, conv.ID, 10)
	assert.ErrorIs(t, err, services.ErrConversationNotFound)

	_, err = svc.Get(ctx, alice, uuid.New())
	assert.ErrorIs(t, err, services.ErrConversationNotFound)
}

func TestService_MessagesAndHistory(t *testing.T) {
	svc, repos := newService(t)
	ctx := context.Background()
	alice := newUser(t, repos, "alice")

	conv, err := svc.Create(ctx, alice, "")
	require.NoError(t, err)

	for i := 0; i < DefaultHistoryLimit+5; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		_, err := svc.Append(ctx, conv.ID, role, fmt.Sprintf("m%02d", i))
		require.NoError(t, err)
	}

	msgs, err := svc.Messages(ctx, alice, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m00", msgs[0].Content)

	history, err := svc.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, DefaultHistoryLimit)
	assert.Equal(t, providers.Message{Role: providers.RoleAssistant, Content: "m05"}, history[0])
	assert.Equal(t, "m24", history[len(history)-1].Content)

	short, err := NewService(repos.Conversations, zap.NewNop(), WithHistoryLimit(2)).History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, short, 2)
	assert.Equal(t, "m23", short[0].Content)
}

func TestService_AppendErrors(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Append(ctx, uuid.New(), models.MessageRole("tool"), "x")
	assert.True(t, services.IsValidationError(err))

	_, err = svc.Append(ctx, uuid.New(), models.RoleUser, "x")
	assert.ErrorIs(t, err, services.ErrConversationNotFound)
}

// MockConversationRepository is a mock implementation of ConversationRepository
type MockConversationRepository struct {
	mock.Mock
	repositories.ConversationRepository
}

func (m *MockConversationRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Conversation, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Conversation), args.Error(1)
}

func TestService_ListClampsPage(t *testing.T) {
	repo := new(MockConversationRepository)
	svc := NewService(repo, zap.NewNop())
	identity := uuid.New()

	repo.On("ListByUser", mock.Anything, identity, MaxPageSize, 0).Return([]*models.Conversation{}, nil).Once()
	_, err := svc.List(context.Background(), identity, 5000, -3)
	require.NoError(t, err)

	repo.On("ListByUser", mock.Anything, identity, DefaultPageSize, 0).Return(nil, errors.New("connection reset")).Once()
	_, err = svc.List(context.Background(), identity, 0, 0)
	assert.True(t, services.IsInternalError(err))

	repo.AssertExpectations(t)
}
