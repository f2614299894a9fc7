// Package mockstorage provides a testify-based mock implementation
// of the storage interfaces used by the service and router packages.
// It is used for unit tests that need to simulate storage failures.
package mockstorage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/patric-chuzhbe/gram/internal/models"
	"github.com/patric-chuzhbe/gram/internal/user"
)

// StorageMock is a testify mock of the users and posts storage.
type StorageMock struct {
	mock.Mock

	// OnGetNumberOfUsers, when set, is used instead of the generic mock handler.
	OnGetNumberOfUsers func(ctx context.Context) (int64, error)

	// OnGetNumberOfPosts, when set, is used instead of the generic mock handler.
	OnGetNumberOfPosts func(ctx context.Context) (int64, error)
}

func (m *StorageMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *StorageMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *StorageMock) CreateUser(ctx context.Context, usr *user.User) (string, error) {
	args := m.Called(ctx, usr)
	return args.String(0), args.Error(1)
}

func (m *StorageMock) GetUserByEmail(ctx context.Context, email string) (*user.User, error) {
	args := m.Called(ctx, email)
	usr, _ := args.Get(0).(*user.User)
	return usr, args.Error(1)
}

func (m *StorageMock) GetUserByID(ctx context.Context, userID string) (*user.User, error) {
	args := m.Called(ctx, userID)
	usr, _ := args.Get(0).(*user.User)
	return usr, args.Error(1)
}

func (m *StorageMock) UpdateUser(ctx context.Context, usr *user.User) error {
	args := m.Called(ctx, usr)
	return args.Error(0)
}

func (m *StorageMock) DeleteUserWithPosts(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	names, _ := args.Get(0).([]string)
	return names, args.Error(1)
}

func (m *StorageMock) InsertPost(ctx context.Context, post *models.Post) error {
	args := m.Called(ctx, post)
	return args.Error(0)
}

func (m *StorageMock) ListPostsByRecency(ctx context.Context) ([]models.Post, error) {
	args := m.Called(ctx)
	posts, _ := args.Get(0).([]models.Post)
	return posts, args.Error(1)
}

func (m *StorageMock) GetPostByID(ctx context.Context, postID string) (*models.Post, error) {
	args := m.Called(ctx, postID)
	post, _ := args.Get(0).(*models.Post)
	return post, args.Error(1)
}

func (m *StorageMock) DeletePost(ctx context.Context, postID string) error {
	args := m.Called(ctx, postID)
	return args.Error(0)
}

func (m *StorageMock) ListStoredFileNames(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	names, _ := args.Get(0).([]string)
	return names, args.Error(1)
}

// GetNumberOfUsers returns the number of registered users.
// If OnGetNumberOfUsers is set, it is used instead of the default mock behavior.
func (m *StorageMock) GetNumberOfUsers(ctx context.Context) (int64, error) {
	if m.OnGetNumberOfUsers != nil {
		return m.OnGetNumberOfUsers(ctx)
	}
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// GetNumberOfPosts returns the number of stored posts.
// If OnGetNumberOfPosts is set, it is used instead of the default mock behavior.
func (m *StorageMock) GetNumberOfPosts(ctx context.Context) (int64, error) {
	if m.OnGetNumberOfPosts != nil {
		return m.OnGetNumberOfPosts(ctx)
	}
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}
