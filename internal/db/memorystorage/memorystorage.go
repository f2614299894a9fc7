// Package memorystorage keeps users and posts in process memory. It backs
// tests and runs without any configured database.
package memorystorage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/thoas/go-funk"

	"github.com/patric-chuzhbe/gram/internal/models"
	"github.com/patric-chuzhbe/gram/internal/user"
)

var errUnknownOwner = errors.New("post owner does not exist")

type storedPost struct {
	post models.Post
	seq  int64
}

type MemoryStorage struct {
	mu             sync.RWMutex
	users          map[string]user.User
	userIDsByEmail map[string]string
	posts          map[string]storedPost
	nextSeq        int64
}

func New() (*MemoryStorage, error) {
	return &MemoryStorage{
		users:          map[string]user.User{},
		userIDsByEmail: map[string]string{},
		posts:          map[string]storedPost{},
		nextSeq:        1,
	}, nil
}

func (theStorage *MemoryStorage) CreateUser(ctx context.Context, usr *user.User) (string, error) {
	theStorage.mu.Lock()
	defer theStorage.mu.Unlock()

	if _, taken := theStorage.userIDsByEmail[usr.Email]; taken {
		return "", models.ErrDuplicateEmail
	}
	theStorage.users[usr.ID] = *usr
	theStorage.userIDsByEmail[usr.Email] = usr.ID

	return usr.ID, nil
}

func (theStorage *MemoryStorage) GetUserByEmail(ctx context.Context, email string) (*user.User, error) {
	theStorage.mu.RLock()
	defer theStorage.mu.RUnlock()

	userID, found := theStorage.userIDsByEmail[email]
	if !found {
		return nil, nil
	}
	usr := theStorage.users[userID]

	return &usr, nil
}

func (theStorage *MemoryStorage) GetUserByID(ctx context.Context, userID string) (*user.User, error) {
	theStorage.mu.RLock()
	defer theStorage.mu.RUnlock()

	usr, found := theStorage.users[userID]
	if !found {
		return nil, nil
	}

	return &usr, nil
}

func (theStorage *MemoryStorage) UpdateUser(ctx context.Context, usr *user.User) error {
	theStorage.mu.Lock()
	defer theStorage.mu.Unlock()

	current, found := theStorage.users[usr.ID]
	if !found {
		return models.ErrUserNotFound
	}
	if ownerID, taken := theStorage.userIDsByEmail[usr.Email]; taken && ownerID != usr.ID {
		return models.ErrDuplicateEmail
	}

	delete(theStorage.userIDsByEmail, current.Email)
	current.Email = usr.Email
	current.PasswordHash = usr.PasswordHash
	theStorage.users[usr.ID] = current
	theStorage.userIDsByEmail[usr.Email] = usr.ID

	return nil
}

func (theStorage *MemoryStorage) InsertPost(ctx context.Context, post *models.Post) error {
	theStorage.mu.Lock()
	defer theStorage.mu.Unlock()

	if _, found := theStorage.users[post.UserID]; !found {
		return errUnknownOwner
	}
	theStorage.posts[post.ID] = storedPost{post: clonePost(*post), seq: theStorage.nextSeq}
	theStorage.nextSeq++

	return nil
}

func (theStorage *MemoryStorage) ListPostsByRecency(ctx context.Context) ([]models.Post, error) {
	theStorage.mu.RLock()
	stored := make([]storedPost, 0, len(theStorage.posts))
	for _, p := range theStorage.posts {
		stored = append(stored, p)
	}
	theStorage.mu.RUnlock()

	sort.Slice(stored, func(i, j int) bool {
		if !stored[i].post.CreatedAt.Equal(stored[j].post.CreatedAt) {
			return stored[i].post.CreatedAt.After(stored[j].post.CreatedAt)
		}
		return stored[i].seq < stored[j].seq
	})

	result := make([]models.Post, 0, len(stored))
	for _, p := range stored {
		result = append(result, clonePost(p.post))
	}

	return result, nil
}

func (theStorage *MemoryStorage) GetPostByID(ctx context.Context, postID string) (*models.Post, error) {
	theStorage.mu.RLock()
	defer theStorage.mu.RUnlock()

	stored, found := theStorage.posts[postID]
	if !found {
		return nil, nil
	}
	post := clonePost(stored.post)

	return &post, nil
}

func (theStorage *MemoryStorage) DeletePost(ctx context.Context, postID string) error {
	theStorage.mu.Lock()
	defer theStorage.mu.Unlock()

	if _, found := theStorage.posts[postID]; !found {
		return models.ErrPostNotFound
	}
	delete(theStorage.posts, postID)

	return nil
}

func (theStorage *MemoryStorage) DeleteUserWithPosts(ctx context.Context, userID string) ([]string, error) {
	theStorage.mu.Lock()
	defer theStorage.mu.Unlock()

	usr, found := theStorage.users[userID]
	if !found {
		return nil, models.ErrUserNotFound
	}

	owned := funk.Filter(funk.Values(theStorage.posts), func(p storedPost) bool {
		return p.post.UserID == userID
	}).([]storedPost)

	fileNames := make([]string, 0, len(owned))
	for _, p := range owned {
		fileNames = append(fileNames, p.post.StoredFileName)
		delete(theStorage.posts, p.post.ID)
	}
	delete(theStorage.userIDsByEmail, usr.Email)
	delete(theStorage.users, userID)

	return fileNames, nil
}

func (theStorage *MemoryStorage) ListStoredFileNames(ctx context.Context) ([]string, error) {
	theStorage.mu.RLock()
	defer theStorage.mu.RUnlock()

	return funk.Map(funk.Values(theStorage.posts), func(p storedPost) string {
		return p.post.StoredFileName
	}).([]string), nil
}

func (theStorage *MemoryStorage) GetNumberOfUsers(ctx context.Context) (int64, error) {
	theStorage.mu.RLock()
	defer theStorage.mu.RUnlock()

	return int64(len(theStorage.users)), nil
}

func (theStorage *MemoryStorage) GetNumberOfPosts(ctx context.Context) (int64, error) {
	theStorage.mu.RLock()
	defer theStorage.mu.RUnlock()

	return int64(len(theStorage.posts)), nil
}

func (theStorage *MemoryStorage) Close() error {
	return nil
}

func (theStorage *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func clonePost(post models.Post) models.Post {
	if post.Caption != nil {
		caption := *post.Caption
		post.Caption = &caption
	}

	return post
}
