// Package dbtest holds the behaviour every storage backend must share.
// Backend test files call RunStorageSuite with a constructor of a fresh store.
package dbtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patric-chuzhbe/gram/internal/models"
	"github.com/patric-chuzhbe/gram/internal/user"
)

// Storage is the method set shared by all backends.
type Storage interface {
	CreateUser(ctx context.Context, usr *user.User) (string, error)
	GetUserByEmail(ctx context.Context, email string) (*user.User, error)
	GetUserByID(ctx context.Context, userID string) (*user.User, error)
	UpdateUser(ctx context.Context, usr *user.User) error
	InsertPost(ctx context.Context, post *models.Post) error
	ListPostsByRecency(ctx context.Context) ([]models.Post, error)
	GetPostByID(ctx context.Context, postID string) (*models.Post, error)
	DeletePost(ctx context.Context, postID string) error
	DeleteUserWithPosts(ctx context.Context, userID string) ([]string, error)
	ListStoredFileNames(ctx context.Context) ([]string, error)
	GetNumberOfUsers(ctx context.Context) (int64, error)
	GetNumberOfPosts(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// RunStorageSuite runs the shared scenarios against stores built by newStorage.
func RunStorageSuite(t *testing.T, newStorage func(t *testing.T) Storage) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStorage(t)) })
	t.Run("user update", func(t *testing.T) { testUpdateUser(t, newStorage(t)) })
	t.Run("posts ordering", func(t *testing.T) { testPostsOrdering(t, newStorage(t)) })
	t.Run("post lookup and delete", func(t *testing.T) { testPostLookupAndDelete(t, newStorage(t)) })
	t.Run("concurrent delete", func(t *testing.T) { testConcurrentDelete(t, newStorage(t)) })
	t.Run("cascade delete", func(t *testing.T) { testCascadeDelete(t, newStorage(t)) })
	t.Run("counters", func(t *testing.T) { testCounters(t, newStorage(t)) })
}

// NewUser builds a user ready for CreateUser.
func NewUser(email string) *user.User {
	return &user.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: "$2a$10$notarealhashnotarealhashnotarealhashnotarealhash12",
		IsActive:     true,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
}

// NewPost builds a post owned by ownerID created at createdAt.
func NewPost(ownerID string, caption *string, createdAt time.Time) *models.Post {
	postID := uuid.NewString()

	return &models.Post{
		ID:             postID,
		UserID:         ownerID,
		Caption:        caption,
		URL:            "http://127.0.0.1:8000/static/" + postID + ".png",
		FileType:       "image/png",
		StoredFileName: postID + ".png",
		CreatedAt:      createdAt.UTC().Truncate(time.Microsecond),
	}
}

func testUsers(t *testing.T, db Storage) {
	ctx := context.Background()
	usr := NewUser("a@x.com")

	id, err := db.CreateUser(ctx, usr)
	require.NoError(t, err)
	assert.Equal(t, usr.ID, id)

	_, err = db.CreateUser(ctx, NewUser("a@x.com"))
	assert.ErrorIs(t, err, models.ErrDuplicateEmail)

	// Emails are compared exactly as stored.
	_, err = db.CreateUser(ctx, NewUser("A@x.com"))
	require.NoError(t, err)

	found, err := db.GetUserByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, usr.ID, found.ID)
	assert.Equal(t, usr.PasswordHash, found.PasswordHash)
	assert.True(t, found.IsActive)
	assert.True(t, usr.CreatedAt.Equal(found.CreatedAt))

	byID, err := db.GetUserByID(ctx, usr.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "a@x.com", byID.Email)

	missing, err := db.GetUserByEmail(ctx, "nobody@x.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = db.GetUserByID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testUpdateUser(t *testing.T, db Storage) {
	ctx := context.Background()
	usr := NewUser("a@x.com")
	other := NewUser("b@x.com")
	_, err := db.CreateUser(ctx, usr)
	require.NoError(t, err)
	_, err = db.CreateUser(ctx, other)
	require.NoError(t, err)

	changed := *usr
	changed.Email = "renamed@x.com"
	changed.PasswordHash = "$2a$10$another-hash"
	require.NoError(t, db.UpdateUser(ctx, &changed))

	found, err := db.GetUserByEmail(ctx, "renamed@x.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, usr.ID, found.ID)
	assert.Equal(t, "$2a$10$another-hash", found.PasswordHash)
	assert.True(t, found.IsActive)

	previous, err := db.GetUserByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Nil(t, previous, "the old email is released")

	// Keeping one's own email is not a conflict.
	require.NoError(t, db.UpdateUser(ctx, &changed))

	clash := changed
	clash.Email = "b@x.com"
	assert.ErrorIs(t, db.UpdateUser(ctx, &clash), models.ErrDuplicateEmail)

	unchanged, err := db.GetUserByID(ctx, usr.ID)
	require.NoError(t, err)
	require.NotNil(t, unchanged)
	assert.Equal(t, "renamed@x.com", unchanged.Email)

	ghost := NewUser("ghost@x.com")
	assert.ErrorIs(t, db.UpdateUser(ctx, ghost), models.ErrUserNotFound)
}

func testPostsOrdering(t *testing.T, db Storage) {
	ctx := context.Background()
	owner := NewUser("owner@x.com")
	_, err := db.CreateUser(ctx, owner)
	require.NoError(t, err)

	empty, err := db.ListPostsByRecency(ctx)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	oldest := NewPost(owner.ID, nil, base)
	newest := NewPost(owner.ID, nil, base.Add(2*time.Second))
	tieFirst := NewPost(owner.ID, nil, base.Add(time.Second))
	tieSecond := NewPost(owner.ID, nil, base.Add(time.Second))

	for _, p := range []*models.Post{oldest, newest, tieFirst, tieSecond} {
		require.NoError(t, db.InsertPost(ctx, p))
	}

	posts, err := db.ListPostsByRecency(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 4)

	var ids []string
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{newest.ID, tieFirst.ID, tieSecond.ID, oldest.ID}, ids)

	for i := 1; i < len(posts); i++ {
		assert.False(t, posts[i].CreatedAt.After(posts[i-1].CreatedAt))
	}
}

func testPostLookupAndDelete(t *testing.T, db Storage) {
	ctx := context.Background()
	owner := NewUser("owner@x.com")
	_, err := db.CreateUser(ctx, owner)
	require.NoError(t, err)

	caption := "hello"
	post := NewPost(owner.ID, &caption, time.Now())
	require.NoError(t, db.InsertPost(ctx, post))

	noCaption := NewPost(owner.ID, nil, time.Now())
	require.NoError(t, db.InsertPost(ctx, noCaption))

	got, err := db.GetPostByID(ctx, post.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, owner.ID, got.UserID)
	require.NotNil(t, got.Caption)
	assert.Equal(t, "hello", *got.Caption)
	assert.Equal(t, post.URL, got.URL)
	assert.Equal(t, post.FileType, got.FileType)
	assert.Equal(t, post.StoredFileName, got.StoredFileName)
	assert.True(t, post.CreatedAt.Equal(got.CreatedAt))

	got, err = db.GetPostByID(ctx, noCaption.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Caption)

	missing, err := db.GetPostByID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, db.DeletePost(ctx, post.ID))
	assert.ErrorIs(t, db.DeletePost(ctx, post.ID), models.ErrPostNotFound)

	got, err = db.GetPostByID(ctx, post.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	names, err := db.ListStoredFileNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{noCaption.StoredFileName}, names)
}

func testConcurrentDelete(t *testing.T, db Storage) {
	ctx := context.Background()
	owner := NewUser("owner@x.com")
	_, err := db.CreateUser(ctx, owner)
	require.NoError(t, err)

	post := NewPost(owner.ID, nil, time.Now())
	require.NoError(t, db.InsertPost(ctx, post))

	const attempts = 8
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- db.DeletePost(ctx, post.ID)
		}()
	}
	wg.Wait()
	close(results)

	succeeded, notFound := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, models.ErrPostNotFound):
			notFound++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, notFound)
}

func testCascadeDelete(t *testing.T, db Storage) {
	ctx := context.Background()
	owner := NewUser("owner@x.com")
	other := NewUser("other@x.com")
	for _, u := range []*user.User{owner, other} {
		_, err := db.CreateUser(ctx, u)
		require.NoError(t, err)
	}

	first := NewPost(owner.ID, nil, time.Now())
	second := NewPost(owner.ID, nil, time.Now())
	foreign := NewPost(other.ID, nil, time.Now())
	for _, p := range []*models.Post{first, second, foreign} {
		require.NoError(t, db.InsertPost(ctx, p))
	}

	names, err := db.DeleteUserWithPosts(ctx, owner.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.StoredFileName, second.StoredFileName}, names)

	gone, err := db.GetUserByID(ctx, owner.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	posts, err := db.ListPostsByRecency(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, foreign.ID, posts[0].ID)

	_, err = db.DeleteUserWithPosts(ctx, owner.ID)
	assert.ErrorIs(t, err, models.ErrUserNotFound)

	// The owner must exist for a post to be stored.
	assert.Error(t, db.InsertPost(ctx, NewPost(owner.ID, nil, time.Now())))
}

func testCounters(t *testing.T, db Storage) {
	ctx := context.Background()
	require.NoError(t, db.Ping(ctx))

	owner := NewUser("owner@x.com")
	_, err := db.CreateUser(ctx, owner)
	require.NoError(t, err)
	require.NoError(t, db.InsertPost(ctx, NewPost(owner.ID, nil, time.Now())))
	require.NoError(t, db.InsertPost(ctx, NewPost(owner.ID, nil, time.Now())))

	users, err := db.GetNumberOfUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, users)

	posts, err := db.GetNumberOfPosts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, posts)
}
