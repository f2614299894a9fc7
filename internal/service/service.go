package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/patric-chuzhbe/gram/internal/auth"
	"github.com/patric-chuzhbe/gram/internal/logger"
	"github.com/patric-chuzhbe/gram/internal/models"
	"github.com/patric-chuzhbe/gram/internal/user"
)

const sniffLimit = 3072

type userKeeper interface {
	CreateUser(ctx context.Context, usr *user.User) (string, error)
	GetUserByEmail(ctx context.Context, email string) (*user.User, error)
	GetUserByID(ctx context.Context, userID string) (*user.User, error)
	UpdateUser(ctx context.Context, usr *user.User) error
	DeleteUserWithPosts(ctx context.Context, userID string) ([]string, error)
	GetNumberOfUsers(ctx context.Context) (int64, error)
}

type postsKeeper interface {
	InsertPost(ctx context.Context, post *models.Post) error
	ListPostsByRecency(ctx context.Context) ([]models.Post, error)
	GetPostByID(ctx context.Context, postID string) (*models.Post, error)
	DeletePost(ctx context.Context, postID string) error
	GetNumberOfPosts(ctx context.Context) (int64, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type storage interface {
	userKeeper
	postsKeeper
	pinger
}

type blobStorage interface {
	Store(ctx context.Context, originalName string, r io.Reader) (string, error)
	Remove(ctx context.Context, name string) error
	URLFor(name string) string
}

type blobsRemover interface {
	EnqueueJob(storedName string)
}

type tokenIssuer interface {
	Issue(userID string) (string, error)
}

type Service struct {
	db           storage
	blobs        blobStorage
	blobsRemover blobsRemover
	tokens       tokenIssuer
	now          func() time.Time
}

type Option func(*Service)

// WithClock replaces the time source used for created_at values.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(
	db storage,
	blobs blobStorage,
	blobsRemover blobsRemover,
	tokens tokenIssuer,
	options ...Option,
) *Service {
	s := &Service{
		db:           db,
		blobs:        blobs,
		blobsRemover: blobsRemover,
		tokens:       tokens,
		now:          time.Now,
	}
	for _, option := range options {
		option(s)
	}

	return s
}

// Register creates an active user. A taken email yields models.ErrDuplicateEmail.
func (s *Service) Register(ctx context.Context, email, password string) (*user.User, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	usr := &user.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    s.timestamp(),
	}
	if _, err := s.db.CreateUser(ctx, usr); err != nil {
		return nil, err
	}

	return usr, nil
}

// Login returns an access token. Unknown emails, inactive users and wrong
// passwords are all reported as models.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	usr, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if usr == nil || !usr.IsActive || !auth.VerifyPassword(usr.PasswordHash, password) {
		return "", models.ErrInvalidCredentials
	}

	return s.tokens.Issue(usr.ID)
}

// GetUser returns nil, nil when the user no longer exists.
func (s *Service) GetUser(ctx context.Context, userID string) (*user.User, error) {
	return s.db.GetUserByID(ctx, userID)
}

// UpdateUser applies a self-service profile change. A new password is
// re-hashed; the active flag is never touched here.
func (s *Service) UpdateUser(ctx context.Context, userID string, update models.UpdateUserRequest) (*user.User, error) {
	usr, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if usr == nil {
		return nil, models.ErrUserNotFound
	}

	if update.Email != nil {
		usr.Email = *update.Email
	}
	if update.Password != nil {
		hash, err := auth.HashPassword(*update.Password)
		if err != nil {
			return nil, err
		}
		usr.PasswordHash = hash
	}

	if err := s.db.UpdateUser(ctx, usr); err != nil {
		return nil, err
	}

	return usr, nil
}

// CreatePost stores content as a new blob and records a post owned by userID.
// When the post cannot be recorded the blob is handed to the background remover.
func (s *Service) CreatePost(
	ctx context.Context,
	userID string,
	input models.NewPostInput,
	content io.Reader,
) (*models.Post, error) {
	fileType := strings.TrimSpace(input.ContentType)
	if fileType == "" || fileType == "application/octet-stream" {
		buffered := bufio.NewReaderSize(content, sniffLimit)
		head, err := buffered.Peek(sniffLimit)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
		fileType = mimetype.Detect(head).String()
		content = buffered
	}

	storedName, err := s.blobs.Store(ctx, input.OriginalFileName, content)
	if err != nil {
		return nil, fmt.Errorf("in internal/service/service.go/CreatePost(): error while `s.blobs.Store()` calling: %w", err)
	}

	post := &models.Post{
		ID:             uuid.NewString(),
		UserID:         userID,
		Caption:        input.Caption,
		URL:            s.blobs.URLFor(storedName),
		FileType:       fileType,
		StoredFileName: storedName,
		CreatedAt:      s.timestamp(),
	}

	if err := s.db.InsertPost(ctx, post); err != nil {
		logger.Error("blob orphaned by failed post insert", err, "stored_name", storedName, "user_id", userID)
		s.blobsRemover.EnqueueJob(storedName)
		return nil, fmt.Errorf("in internal/service/service.go/CreatePost(): error while `s.db.InsertPost()` calling: %w", err)
	}

	return post, nil
}

// Feed returns all posts, newest first.
func (s *Service) Feed(ctx context.Context) ([]models.Post, error) {
	return s.db.ListPostsByRecency(ctx)
}

// DeletePost removes a post owned by userID together with its blob.
// Blob removal is best effort; the row removal decides the outcome. Once the
// ownership check has passed, both steps run to completion even if the
// caller goes away, and a failed blob removal is retried in the background
// only after the row is gone.
func (s *Service) DeletePost(ctx context.Context, userID, rawPostID string) error {
	postID, err := uuid.Parse(rawPostID)
	if err != nil {
		return models.ErrInvalidPostID
	}

	post, err := s.db.GetPostByID(ctx, postID.String())
	if err != nil {
		return err
	}
	if post == nil {
		return models.ErrPostNotFound
	}
	if post.UserID != userID {
		return models.ErrForbidden
	}

	mutationCtx := context.WithoutCancel(ctx)
	blobErr := s.removeBlob(mutationCtx, post.StoredFileName)

	if err := s.db.DeletePost(mutationCtx, post.ID); err != nil {
		return err
	}

	if blobErr != nil {
		s.blobsRemover.EnqueueJob(post.StoredFileName)
	}

	return nil
}

// DeleteAccount removes the user and every post they own, then schedules
// their blobs for removal.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	storedNames, err := s.db.DeleteUserWithPosts(ctx, userID)
	if err != nil {
		return err
	}
	for _, storedName := range storedNames {
		s.blobsRemover.EnqueueJob(storedName)
	}

	return nil
}

// GetInternalStats returns the number of registered users and stored posts.
func (s *Service) GetInternalStats(ctx context.Context) (models.InternalStatsResponse, error) {
	users, err := s.db.GetNumberOfUsers(ctx)
	if err != nil {
		return models.InternalStatsResponse{}, err
	}

	posts, err := s.db.GetNumberOfPosts(ctx)
	if err != nil {
		return models.InternalStatsResponse{}, err
	}

	return models.InternalStatsResponse{
		Users: users,
		Posts: posts,
	}, nil
}

// Ping checks the health of the database/storage layer.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// removeBlob returns the error worth retrying. A missing blob is not one.
func (s *Service) removeBlob(ctx context.Context, storedName string) error {
	err := s.blobs.Remove(ctx, storedName)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrBlobNotFound):
		logger.Log.Warnw("blob already missing", "stored_name", storedName)
		return nil
	default:
		logger.Error("blob removal failed", err, "stored_name", storedName)
		return err
	}
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}
