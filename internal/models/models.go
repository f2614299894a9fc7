package models

import (
	"errors"
	"time"
)

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type UserResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}

// UpdateUserRequest changes the email, the password, or both. Omitted
// fields keep their value.
type UpdateUserRequest struct {
	Email    *string `json:"email" validate:"omitnil,email"`
	Password *string `json:"password" validate:"omitnil,min=1"`
}

type LoginRequest struct {
	Username string `validate:"required"`
	Password string `validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Post is one uploaded image together with its caption and blob metadata.
type Post struct {
	ID             string
	UserID         string
	Caption        *string
	URL            string
	FileType       string
	StoredFileName string
	CreatedAt      time.Time
}

type PostResponse struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Caption   *string `json:"caption"`
	URL       string  `json:"url"`
	FileType  string  `json:"file_type"`
	FileName  string  `json:"file_name"`
	CreatedAt string  `json:"created_at"`
}

type FeedResponse struct {
	Posts []PostResponse `json:"posts"`
}

type DeletePostResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

type InternalStatsResponse struct {
	Users int64 `json:"users"`
	Posts int64 `json:"posts"`
}

// NewPostInput carries everything CreatePost needs besides the authenticated owner.
type NewPostInput struct {
	OriginalFileName string
	ContentType      string
	Caption          *string
}

const (
	StorageTypeUnknown = iota
	StorageTypePostgresql
	StorageTypeSQLite
	StorageTypeMemory
)

// CreatedAtLayout is used for created_at in every JSON response.
const CreatedAtLayout = "2006-01-02T15:04:05.000000Z07:00"

var (
	ErrDuplicateEmail     = errors.New("user with this email already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPostNotFound       = errors.New("post not found")
	ErrForbidden          = errors.New("not the owner of the post")
	ErrInvalidPostID      = errors.New("invalid post id format")
	ErrBlobNotFound       = errors.New("blob not found")
)

// ToResponse converts the Post into its public JSON shape.
func (p *Post) ToResponse() PostResponse {
	return PostResponse{
		ID:        p.ID,
		UserID:    p.UserID,
		Caption:   p.Caption,
		URL:       p.URL,
		FileType:  p.FileType,
		FileName:  p.StoredFileName,
		CreatedAt: p.CreatedAt.UTC().Format(CreatedAtLayout),
	}
}
