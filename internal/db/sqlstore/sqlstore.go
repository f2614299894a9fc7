// Package sqlstore implements user and post persistence on top of database/sql.
// The Postgres and SQLite backends wrap it with their own driver, dialect and
// embedded goose migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/patric-chuzhbe/gram/internal/models"
	"github.com/patric-chuzhbe/gram/internal/user"
)

// TextTimeLayout is a fixed-width UTC layout, so text timestamps sort correctly.
const TextTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Dialect captures what differs between the SQL backends.
type Dialect struct {
	// Goose is the migration dialect.
	Goose goose.Dialect

	// Migrations holds the goose SQL files at its root.
	Migrations fs.FS

	// NumberedPlaceholders rewrites `?` into `$1, $2, ...`.
	NumberedPlaceholders bool

	// TimeAsText stores timestamps as TextTimeLayout strings.
	TimeAsText bool

	// IsUniqueViolation recognises the driver's unique constraint error.
	IsUniqueViolation func(err error) bool
}

// Store is a SQL-backed storage of users and posts.
type Store struct {
	database          *sql.DB
	dialect           Dialect
	connectionTimeout time.Duration
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// New wraps an opened database and brings its schema up to date.
func New(
	ctx context.Context,
	database *sql.DB,
	dialect Dialect,
	connectionTimeout time.Duration,
) (*Store, error) {
	store := &Store{
		database:          database,
		dialect:           dialect,
		connectionTimeout: connectionTimeout,
	}

	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("in internal/db/sqlstore/sqlstore.go/New(): error while `store.Ping()` calling: %w", err)
	}

	provider, err := goose.NewProvider(dialect.Goose, database, dialect.Migrations)
	if err != nil {
		return nil, fmt.Errorf("in internal/db/sqlstore/sqlstore.go/New(): error while `goose.NewProvider()` calling: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return nil, fmt.Errorf("in internal/db/sqlstore/sqlstore.go/New(): error while `provider.Up()` calling: %w", err)
	}

	return store, nil
}

// DB exposes the underlying handle to backend packages.
func (s *Store) DB() *sql.DB {
	return s.database
}

// CreateUser inserts a new user and returns its id.
// A taken email yields models.ErrDuplicateEmail.
func (s *Store) CreateUser(ctx context.Context, usr *user.User) (string, error) {
	_, err := s.database.ExecContext(
		ctx,
		s.rebind(`INSERT INTO users (id, email, password_hash, is_active, created_at) VALUES (?, ?, ?, ?, ?)`),
		usr.ID,
		usr.Email,
		usr.PasswordHash,
		usr.IsActive,
		s.encodeTime(usr.CreatedAt),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
			return "", models.ErrDuplicateEmail
		}
		return "", err
	}

	return usr.ID, nil
}

// GetUserByEmail returns nil, nil when no user has this exact email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*user.User, error) {
	row := s.database.QueryRowContext(
		ctx,
		s.rebind(`SELECT id, email, password_hash, is_active, created_at FROM users WHERE email = ?`),
		email,
	)

	return scanUser(row)
}

// GetUserByID returns nil, nil when the user does not exist.
func (s *Store) GetUserByID(ctx context.Context, userID string) (*user.User, error) {
	row := s.database.QueryRowContext(
		ctx,
		s.rebind(`SELECT id, email, password_hash, is_active, created_at FROM users WHERE id = ?`),
		userID,
	)

	return scanUser(row)
}

// UpdateUser rewrites the email and password hash of an existing user.
// A taken email yields models.ErrDuplicateEmail, an unknown id
// models.ErrUserNotFound.
func (s *Store) UpdateUser(ctx context.Context, usr *user.User) error {
	result, err := s.database.ExecContext(
		ctx,
		s.rebind(`UPDATE users SET email = ?, password_hash = ? WHERE id = ?`),
		usr.Email,
		usr.PasswordHash,
		usr.ID,
	)
	if err != nil {
		if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
			return models.ErrDuplicateEmail
		}
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrUserNotFound
	}

	return nil
}

// InsertPost persists post as given; id and created_at are set by the caller's service.
func (s *Store) InsertPost(ctx context.Context, post *models.Post) error {
	_, err := s.database.ExecContext(
		ctx,
		s.rebind(`
			INSERT INTO posts (id, user_id, caption, url, file_type, file_name, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
		`),
		post.ID,
		post.UserID,
		post.Caption,
		post.URL,
		post.FileType,
		post.StoredFileName,
		s.encodeTime(post.CreatedAt),
	)

	return err
}

// ListPostsByRecency returns every post, newest first. Posts sharing a
// timestamp keep their insertion order.
func (s *Store) ListPostsByRecency(ctx context.Context) ([]models.Post, error) {
	rows, err := s.database.QueryContext(
		ctx,
		`
			SELECT id, user_id, caption, url, file_type, file_name, created_at
				FROM posts
				ORDER BY created_at DESC, seq ASC
		`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *post)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// GetPostByID returns nil, nil when the post does not exist.
func (s *Store) GetPostByID(ctx context.Context, postID string) (*models.Post, error) {
	row := s.database.QueryRowContext(
		ctx,
		s.rebind(`
			SELECT id, user_id, caption, url, file_type, file_name, created_at
				FROM posts
				WHERE id = ?
		`),
		postID,
	)

	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return post, err
}

// DeletePost removes one row. When no row matched, for instance because a
// concurrent request removed it first, models.ErrPostNotFound is returned.
func (s *Store) DeletePost(ctx context.Context, postID string) error {
	return deletePost(ctx, s.database, s.rebind(`DELETE FROM posts WHERE id = ?`), postID)
}

// DeleteUserWithPosts removes the user and every post they own in one
// transaction and returns the stored file names of the removed posts.
// An unknown user yields models.ErrUserNotFound.
func (s *Store) DeleteUserWithPosts(ctx context.Context, userID string) ([]string, error) {
	transaction, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = transaction.Rollback()
	}()

	fileNames, err := s.listFileNames(ctx, transaction, s.rebind(`SELECT file_name FROM posts WHERE user_id = ?`), userID)
	if err != nil {
		return nil, err
	}

	if _, err := transaction.ExecContext(ctx, s.rebind(`DELETE FROM posts WHERE user_id = ?`), userID); err != nil {
		return nil, err
	}

	result, err := transaction.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE id = ?`), userID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, models.ErrUserNotFound
	}

	if err := transaction.Commit(); err != nil {
		return nil, err
	}

	return fileNames, nil
}

// ListStoredFileNames returns the blob names referenced by posts.
func (s *Store) ListStoredFileNames(ctx context.Context) ([]string, error) {
	return s.listFileNames(ctx, s.database, `SELECT file_name FROM posts`)
}

// GetNumberOfUsers counts registered users.
func (s *Store) GetNumberOfUsers(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM users`)
}

// GetNumberOfPosts counts stored posts.
func (s *Store) GetNumberOfPosts(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM posts`)
}

// Ping verifies connectivity within the configured timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, s.connectionTimeout)
	defer cancel()

	return s.database.PingContext(ctxWithTimeout)
}

// Close closes the database connection and releases any associated resources.
func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) count(ctx context.Context, query string) (int64, error) {
	var count int64
	if err := s.database.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (s *Store) listFileNames(ctx context.Context, database queryer, query string, args ...any) ([]string, error) {
	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result = append(result, name)
	}

	return result, rows.Err()
}

func deletePost(ctx context.Context, database executor, query, postID string) error {
	result, err := database.ExecContext(ctx, query, postID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrPostNotFound
	}

	return nil
}

func (s *Store) encodeTime(t time.Time) any {
	if s.dialect.TimeAsText {
		return t.UTC().Format(TextTimeLayout)
	}

	return t.UTC()
}

// rebind turns `?` placeholders into the numbered form when the dialect needs it.
func (s *Store) rebind(query string) string {
	if !s.dialect.NumberedPlaceholders {
		return query
	}

	var builder strings.Builder
	builder.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			builder.WriteByte('$')
			builder.WriteString(strconv.Itoa(n))
			continue
		}
		builder.WriteRune(r)
	}

	return builder.String()
}

func scanUser(row rowScanner) (*user.User, error) {
	var usr user.User
	var createdAt dbTime
	err := row.Scan(&usr.ID, &usr.Email, &usr.PasswordHash, &usr.IsActive, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	usr.CreatedAt = createdAt.Time

	return &usr, nil
}

func scanPost(row rowScanner) (*models.Post, error) {
	var post models.Post
	var caption sql.NullString
	var createdAt dbTime
	err := row.Scan(
		&post.ID,
		&post.UserID,
		&caption,
		&post.URL,
		&post.FileType,
		&post.StoredFileName,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	if caption.Valid {
		post.Caption = &caption.String
	}
	post.CreatedAt = createdAt.Time

	return &post, nil
}

// dbTime accepts timestamps either as native time values or as text.
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(src any) error {
	switch value := src.(type) {
	case time.Time:
		t.Time = value.UTC()
	case string:
		return t.parse(value)
	case []byte:
		return t.parse(string(value))
	case nil:
		t.Time = time.Time{}
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}

	return nil
}

func (t *dbTime) parse(value string) error {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()

	return nil
}
