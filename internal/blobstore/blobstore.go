// Package blobstore keeps uploaded files on the local filesystem under
// generated unique names and knows the public URL each of them is served at.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/patric-chuzhbe/gram/internal/models"
)

const tmpDirName = ".tmp"

// ErrInvalidName is returned for names that could escape the root directory.
var ErrInvalidName = errors.New("invalid blob name")

// BlobInfo describes one stored file.
type BlobInfo struct {
	Name    string
	ModTime time.Time
	Size    int64
}

// LocalStore stores blobs as flat files inside root.
type LocalStore struct {
	root          string
	publicBaseURL string
	staticPath    string
}

// New creates the store rooted at root. Blobs are addressed publicly as
// publicBaseURL + staticPath + "/" + name.
func New(root, publicBaseURL, staticPath string) (*LocalStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blob store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("in internal/blobstore/blobstore.go/New(): error while `os.MkdirAll()` calling: %w", err)
	}

	return &LocalStore{
		root:          abs,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		staticPath:    "/" + strings.Trim(staticPath, "/"),
	}, nil
}

// Root returns the absolute directory holding the blobs.
func (s *LocalStore) Root() string {
	return s.root
}

// Store writes r under a fresh name that keeps the extension of originalName.
// The content is synced to disk before the name is returned. A failed or
// cancelled write leaves nothing behind.
func (s *LocalStore) Store(ctx context.Context, originalName string, r io.Reader) (string, error) {
	if r == nil {
		return "", fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := GenerateName(originalName)

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDirName), "upload-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	// Link fails when the destination exists, so nothing is ever overwritten.
	if err := os.Link(tmpPath, filepath.Join(s.root, name)); err != nil {
		return "", fmt.Errorf("in internal/blobstore/blobstore.go/Store(): error while `os.Link()` calling: %w", err)
	}

	return name, nil
}

// Remove deletes one blob. A missing blob yields models.ErrBlobNotFound.
func (s *LocalStore) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFromName(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", models.ErrBlobNotFound, name)
		}
		return err
	}

	return nil
}

// Open returns the blob content; the caller closes it.
func (s *LocalStore) Open(ctx context.Context, name string) (*os.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathFromName(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrBlobNotFound, name)
		}
		return nil, err
	}

	return file, nil
}

// List enumerates stored blobs, skipping in-progress writes.
func (s *LocalStore) List(ctx context.Context) ([]BlobInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	result := make([]BlobInfo, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		result = append(result, BlobInfo{
			Name:    entry.Name(),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}

	return result, nil
}

// URLFor derives the public address of a stored blob.
func (s *LocalStore) URLFor(name string) string {
	return s.publicBaseURL + s.staticPath + "/" + url.PathEscape(name)
}

// GenerateName returns a collision-resistant name keeping originalName's
// extension as written, case included. Extensions the stored name could not
// carry safely on disk or in its URL are dropped.
func GenerateName(originalName string) string {
	ext := filepath.Ext(filepath.Base(originalName))
	if !keepableExtension(ext) {
		ext = ""
	}

	return uuid.NewString() + ext
}

const maxExtensionLength = 32

func keepableExtension(ext string) bool {
	if len(ext) < 2 || len(ext) > maxExtensionLength || !utf8.ValidString(ext) {
		return false
	}

	return !strings.ContainsFunc(ext[1:], func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(`/\%?#`, r)
	})
}

func (s *LocalStore) pathFromName(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name == tmpDirName ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return filepath.Join(s.root, name), nil
}

// contextReader stops a copy as soon as ctx is done, e.g. when the client
// disconnects in the middle of an upload.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
