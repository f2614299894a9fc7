package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patric-chuzhbe/gram/internal/models"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := New(t.TempDir(), "http://127.0.0.1:8000/", "static")
	require.NoError(t, err)

	return store
}

func TestStoreOpenRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	name, err := store.Store(ctx, "img.PNG", bytes.NewBufferString("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(name, ".png"), name)

	file, err := store.Open(ctx, name)
	require.NoError(t, err)
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	assert.Equal(t, "hello", string(data))

	blobs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, name, blobs[0].Name)
	assert.EqualValues(t, 5, blobs[0].Size)

	require.NoError(t, store.Remove(ctx, name))

	err = store.Remove(ctx, name)
	assert.ErrorIs(t, err, models.ErrBlobNotFound)

	_, err = store.Open(ctx, name)
	assert.ErrorIs(t, err, models.ErrBlobNotFound)
}

func TestStoreGeneratesDistinctNames(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Store(context.Background(), "a.jpg", bytes.NewBufferString("1"))
	require.NoError(t, err)
	second, err := store.Store(context.Background(), "a.jpg", bytes.NewBufferString("2"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestStoreCancelledLeavesNothing(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Store(ctx, "a.png", bytes.NewBufferString("data"))
	require.ErrorIs(t, err, context.Canceled)

	assertNoFiles(t, store)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestStoreReadFailureLeavesNothing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Store(context.Background(), "a.png", io.MultiReader(bytes.NewBufferString("part"), failingReader{}))
	require.Error(t, err)

	assertNoFiles(t, store)
}

func assertNoFiles(t *testing.T, store *LocalStore) {
	t.Helper()
	blobs, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, blobs)

	tmp, err := os.ReadDir(filepath.Join(store.Root(), tmpDirName))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestURLFor(t *testing.T) {
	store := newTestStore(t)

	assert.Equal(t, "http://127.0.0.1:8000/static/abc.png", store.URLFor("abc.png"))
}

func TestGenerateName(t *testing.T) {
	tests := []struct {
		original string
		ext      string
	}{
		{original: "photo.jpeg", ext: ".jpeg"},
		{original: "IMG.PNG", ext: ".PNG"},
		{original: "weird.jp-g", ext: ".jp-g"},
		{original: "weird.p$g", ext: ".p$g"},
		{original: "../../etc/passwd.gif", ext: ".gif"},
		{original: "noext", ext: ""},
		{original: "trailing.", ext: ""},
		{original: "archive.tar.gz", ext: ".gz"},
		{original: `back.sl\ash`, ext: ""},
		{original: "space.p g", ext: ""},
		{original: "fragment.p#g", ext: ""},
	}

	for _, tt := range tests {
		t.Run(tt.original, func(t *testing.T) {
			name := GenerateName(tt.original)
			assert.Equal(t, tt.ext, filepath.Ext(name))
			assert.Len(t, strings.TrimSuffix(name, tt.ext), 36)
		})
	}
}

func TestRejectsEscapingNames(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"", "..", "../x.png", "a/b.png", `a\b.png`, ".tmp"} {
		err := store.Remove(context.Background(), name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}
