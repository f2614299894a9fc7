package blobremover

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patric-chuzhbe/gram/internal/blobstore"
	"github.com/patric-chuzhbe/gram/internal/models"
)

type staticNames []string

func (names staticNames) ListStoredFileNames(ctx context.Context) ([]string, error) {
	return names, nil
}

type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failures {
		return errors.New("disk is busy")
	}
	return nil
}

func (s *flakyStore) List(ctx context.Context) ([]blobstore.BlobInfo, error) {
	return nil, nil
}

func (s *flakyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

func newLocalStore(t *testing.T) *blobstore.LocalStore {
	store, err := blobstore.New(t.TempDir(), "http://127.0.0.1:8000", "/static")
	require.NoError(t, err)

	return store
}

func storeBlob(t *testing.T, store *blobstore.LocalStore, name string) string {
	stored, err := store.Store(context.Background(), name, strings.NewReader("bytes of "+name))
	require.NoError(t, err)

	return stored
}

func blobExists(store *blobstore.LocalStore, name string) bool {
	file, err := store.Open(context.Background(), name)
	if err != nil {
		return false
	}
	_ = file.Close()

	return true
}

func TestRunRemovesEnqueuedBlobs(t *testing.T) {
	store := newLocalStore(t)
	name := storeBlob(t, store, "img.png")

	remover := New(store, 10, 10*time.Millisecond)
	var reported []error
	var mu sync.Mutex
	remover.ListenErrors(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remover.Run(ctx)

	remover.EnqueueJob(name)
	remover.EnqueueJob("already-gone.png")

	require.Eventually(t, func() bool {
		return !blobExists(store, name)
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-remover.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, reported)
}

func TestFailedRemovalIsRetried(t *testing.T) {
	store := &flakyStore{failures: 2}
	remover := New(store, 10, 5*time.Millisecond)

	errs := make(chan error, 10)
	remover.ListenErrors(func(err error) { errs <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remover.Run(ctx)
	remover.EnqueueJob("img.png")

	require.Eventually(t, func() bool {
		return store.callCount() == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-remover.Done()

	assert.Equal(t, 3, store.callCount())
	assert.Len(t, errs, 2)
}

func TestRemovalGivesUpAfterMaxAttempts(t *testing.T) {
	store := &flakyStore{failures: 1000}
	remover := New(store, 10, time.Hour)

	pending := map[string]int{"img.png": 0}
	for i := 0; i < maxAttempts; i++ {
		remover.processPending(context.Background(), pending)
	}

	assert.Empty(t, pending)
	assert.Equal(t, maxAttempts, store.callCount())
	assert.Len(t, remover.errorChannel, maxAttempts)
}

func TestEnqueueJobDoesNotBlockWhenFull(t *testing.T) {
	remover := New(&flakyStore{}, 1, time.Hour)

	remover.EnqueueJob("first.png")
	remover.EnqueueJob("second.png")

	require.Len(t, remover.errorChannel, 1)
	assert.ErrorIs(t, <-remover.errorChannel, ErrQueueFull)
}

func TestShutdownFlushesPendingJobs(t *testing.T) {
	store := newLocalStore(t)
	name := storeBlob(t, store, "img.png")

	remover := New(store, 10, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	remover.Run(ctx)

	remover.EnqueueJob(name)
	cancel()
	<-remover.Done()

	assert.False(t, blobExists(store, name))
}

func TestSweep(t *testing.T) {
	store := newLocalStore(t)
	referenced := storeBlob(t, store, "kept.png")
	orphan := storeBlob(t, store, "orphan.png")
	fresh := storeBlob(t, store, "fresh.png")

	old := time.Now().Add(-3 * time.Hour)
	for _, name := range []string{referenced, orphan} {
		require.NoError(t, os.Chtimes(filepath.Join(store.Root(), name), old, old))
	}

	remover := New(store, 10, time.Hour, WithOrphanSweep(staticNames{referenced}, time.Hour, time.Hour))

	removed, err := remover.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.True(t, blobExists(store, referenced))
	assert.False(t, blobExists(store, orphan))
	assert.True(t, blobExists(store, fresh), "blobs younger than the grace period may still be waiting for their post")
}

func TestSweepDisabled(t *testing.T) {
	store := newLocalStore(t)
	orphan := storeBlob(t, store, "orphan.png")

	remover := New(store, 10, time.Hour, WithOrphanSweep(staticNames{}, 0, 0))

	removed, err := remover.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.True(t, blobExists(store, orphan))
}

func TestNotFoundCountsAsRemoved(t *testing.T) {
	store := newLocalStore(t)
	remover := New(store, 10, time.Hour)

	pending := map[string]int{"missing.png": 0}
	remover.processPending(context.Background(), pending)

	assert.Empty(t, pending)
	assert.Empty(t, remover.errorChannel)
	assert.ErrorIs(t, store.Remove(context.Background(), "missing.png"), models.ErrBlobNotFound)
}
