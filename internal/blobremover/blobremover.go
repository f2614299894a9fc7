// Package blobremover removes stored files in the background: blobs whose
// post could not be saved or deleted cleanly, and, optionally, blobs that no
// post references any more.
package blobremover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thoas/go-funk"

	"github.com/patric-chuzhbe/gram/internal/blobstore"
	"github.com/patric-chuzhbe/gram/internal/logger"
	"github.com/patric-chuzhbe/gram/internal/models"
)

const maxAttempts = 5

// ErrQueueFull is reported when a job could not be enqueued.
var ErrQueueFull = errors.New("blob remover queue is full")

type blobStorage interface {
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]blobstore.BlobInfo, error)
}

type referencedNamesLister interface {
	ListStoredFileNames(ctx context.Context) ([]string, error)
}

type sweepOptions struct {
	posts       referencedNamesLister
	interval    time.Duration
	gracePeriod time.Duration
}

type BlobRemover struct {
	queue                    chan string
	blobs                    blobStorage
	delayBetweenQueueFetches time.Duration
	errorChannel             chan error
	sweep                    *sweepOptions
	now                      func() time.Time
	done                     chan struct{}
}

type Option func(*BlobRemover)

// WithOrphanSweep makes Run periodically remove blobs older than gracePeriod
// that no post references. A non-positive interval disables the sweep.
func WithOrphanSweep(posts referencedNamesLister, interval, gracePeriod time.Duration) Option {
	return func(r *BlobRemover) {
		if interval <= 0 || posts == nil {
			return
		}
		r.sweep = &sweepOptions{
			posts:       posts,
			interval:    interval,
			gracePeriod: gracePeriod,
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *BlobRemover) {
		r.now = now
	}
}

func New(
	blobs blobStorage,
	channelCapacity int,
	delayBetweenQueueFetches time.Duration,
	options ...Option,
) *BlobRemover {
	r := &BlobRemover{
		queue:                    make(chan string, channelCapacity),
		blobs:                    blobs,
		delayBetweenQueueFetches: delayBetweenQueueFetches,
		errorChannel:             make(chan error, channelCapacity),
		now:                      time.Now,
		done:                     make(chan struct{}),
	}
	for _, option := range options {
		option(r)
	}

	return r
}

func (r *BlobRemover) ListenErrors(callback func(error)) {
	go func() {
		for err := range r.errorChannel {
			callback(err)
		}
	}()
}

// EnqueueJob schedules storedName for removal. It never blocks the caller.
func (r *BlobRemover) EnqueueJob(storedName string) {
	select {
	case r.queue <- storedName:
	default:
		r.reportError(fmt.Errorf("%w: dropped %q", ErrQueueFull, storedName))
	}
}

// Run starts the worker. It stops after ctx is cancelled, making one last
// removal attempt for what is still pending; Done is closed afterwards.
func (r *BlobRemover) Run(ctx context.Context) {
	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.delayBetweenQueueFetches)
		defer ticker.Stop()

		var sweepTicks <-chan time.Time
		if r.sweep != nil {
			sweepTicker := time.NewTicker(r.sweep.interval)
			defer sweepTicker.Stop()
			sweepTicks = sweepTicker.C
		}

		pending := map[string]int{}

		for {
			select {
			case name := <-r.queue:
				if _, queued := pending[name]; !queued {
					pending[name] = 0
				}
			case <-ticker.C:
				r.processPending(ctx, pending)
			case <-sweepTicks:
				if _, err := r.Sweep(ctx); err != nil {
					r.reportError(err)
				}
			case <-ctx.Done():
				r.drainQueue(pending)
				finalCtx, cancel := context.WithTimeout(context.Background(), r.delayBetweenQueueFetches)
				r.processPending(finalCtx, pending)
				cancel()
				return
			}
		}
	}()
}

// Done is closed once the worker started by Run has exited.
func (r *BlobRemover) Done() <-chan struct{} {
	return r.done
}

// Sweep removes blobs older than the grace period that no post references
// and returns how many were removed.
func (r *BlobRemover) Sweep(ctx context.Context) (int, error) {
	if r.sweep == nil {
		return 0, nil
	}

	stored, err := r.blobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("in internal/blobremover/blobremover.go/Sweep(): error while `r.blobs.List()` calling: %w", err)
	}
	names, err := r.sweep.posts.ListStoredFileNames(ctx)
	if err != nil {
		return 0, fmt.Errorf(
			"in internal/blobremover/blobremover.go/Sweep(): error while `r.sweep.posts.ListStoredFileNames()` calling: %w",
			err,
		)
	}

	referenced := make(map[string]bool, len(names))
	for _, name := range names {
		referenced[name] = true
	}

	cutoff := r.now().Add(-r.sweep.gracePeriod)
	orphans := funk.Filter(stored, func(info blobstore.BlobInfo) bool {
		return !referenced[info.Name] && info.ModTime.Before(cutoff)
	}).([]blobstore.BlobInfo)

	removed := 0
	for _, orphan := range orphans {
		err := r.blobs.Remove(ctx, orphan.Name)
		if err != nil && !errors.Is(err, models.ErrBlobNotFound) {
			r.reportError(fmt.Errorf("removing orphaned blob %q: %w", orphan.Name, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Log.Infow("orphaned blobs removed", "count", removed)
	}

	return removed, nil
}

func (r *BlobRemover) drainQueue(pending map[string]int) {
	for {
		select {
		case name := <-r.queue:
			if _, queued := pending[name]; !queued {
				pending[name] = 0
			}
		default:
			return
		}
	}
}

func (r *BlobRemover) processPending(ctx context.Context, pending map[string]int) {
	if len(pending) == 0 {
		return
	}

	removed := 0
	for name, attempts := range pending {
		err := r.blobs.Remove(ctx, name)
		if err == nil || errors.Is(err, models.ErrBlobNotFound) {
			delete(pending, name)
			removed++
			continue
		}

		attempts++
		if attempts >= maxAttempts {
			delete(pending, name)
			r.reportError(fmt.Errorf("giving up removing blob %q after %d attempts: %w", name, attempts, err))
			continue
		}
		pending[name] = attempts
		r.reportError(fmt.Errorf("removing blob %q: %w", name, err))
	}

	if removed > 0 {
		logger.Log.Infof("processed removing of %d blobs", removed)
	}
}

func (r *BlobRemover) reportError(err error) {
	select {
	case r.errorChannel <- err:
	default:
		logger.Error("blob remover error dropped", err)
	}
}
