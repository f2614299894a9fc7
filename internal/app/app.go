// Package app initializes and runs the main application service.
// It configures logging, storage, the blob store, authentication and routing,
// and handles graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patric-chuzhbe/gram/internal/auth"
	"github.com/patric-chuzhbe/gram/internal/blobremover"
	"github.com/patric-chuzhbe/gram/internal/blobstore"
	"github.com/patric-chuzhbe/gram/internal/config"
	"github.com/patric-chuzhbe/gram/internal/db/memorystorage"
	"github.com/patric-chuzhbe/gram/internal/db/postgresdb"
	"github.com/patric-chuzhbe/gram/internal/db/sqlitedb"
	"github.com/patric-chuzhbe/gram/internal/ipchecker"
	"github.com/patric-chuzhbe/gram/internal/logger"
	"github.com/patric-chuzhbe/gram/internal/models"
	"github.com/patric-chuzhbe/gram/internal/router"
	"github.com/patric-chuzhbe/gram/internal/service"
	"github.com/patric-chuzhbe/gram/internal/user"
)

const shutdownTimeout = 10 * time.Second

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
	ListStoredFileNames(ctx context.Context) ([]string, error)
	GetNumberOfPosts(ctx context.Context) (int64, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type storage interface {
	userKeeper
	postsKeeper
	pinger
	Close() error
}

// App encapsulates the configuration, HTTP handler, storage backend
// and the background blob remover.
type App struct {
	cfg              *config.Config
	db               storage
	blobsRemover     *blobremover.BlobRemover
	stopBlobsRemover context.CancelFunc
	httpHandler      http.Handler
}

// New initializes a new instance of App by:
// - loading configuration
// - initializing logger
// - selecting and setting up storage
// - preparing the upload directory
// - setting up the background blob remover
// - setting up the router and middleware
func New(options ...config.InitOption) (*App, error) {
	var err error
	app := &App{}

	app.cfg, err = config.New(options...)
	if err != nil {
		return nil, err
	}

	err = logger.Init(app.cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	signingKey, err := app.cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	if app.cfg.GeneratedSigningKey {
		logger.Log.Warnln("JWT_SIGNING_KEY is not set, using a random key; tokens will not survive a restart")
	}

	ipChecker, err := ipchecker.New(app.cfg.TrustedSubnet, ipchecker.WithProxyHeaders(app.cfg.TrustProxyHeaders))
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.New(app.cfg.UploadDir, app.cfg.PublicBaseURL, app.cfg.StaticPath)
	if err != nil {
		return nil, err
	}

	app.db, err = getStorageByType(app.cfg)
	if err != nil {
		return nil, err
	}

	app.blobsRemover = blobremover.New(
		blobs,
		app.cfg.BlobRemoverQueueCapacity,
		app.cfg.BlobRemoverRetryInterval,
		blobremover.WithOrphanSweep(app.db, app.cfg.OrphanSweepInterval, app.cfg.OrphanGracePeriod),
	)
	blobsRemoverRunCtx, stopBlobsRemover := context.WithCancel(context.Background())
	app.stopBlobsRemover = stopBlobsRemover

	app.blobsRemover.ListenErrors(func(err error) {
		logger.Error("blob remover failure", err)
	})
	app.blobsRemover.Run(blobsRemoverRunCtx)

	tokens := auth.New(signingKey, app.cfg.TokenTTL)

	app.httpHandler = router.New(
		service.New(app.db, blobs, app.blobsRemover, tokens),
		blobs,
		tokens,
		ipChecker,
		app.cfg.StaticPath,
		app.cfg.MaxUploadSize,
	)

	logger.Log.Infow(
		"application initialized",
		"storage", storageName(getAvailableStorageType(app.cfg)),
		"upload_dir", blobs.Root(),
		"orphan_sweep_interval", app.cfg.OrphanSweepInterval,
	)

	return app, nil
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.httpHandler
}

// Run starts the HTTP server with graceful shutdown support.
// It listens for system signals and cleans up resources upon termination.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.serve(ctx)
}

func (a *App) serve(ctx context.Context) error {
	logger.Log.Infoln("server running", "RunAddr", a.cfg.RunAddr)

	server := &http.Server{
		Addr:              a.cfg.RunAddr,
		Handler:           a.httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Log.Infoln("Received shutdown signal. Finishing requests and exiting...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		shutdownErr := server.Shutdown(shutdownCtx)
		a.shutdownBackground()

		if shutdownErr != nil {
			return fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
		return nil

	case err := <-serverErrCh:
		a.shutdownBackground()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// shutdownBackground stops the blob remover, lets it flush, then closes storage.
func (a *App) shutdownBackground() {
	a.stopBlobsRemover()
	select {
	case <-a.blobsRemover.Done():
	case <-time.After(shutdownTimeout):
		logger.Log.Warnln("blob remover did not stop in time")
	}

	if err := a.db.Close(); err != nil {
		logger.Error("storage close failed", err)
	}
}

// Close finalizes resources used by App such as logging.
func (a *App) Close() {
	if err := logger.Sync(); err != nil {
		fmt.Println("Logger sync error:", err)
	}
}

func getAvailableStorageType(cfg *config.Config) int {
	if cfg.DatabaseDSN != "" {
		return models.StorageTypePostgresql
	}

	if cfg.DBFileName != "" {
		return models.StorageTypeSQLite
	}

	return models.StorageTypeMemory
}

func storageName(storageType int) string {
	switch storageType {
	case models.StorageTypePostgresql:
		return "postgresql"
	case models.StorageTypeSQLite:
		return "sqlite"
	case models.StorageTypeMemory:
		return "memory"
	}

	return "unknown"
}

func getStorageByType(cfg *config.Config) (storage, error) {
	switch getAvailableStorageType(cfg) {
	case models.StorageTypeUnknown:
		return nil, errors.New("unknown storage type")

	case models.StorageTypePostgresql:
		return postgresdb.New(
			context.Background(),
			cfg.DatabaseDSN,
			cfg.DBConnectionTimeout,
		)

	case models.StorageTypeSQLite:
		return sqlitedb.New(
			context.Background(),
			cfg.DBFileName,
			cfg.DBConnectionTimeout,
		)
	}

	return memorystorage.New()
}
