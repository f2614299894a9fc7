package app

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patric-chuzhbe/gram/internal/config"
	"github.com/patric-chuzhbe/gram/internal/models"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	return "127.0.0.1:" + strconv.Itoa(port)
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SERVER_ADDRESS", freeAddr(t))
	t.Setenv("UPLOAD_DIR", filepath.Join(dir, "uploads"))
	t.Setenv("FILE_STORAGE_PATH", filepath.Join(dir, "gram.db"))
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("CONFIG", "")

	app, err := New(config.WithDisableFlagsParsing(true))
	require.NoError(t, err)

	return app
}

func TestNewServesPing(t *testing.T) {
	app := newTestApp(t)
	defer app.shutdownBackground()

	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	recorder := httptest.NewRecorder()
	app.Handler().ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	app := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- app.serve(ctx)
	}()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", app.cfg.RunAddr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("serve did not return after cancel")
	}

	select {
	case <-app.blobsRemover.Done():
	default:
		t.Fatal("blob remover still running after shutdown")
	}
}

func TestGetAvailableStorageType(t *testing.T) {
	testCases := []struct {
		name     string
		cfg      config.Config
		expected int
		label    string
	}{
		{name: "dsn wins", cfg: config.Config{DatabaseDSN: "postgres://x", DBFileName: "gram.db"}, expected: models.StorageTypePostgresql, label: "postgresql"},
		{name: "file storage", cfg: config.Config{DBFileName: "gram.db"}, expected: models.StorageTypeSQLite, label: "sqlite"},
		{name: "memory fallback", cfg: config.Config{}, expected: models.StorageTypeMemory, label: "memory"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			storageType := getAvailableStorageType(&testCase.cfg)
			assert.Equal(t, testCase.expected, storageType)
			assert.Equal(t, testCase.label, storageName(storageType))
		})
	}
}

func TestNewFailsOnInvalidConfig(t *testing.T) {
	t.Setenv("UPLOAD_DIR", t.TempDir())
	t.Setenv("SERVER_ADDRESS", "not an address")

	_, err := New(config.WithDisableFlagsParsing(true))
	assert.Error(t, err)
}
