// Package logger owns the process-wide zap logger and the middleware that
// writes one line per served request.
package logger

import (
	"errors"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Log discards everything until Init replaces it.
var Log = zap.NewNop().Sugar()

// Init builds the logger for level. "debug" gets the human-friendly
// development output; every other level logs JSON.
func Init(level string) error {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	if atomicLevel.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = atomicLevel

	built, err := cfg.Build()
	if err != nil {
		return err
	}
	Log = built.Sugar()

	return nil
}

// Error logs err at error level together with keysAndValues.
func Error(msg string, err error, keysAndValues ...interface{}) {
	Log.Errorw(msg, append([]interface{}{zap.Error(err)}, keysAndValues...)...)
}

// Sync flushes buffered entries. Terminals and pipes refuse fsync; that is
// not reported.
func Sync() error {
	err := Log.Sync()
	if err == nil || errors.Is(err, os.ErrInvalid) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL) {
		return nil
	}

	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rec *statusRecorder) WriteHeader(statusCode int) {
	if rec.status == 0 {
		rec.status = statusCode
	}
	rec.ResponseWriter.WriteHeader(statusCode)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

// WithLoggingHTTPMiddleware logs every request once it has been served.
// Server errors go out at warn level. The request id comes from chi's
// RequestID middleware when that one runs first.
func WithLoggingHTTPMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		h.ServeHTTP(rec, r)

		keysAndValues := []interface{}{
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"uri", r.RequestURI,
			"status", rec.status,
			"size", rec.bytes,
			"duration", time.Since(started),
		}
		if rec.status >= http.StatusInternalServerError {
			Log.Warnw("request failed", keysAndValues...)
			return
		}
		Log.Infow("request served", keysAndValues...)
	})
}
