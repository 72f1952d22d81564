package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/docingest/internal/apperrors"
	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// maxRequestBytes bounds the HTTP trigger body.
const maxRequestBytes = 1 << 20

var (
	ingestInstance *services.IngestFunction
	once           sync.Once
	initErr        error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	functions.CloudEvent("HandleUpload", handleUpload)
	functions.HTTP("HandleUploadHTTP", handleUploadHTTP)
	functions.HTTP("Metrics", metrics.Handler().ServeHTTP)
}

// main is required by the Go Functions Framework.
func main() {}

func logLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// instance initializes the ingest function once. A failed initialization is
// cached and every later invocation fails fast with the same error.
func instance() (*services.IngestFunction, error) {
	once.Do(func() {
		ingestInstance, initErr = services.NewFromEnv(context.Background())
		if initErr != nil {
			slog.Error("Critical error during function initialization",
				"error", initErr,
				"kind", apperrors.KindOf(initErr),
				"startupError", apperrors.IsStartup(initErr),
			)
		}
	})
	return ingestInstance, initErr
}

// handleUpload is the storage-event entry point.
func handleUpload(ctx context.Context, e cloudevents.Event) error {
	fn, err := instance()
	if err != nil {
		return err
	}

	res := fn.Handle(ctx, e.Data())
	if res.StatusCode != http.StatusOK {
		// Returning an error marks the invocation failed so the trigger redelivers.
		return errors.New(res.Body.Message)
	}
	return nil
}

// handleUploadHTTP accepts the same payloads over HTTP and answers with the
// invocation result as JSON.
func handleUploadHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	fn, err := instance()
	if err != nil {
		writeResult(w, services.FailedInvocation(err))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		slog.Error("Could not read request body", "error", err)
		http.Error(w, "Bad Request: could not read body", http.StatusBadRequest)
		return
	}
	writeResult(w, fn.Handle(r.Context(), body))
}

func writeResult(w http.ResponseWriter, res models.InvocationResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
