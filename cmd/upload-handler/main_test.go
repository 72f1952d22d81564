package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Lllllllleong/docingest/internal/apperrors"
	"github.com/Lllllllleong/docingest/internal/models"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logLevel("warn"))
	assert.Equal(t, slog.LevelError, logLevel("error"))
	assert.Equal(t, slog.LevelInfo, logLevel(""))
	assert.Equal(t, slog.LevelInfo, logLevel("verbose"))
}

func TestWriteResult(t *testing.T) {
	rec := httptest.NewRecorder()
	writeResult(rec, models.InvocationResult{
		StatusCode: http.StatusInternalServerError,
		Body:       models.InvocationBody{Status: "error", Message: "1 of 1 records failed"},
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got models.InvocationResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "error", got.Body.Status)
	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
}

func TestHandleUploadHTTPRejectsGet(t *testing.T) {
	rec := httptest.NewRecorder()
	handleUploadHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartupFailureIsCached(t *testing.T) {
	t.Setenv("SIGNING_KEY_ID", "")

	post := func() models.InvocationResult {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"bucket":"docs","name":"a.pdf"}`))
		handleUploadHTTP(rec, req)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		var res models.InvocationResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		return res
	}

	first := post()
	assert.Equal(t, "error", first.Body.Status)
	assert.Contains(t, first.Body.Message, "configuration error")
	assert.Contains(t, first.Body.Message, "SIGNING_KEY_ID")

	// A fixed environment is not picked up until the instance restarts.
	t.Setenv("SIGNING_KEY_ID", "K2JCJMDEHXQW5F")
	second := post()
	assert.Equal(t, first, second)

	ev := cloudevents.NewEvent()
	require.NoError(t, ev.SetData(cloudevents.ApplicationJSON, map[string]string{"bucket": "docs", "name": "a.pdf"}))
	err := handleUpload(context.Background(), ev)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
	assert.Equal(t, first.Body.Message, err.Error())
}
