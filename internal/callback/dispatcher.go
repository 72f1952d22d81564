// Package callback posts ingestion results to the downstream callback service.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Lllllllleong/docingest/internal/apperrors"
	"github.com/Lllllllleong/docingest/internal/models"
)

// DefaultTimeout bounds a dispatch when the caller passes a non-positive timeout.
const DefaultTimeout = 10 * time.Second

const (
	maxDrainBytes   = 64 << 10
	maxDetailLength = 512
)

// Kind distinguishes the two ways a dispatch can fail.
type Kind int

const (
	// BadStatus means the endpoint answered with a non-2xx status.
	BadStatus Kind = iota + 1
	// Unreachable covers timeouts, connection failures and unsendable requests.
	Unreachable
)

func (k Kind) String() string {
	switch k {
	case BadStatus:
		return "bad_status"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// DispatchError is returned for every failed dispatch. It matches
// apperrors.ErrDispatch with errors.Is.
type DispatchError struct {
	Kind       Kind
	StatusCode int
	Detail     string
	Err        error
}

func (e *DispatchError) Error() string {
	switch e.Kind {
	case BadStatus:
		if e.Detail != "" {
			return fmt.Sprintf("callback returned HTTP %d: %s", e.StatusCode, e.Detail)
		}
		return fmt.Sprintf("callback returned HTTP %d", e.StatusCode)
	default:
		return fmt.Sprintf("callback unreachable: %v", e.Err)
	}
}

func (e *DispatchError) Is(target error) bool { return target == apperrors.ErrDispatch }

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher sends CallbackPayloads over HTTP. It never retries.
type Dispatcher struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a Dispatcher. A nil client selects a fresh http.Client; per-call
// deadlines come from the timeout passed to Dispatch.
func New(client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		client: client,
		logger: slog.Default().With("component", "callback-dispatcher"),
	}
}

// Dispatch POSTs payload to endpoint and returns the response status code on success.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint string, payload models.CallbackPayload, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, &DispatchError{Kind: Unreachable, Err: fmt.Errorf("marshaling payload: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, &DispatchError{Kind: Unreachable, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("no response within %s: %w", timeout, err)
		}
		d.logger.Warn("Callback request failed.", "documentId", payload.DocumentID, "error", err)
		return 0, &DispatchError{Kind: Unreachable, Err: err}
	}
	defer resp.Body.Close()

	detail := readDetail(resp.Body)
	d.logger.Info("Callback answered.",
		"documentId", payload.DocumentID,
		"statusCode", resp.StatusCode,
		"elapsed", time.Since(start).String(),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &DispatchError{Kind: BadStatus, StatusCode: resp.StatusCode, Detail: detail}
	}
	return resp.StatusCode, nil
}

// readDetail drains a bounded amount of the body so the connection can be
// reused and keeps a short prefix for error messages.
func readDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxDrainBytes))
	if len(data) > maxDetailLength {
		data = data[:maxDetailLength]
	}
	return strings.TrimSpace(string(data))
}
