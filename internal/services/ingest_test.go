package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/docingest/internal/apperrors"
	"github.com/Lllllllleong/docingest/internal/callback"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/signer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKeyPEM  []byte
)

func signingKeyPEM(t *testing.T) []byte {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	})
	return testKeyPEM
}

// memoryStore mirrors the backends: Create overwrites, updates need an existing record.
type memoryStore struct {
	mu       sync.Mutex
	records  map[string]models.DocumentRecord
	history  map[string][]models.Status
	creates  int
	failNext map[string]error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records:  map[string]models.DocumentRecord{},
		history:  map[string][]models.Status{},
		failNext: map[string]error{},
	}
}

func (s *memoryStore) takeFailure(op string) error {
	err := s.failNext[op]
	delete(s.failNext, op)
	return err
}

func (s *memoryStore) Create(_ context.Context, rec models.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("create"); err != nil {
		return err
	}
	s.creates++
	s.records[rec.DocumentID] = rec
	s.history[rec.DocumentID] = append(s.history[rec.DocumentID], rec.Status)
	return nil
}

func (s *memoryStore) SetStatus(_ context.Context, id string, st models.Status, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("status"); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok {
		return errors.New("record not found")
	}
	rec.Status, rec.ErrorDetails = st, details
	s.records[id] = rec
	s.history[id] = append(s.history[id], st)
	return nil
}

func (s *memoryStore) SetSignedURL(_ context.Context, id, signedURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("signedURL"); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok {
		return errors.New("record not found")
	}
	rec.SignedURL = signedURL
	s.records[id] = rec
	return nil
}

func (s *memoryStore) get(id string) (models.DocumentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *fakeNotifier) Notify(_ context.Context, subject, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, subject+"|"+message)
	return n.err
}

type staticSecrets struct {
	key   []byte
	errs  []error
	calls int
}

func (s *staticSecrets) GetSecret(_ context.Context, _ string) ([]byte, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.key, nil
}

type failingSigner struct{}

func (failingSigner) Sign(string, time.Duration) (string, error) {
	return "", apperrors.ErrSigning
}

// callbackServer answers 200 unless the document ID is listed in statuses.
type callbackServer struct {
	*httptest.Server
	mu       sync.Mutex
	payloads []models.CallbackPayload
}

func newCallbackServer(t *testing.T, statuses map[string]int) *callbackServer {
	t.Helper()
	cs := &callbackServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p models.CallbackPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		cs.mu.Lock()
		cs.payloads = append(cs.payloads, p)
		cs.mu.Unlock()
		if code, ok := statuses[p.DocumentID]; ok {
			w.WriteHeader(code)
			_, _ = w.Write([]byte("downstream unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(cs.Close)
	return cs
}

type harness struct {
	fn       *IngestFunction
	store    *memoryStore
	notifier *fakeNotifier
	metrics  *metrics.Metrics
	callback *callbackServer
}

func newHarness(t *testing.T, statuses map[string]int) *harness {
	t.Helper()
	h := &harness{
		store:    newMemoryStore(),
		notifier: &fakeNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		callback: newCallbackServer(t, statuses),
	}
	cfg := IngestConfig{
		SigningKeyID:         "K2JCJMDEHXQW5F",
		CDNDomain:            "cdn.example.com",
		CallbackURL:          h.callback.URL + "/ingest",
		MetadataTable:        "documents",
		SigningKeySecretName: "cdn-signing-key.pem",
		SignedURLTTL:         time.Hour,
		CallbackTimeout:      2 * time.Second,
		MaxConcurrency:       4,
	}
	fn, err := New(context.Background(), cfg, Dependencies{
		Store:      h.store,
		Notifier:   h.notifier,
		Dispatcher: callback.New(nil),
		Secrets:    &staticSecrets{key: signingKeyPEM(t)},
		Metrics:    h.metrics,
	})
	require.NoError(t, err)
	h.fn = fn
	return h
}

func s3Event(t *testing.T, pairs ...string) []byte {
	t.Helper()
	var ev models.S3Event
	for i := 0; i+1 < len(pairs); i += 2 {
		var r models.S3EventRecord
		r.S3.Bucket.Name = pairs[i]
		r.S3.Object.Key = pairs[i+1]
		ev.Records = append(ev.Records, r)
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

func TestHandleProcessesDocument(t *testing.T) {
	h := newHarness(t, nil)

	res := h.fn.Handle(context.Background(), s3Event(t, "docs", "uploads/abc123.pdf"))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "success", res.Body.Status)

	rec, ok := h.store.get("abc123")
	require.True(t, ok)
	assert.Equal(t, models.StatusProcessed, rec.Status)
	assert.Equal(t, "s3://docs/uploads/abc123.pdf", rec.StorageURI)
	assert.Equal(t, "https://cdn.example.com/uploads/abc123.pdf", rec.CDNURL)
	assert.Equal(t, []models.Status{models.StatusProcessing, models.StatusProcessed}, h.store.history["abc123"])

	require.Len(t, h.callback.payloads, 1)
	p := h.callback.payloads[0]
	assert.Equal(t, "abc123", p.DocumentID)
	assert.Equal(t, "s3://docs/uploads/abc123.pdf", p.StorageURI)
	assert.Equal(t, rec.SignedURL, p.SignedURL)
	assert.True(t, strings.HasPrefix(p.SignedURL, rec.CDNURL+"?"+signer.ParamExpires+"="))
	assert.Contains(t, p.SignedURL, "&"+signer.ParamKeyPairID+"=K2JCJMDEHXQW5F")

	assert.Equal(t, []string{"New Document Uploaded|Document uploaded: uploads/abc123.pdf in bucket docs"}, h.notifier.messages)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecordsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BatchesTotal.WithLabelValues("success")))
}

func TestHandleCallbackRejected(t *testing.T) {
	h := newHarness(t, map[string]int{"abc123": http.StatusServiceUnavailable})

	res := h.fn.Handle(context.Background(), s3Event(t, "docs", "uploads/abc123.pdf"))

	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "error", res.Body.Status)
	assert.Equal(t, 1, strings.Count(res.Body.Message, "callback dispatch failed"), res.Body.Message)
	assert.Contains(t, res.Body.Message, "callback returned HTTP 503")

	rec, _ := h.store.get("abc123")
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Contains(t, rec.ErrorDetails, "503")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecordsTotal.WithLabelValues("dispatch")))
	assert.Equal(t, 1, testutil.CollectAndCount(h.metrics.DispatchDuration, "docingest_callback_dispatch_seconds"))
}

func TestHandleDispatchesKeysWithControlCharacters(t *testing.T) {
	h := newHarness(t, nil)

	r := h.fn.ProcessRecord(context.Background(), models.EventRecord{Container: "docs", ObjectKey: "uploads/a%0Ab.pdf", Scheme: models.SchemeS3})

	require.NoError(t, r.Err)
	assert.Equal(t, models.StatusProcessed, r.Status)
	require.Len(t, h.callback.payloads, 1)
	assert.Equal(t, "a\nb", h.callback.payloads[0].DocumentID)
}

type countingPusher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingPusher) Push(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func TestHandlePushesMetricsEveryInvocation(t *testing.T) {
	h := newHarness(t, nil)
	pusher := &countingPusher{err: errors.New("gateway down")}
	h.fn.deps.Pusher = pusher

	ok := h.fn.Handle(context.Background(), s3Event(t, "docs", "abc.pdf"))
	bad := h.fn.Handle(context.Background(), []byte(`{}`))

	assert.Equal(t, http.StatusOK, ok.StatusCode, "a failed push never changes the outcome")
	assert.Equal(t, http.StatusInternalServerError, bad.StatusCode)
	assert.Equal(t, 2, pusher.calls)
}

func TestHandleDecodesEscapedKey(t *testing.T) {
	h := newHarness(t, nil)

	res := h.fn.Handle(context.Background(), s3Event(t, "docs", "uploads/my%20file.pdf"))
	require.Equal(t, http.StatusOK, res.StatusCode)

	rec, ok := h.store.get("my file")
	require.True(t, ok)
	assert.Equal(t, "uploads/my file.pdf", rec.ObjectKey)
	assert.Equal(t, "https://cdn.example.com/uploads/my%20file.pdf", rec.CDNURL)
}

func TestNewFailsWhenSigningKeyUnavailable(t *testing.T) {
	defer func(a int, b time.Duration) { keyLoadAttempts, keyLoadBackoff = a, b }(keyLoadAttempts, keyLoadBackoff)
	keyLoadAttempts, keyLoadBackoff = 3, time.Millisecond

	st := newMemoryStore()
	secrets := &staticSecrets{errs: []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}}
	fn, err := New(context.Background(), IngestConfig{SigningKeyID: "K", SigningKeySecretName: "key.pem"}, Dependencies{
		Store:      st,
		Notifier:   &fakeNotifier{},
		Dispatcher: callback.New(nil),
		Secrets:    secrets,
	})

	assert.Nil(t, fn)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSecretRetrieval)
	assert.True(t, apperrors.IsStartup(err))
	assert.Equal(t, 3, secrets.calls)
	assert.Zero(t, st.creates)
}

func TestLoadSigningKeyRetriesTransientErrors(t *testing.T) {
	defer func(b time.Duration) { keyLoadBackoff = b }(keyLoadBackoff)
	keyLoadBackoff = time.Millisecond

	secrets := &staticSecrets{key: []byte("pem"), errs: []error{errors.New("connection reset")}}
	key, err := loadSigningKey(context.Background(), secrets, "key.pem")
	require.NoError(t, err)
	assert.Equal(t, []byte("pem"), key)
	assert.Equal(t, 2, secrets.calls)
}

func TestLoadSigningKeyStopsOnPermanentError(t *testing.T) {
	secrets := &staticSecrets{errs: []error{gcp.ErrSecretNotFound}}
	_, err := loadSigningKey(context.Background(), secrets, "key.pem")
	assert.ErrorIs(t, err, apperrors.ErrSecretRetrieval)
	assert.ErrorIs(t, err, gcp.ErrSecretNotFound)
	assert.Equal(t, 1, secrets.calls)
}

func TestNewRejectsUnparsableKey(t *testing.T) {
	_, err := New(context.Background(), IngestConfig{SigningKeyID: "K", SigningKeySecretName: "key.pem"}, Dependencies{
		Store:      newMemoryStore(),
		Notifier:   &fakeNotifier{},
		Dispatcher: callback.New(nil),
		Secrets:    &staticSecrets{key: []byte("not a pem")},
	})
	assert.ErrorIs(t, err, apperrors.ErrSigning)
	assert.True(t, apperrors.IsStartup(err))
}

func TestProcessBatchContinuesPastFailures(t *testing.T) {
	h := newHarness(t, map[string]int{"first": http.StatusBadGateway})

	res := h.fn.Handle(context.Background(), s3Event(t, "docs", "a/first.pdf", "docs", "b/second.pdf"))

	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, res.Body.Message, "1 of 2 records failed")
	assert.Contains(t, res.Body.Message, "docs/a/first.pdf")

	first, _ := h.store.get("first")
	second, _ := h.store.get("second")
	assert.Equal(t, models.StatusError, first.Status)
	assert.Equal(t, models.StatusProcessed, second.Status)
	assert.Len(t, h.callback.payloads, 2)
}

func TestNotificationFailureDoesNotAffectOutcome(t *testing.T) {
	h := newHarness(t, nil)
	h.notifier.err = errors.New("broker down")

	res := h.fn.Handle(context.Background(), s3Event(t, "docs", "abc.pdf"))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	rec, _ := h.store.get("abc")
	assert.Equal(t, models.StatusProcessed, rec.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.NotificationFailures))
}

func TestSigningFailureMarksRecordError(t *testing.T) {
	h := newHarness(t, nil)
	h.fn.signer = failingSigner{}

	r := h.fn.ProcessRecord(context.Background(), models.EventRecord{Container: "docs", ObjectKey: "abc.pdf", Scheme: models.SchemeS3})

	assert.ErrorIs(t, r.Err, apperrors.ErrSigning)
	assert.Equal(t, models.StatusError, r.Status)
	rec, _ := h.store.get("abc")
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Empty(t, h.callback.payloads)
	assert.Empty(t, h.notifier.messages)
}

func TestCreateFailureAbandonsRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.store.failNext["create"] = apperrors.ErrStoreWrite

	r := h.fn.ProcessRecord(context.Background(), models.EventRecord{Container: "docs", ObjectKey: "abc.pdf"})

	assert.ErrorIs(t, r.Err, apperrors.ErrStoreWrite)
	assert.Empty(t, r.Status)
	assert.Empty(t, h.callback.payloads)
}

func TestErrorStatusWriteFailureIsJoined(t *testing.T) {
	h := newHarness(t, map[string]int{"abc": http.StatusInternalServerError})
	h.store.failNext["status"] = errors.New("store unavailable")

	r := h.fn.ProcessRecord(context.Background(), models.EventRecord{Container: "docs", ObjectKey: "abc.pdf"})

	assert.ErrorIs(t, r.Err, apperrors.ErrDispatch)
	assert.ErrorContains(t, r.Err, "store unavailable")
	assert.Equal(t, models.StatusProcessing, r.Status)
}

func TestRedeliveryResetsRecord(t *testing.T) {
	h := newHarness(t, map[string]int{"abc": http.StatusServiceUnavailable})
	ctx := context.Background()
	event := s3Event(t, "docs", "abc.pdf")

	first := h.fn.Handle(ctx, event)
	require.Equal(t, http.StatusInternalServerError, first.StatusCode)
	rec, _ := h.store.get("abc")
	require.Equal(t, models.StatusError, rec.Status)

	// The recreate overwrites the ERROR record before the retry runs.
	h.fn.config.CallbackURL = newCallbackServer(t, nil).URL
	second := h.fn.Handle(ctx, event)

	assert.Equal(t, http.StatusOK, second.StatusCode)
	rec, _ = h.store.get("abc")
	assert.Equal(t, models.StatusProcessed, rec.Status)
	assert.Empty(t, rec.ErrorDetails)
	assert.Equal(t, 2, h.store.creates)
	assert.Equal(t, []models.Status{
		models.StatusProcessing, models.StatusError,
		models.StatusProcessing, models.StatusProcessed,
	}, h.store.history["abc"])
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t, nil)

	res := h.fn.Handle(context.Background(), []byte(`{"unexpected":true}`))

	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, res.Body.Message, "malformed event")
	assert.Zero(t, h.store.creates)
}

func TestMalformedRecordDoesNotBlockBatch(t *testing.T) {
	h := newHarness(t, nil)

	res := h.fn.Handle(context.Background(), s3Event(t, "docs", "folder/", "docs", "ok.pdf"))

	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, res.Body.Message, "1 of 2 records failed")
	rec, ok := h.store.get("ok")
	require.True(t, ok)
	assert.Equal(t, models.StatusProcessed, rec.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecordsTotal.WithLabelValues("malformed_event")))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(context.Background(), IngestConfig{}, Dependencies{})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}
