package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/certificates"
	"event-certs/certificate-backend/pkg/security"
	"event-certs/certificate-backend/pkg/storage"
)

var signerCaller = &auth.Caller{Email: "signer@example.com", Role: auth.RoleSigner}

// stubSigner fails for configured certificate ids and succeeds otherwise.
type stubSigner struct {
	mu        sync.Mutex
	fail      map[string]error
	transient map[string]int
	calls     map[string]int
}

func newStubSigner() *stubSigner {
	return &stubSigner{fail: map[string]error{}, transient: map[string]int{}, calls: map[string]int{}}
}

func (s *stubSigner) Sign(ctx context.Context, doc []byte, opts security.SignOptions) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[opts.CertificateID]++
	if n := s.transient[opts.CertificateID]; n > 0 {
		s.transient[opts.CertificateID] = n - 1
		return nil, apperrors.TransientEngine("engine not initialised", nil)
	}
	if err := s.fail[opts.CertificateID]; err != nil {
		return nil, err
	}
	return append(append([]byte{}, doc...), []byte("%signed")...), nil
}

type allowAll struct{}

func (allowAll) IsAuthorized(context.Context, string) (bool, error) { return true, nil }

type denyAll struct{}

func (denyAll) IsAuthorized(context.Context, string) (bool, error) { return false, nil }

type pauseCounter struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (p *pauseCounter) Sleep(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses = append(p.pauses, d)
	return ctx.Err()
}

type fixture struct {
	repo      certificates.Repository
	certs     certificates.Service
	artifacts storage.ArtifactStore
	signer    *stubSigner
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	repo := certificates.NewRepository(db)
	require.NoError(t, repo.Migrate(context.Background()))
	artifacts := storage.NewMemoryArtifactStore("http://localhost/artifacts")
	certs := certificates.NewService(repo, nil, nil, artifacts, zap.NewNop())
	signer := newStubSigner()

	retrier := NewRetrier(DefaultRetryPolicy(), (&recordingSleeper{}).Sleep, zap.NewNop())
	service := NewService(Deps{
		Certificates: certs,
		Signer:       signer,
		Artifacts:    artifacts,
		Retrier:      retrier,
		Logger:       zap.NewNop(),
	}, DefaultOptions())

	return &fixture{repo: repo, certs: certs, artifacts: artifacts, signer: signer, service: service}
}

func (f *fixture) seed(t *testing.T, n int) []Item {
	t.Helper()
	items := make([]Item, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("cert-%02d", i+1)
		require.NoError(t, f.repo.Create(context.Background(), &certificates.Certificate{
			ID:        id,
			EventID:   "event-1",
			StudentID: fmt.Sprintf("S%03d", i+1),
			Name:      fmt.Sprintf("Participant %d", i+1),
			EventDate: "2024-03-15",
		}))
		items[i] = Item{CertificateID: id, Document: []byte("%PDF-1.4 " + id)}
	}
	return items
}

func (f *fixture) status(t *testing.T, id string) *certificates.Certificate {
	t.Helper()
	c, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.NoError(t, certificates.CheckInvariant(*c))
	return c
}

func TestSignOneSuccess(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 1)

	out := f.service.SignOne(context.Background(), signerCaller.Email, items[0])
	require.NoError(t, out.SignErr)
	require.NoError(t, out.PersistErr)
	assert.Equal(t, 1, out.Attempts)

	c := f.status(t, "cert-01")
	assert.Equal(t, certificates.StatusSigned, c.Status)
	require.NotNil(t, c.DocumentRef)
	assert.Equal(t, out.DocumentRef, *c.DocumentRef)

	stored, err := f.artifacts.Get(context.Background(), out.DocumentRef)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(stored, []byte("%signed")))
}

func TestSignOneRetriesTransientEngine(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 1)
	f.signer.transient["cert-01"] = 2

	out := f.service.SignOne(context.Background(), signerCaller.Email, items[0])
	require.NoError(t, out.SignErr)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, certificates.StatusSigned, f.status(t, "cert-01").Status)
}

func TestSignOneExhaustedRetriesRecordError(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 1)
	f.signer.transient["cert-01"] = 10

	out := f.service.SignOne(context.Background(), signerCaller.Email, items[0])
	require.Error(t, out.SignErr)
	assert.True(t, apperrors.IsTransient(out.SignErr))
	assert.Equal(t, 3, out.Attempts)

	c := f.status(t, "cert-01")
	assert.Equal(t, certificates.StatusError, c.Status)
	assert.Nil(t, c.DocumentRef)
	require.NotNil(t, c.ErrorMessage)
	assert.Contains(t, *c.ErrorMessage, "transient_engine_error")
}

func TestSignOneAlreadySigned(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 1)
	require.NoError(t, f.service.SignOne(context.Background(), signerCaller.Email, items[0]).SignErr)

	out := f.service.SignOne(context.Background(), signerCaller.Email, items[0])
	assert.ErrorIs(t, out.SignErr, apperrors.ErrState)
	assert.NoError(t, out.PersistErr)
	assert.Equal(t, certificates.StatusSigned, f.status(t, "cert-01").Status)
}

func TestSignOneUnknownCertificate(t *testing.T) {
	f := newFixture(t)
	out := f.service.SignOne(context.Background(), signerCaller.Email, Item{CertificateID: "missing", Document: []byte("%PDF")})
	assert.ErrorIs(t, out.SignErr, apperrors.ErrNotFound)
}

func TestSignOneRetriesErroredRecord(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 1)
	f.signer.fail["cert-01"] = apperrors.DocumentFormat("not a pdf", nil)
	require.Error(t, f.service.SignOne(context.Background(), signerCaller.Email, items[0]).SignErr)
	assert.Equal(t, certificates.StatusError, f.status(t, "cert-01").Status)

	delete(f.signer.fail, "cert-01")
	out := f.service.SignOne(context.Background(), signerCaller.Email, items[0])
	require.NoError(t, out.SignErr)
	c := f.status(t, "cert-01")
	assert.Equal(t, certificates.StatusSigned, c.Status)
	assert.Nil(t, c.ErrorMessage)
}

// persistFailing wraps a certificates.Service and fails every status write.
type persistFailing struct {
	certificates.Service
}

func (p persistFailing) MarkSigned(context.Context, string, certificates.Transition) error {
	return errors.New("database is read-only")
}

func (p persistFailing) MarkFailed(context.Context, string, string) error {
	return errors.New("database is read-only")
}

func TestSignOnePersistenceFailureKeepsSigningOutcome(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 2)
	f.signer.fail["cert-02"] = apperrors.DocumentFormat("not a pdf", nil)

	service := NewService(Deps{
		Certificates: persistFailing{f.certs},
		Signer:       f.signer,
		Artifacts:    f.artifacts,
		Retrier:      NewRetrier(DefaultRetryPolicy(), (&recordingSleeper{}).Sleep, zap.NewNop()),
		Logger:       zap.NewNop(),
	}, DefaultOptions())

	ok := service.SignOne(context.Background(), signerCaller.Email, items[0])
	assert.True(t, ok.Succeeded())
	assert.Error(t, ok.PersistErr)
	require.NotEmpty(t, ok.DocumentRef)
	// the signed document is still retrievable through the reported reference
	stored, err := f.artifacts.Get(context.Background(), ok.DocumentRef)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(stored, []byte("%signed")))

	failed := service.SignOne(context.Background(), signerCaller.Email, items[1])
	assert.ErrorIs(t, failed.SignErr, apperrors.ErrDocumentFormat)
	assert.Error(t, failed.PersistErr)
}

// lateWriter simulates a concurrent signer settling the record between
// this attempt's start and its status write.
type lateWriter struct {
	certificates.Service
}

func (l lateWriter) MarkSigned(ctx context.Context, id string, _ certificates.Transition) error {
	return apperrors.State(fmt.Sprintf("certificate %s is signed, cannot move to signed", id), nil)
}

// uploadLog remembers every stored reference.
type uploadLog struct {
	storage.ArtifactStore
	mu   sync.Mutex
	refs []string
}

func (u *uploadLog) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ref, err := u.ArtifactStore.Put(ctx, key, data, contentType)
	u.mu.Lock()
	u.refs = append(u.refs, ref)
	u.mu.Unlock()
	return ref, err
}

func TestSignOneLosingConcurrentWriterIsNotASuccess(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 1)
	uploads := &uploadLog{ArtifactStore: f.artifacts}

	service := NewService(Deps{
		Certificates: lateWriter{f.certs},
		Signer:       f.signer,
		Artifacts:    uploads,
		Retrier:      NewRetrier(DefaultRetryPolicy(), (&recordingSleeper{}).Sleep, zap.NewNop()),
		Logger:       zap.NewNop(),
	}, DefaultOptions())

	out := service.SignOne(context.Background(), signerCaller.Email, items[0])
	assert.False(t, out.Succeeded())
	assert.ErrorIs(t, out.SignErr, apperrors.ErrState)
	assert.NoError(t, out.PersistErr)
	assert.Empty(t, out.DocumentRef)

	// the losing upload is removed
	require.Len(t, uploads.refs, 1)
	_, err := f.artifacts.Get(context.Background(), uploads.refs[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)

	o := NewOrchestrator(service, allowAll{}, (&pauseCounter{}).Sleep, zap.NewNop())
	result, err := o.Run(context.Background(), signerCaller, items, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
}

func TestBatchIsolatesItemFailures(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 5)
	f.signer.fail["cert-03"] = apperrors.DocumentFormat("unexpected end of file", nil)

	pauses := &pauseCounter{}
	o := NewOrchestrator(f.service, allowAll{}, pauses.Sleep, zap.NewNop())
	result, err := o.Run(context.Background(), signerCaller, items, BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, 4, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "cert-03", result.Errors[0].CertificateID)
	assert.Equal(t, 1, result.Chunks)
	assert.Empty(t, pauses.pauses)

	for _, it := range items {
		want := certificates.StatusSigned
		if it.CertificateID == "cert-03" {
			want = certificates.StatusError
		}
		assert.Equal(t, want, f.status(t, it.CertificateID).Status, it.CertificateID)
	}
}

func TestBatchTwelveItemsInThreeChunks(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 12)
	f.signer.fail["cert-07"] = apperrors.DocumentFormat("malformed cross-reference table", nil)

	pauses := &pauseCounter{}
	var mu sync.Mutex
	chunkSizes := map[int]int{}
	o := NewOrchestrator(f.service, allowAll{}, pauses.Sleep, zap.NewNop()).
		WithProgress(func(p Progress) {
			mu.Lock()
			chunkSizes[p.Chunk]++
			mu.Unlock()
		})

	result, err := o.Run(context.Background(), signerCaller, items, BatchOptions{ChunkSize: 5, ChunkPause: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 11, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "cert-07", result.Errors[0].CertificateID)
	assert.Contains(t, result.Errors[0].Error, "document_format_error")
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, map[int]int{1: 5, 2: 5, 3: 2}, chunkSizes)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, pauses.pauses)
	assert.Equal(t, certificates.StatusError, f.status(t, "cert-07").Status)
}

func TestBatchRejectsStructurallyInvalidRequests(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 1)
	o := NewOrchestrator(f.service, allowAll{}, (&pauseCounter{}).Sleep, zap.NewNop())

	_, err := o.Run(context.Background(), signerCaller, nil, BatchOptions{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = o.Run(context.Background(), signerCaller, []Item{{}}, BatchOptions{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = o.Run(context.Background(), signerCaller, []Item{items[0], items[0]}, BatchOptions{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Contains(t, err.Error(), "cert-01 is listed more than once")
	assert.Empty(t, f.signer.calls)

	unconfigured := NewService(Deps{Certificates: f.certs, Artifacts: f.artifacts, Logger: zap.NewNop()}, DefaultOptions())
	_, err = NewOrchestrator(unconfigured, allowAll{}, nil, zap.NewNop()).Run(context.Background(), signerCaller, items, BatchOptions{})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestBatchRejectsUnauthorizedCallerBeforeAnyChunk(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 3)
	o := NewOrchestrator(f.service, denyAll{}, (&pauseCounter{}).Sleep, zap.NewNop())

	_, err := o.Run(context.Background(), signerCaller, items, BatchOptions{})
	assert.ErrorIs(t, err, apperrors.ErrAuthorization)
	_, err = o.Run(context.Background(), nil, items, BatchOptions{})
	assert.ErrorIs(t, err, apperrors.ErrAuthorization)

	assert.Empty(t, f.signer.calls)
	assert.Equal(t, certificates.StatusPending, f.status(t, "cert-01").Status)
}

func TestBatchStopsAtChunkBoundaryWhenCancelled(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 7)

	ctx, cancel := context.WithCancel(context.Background())
	o := NewOrchestrator(f.service, allowAll{}, func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}, zap.NewNop())

	result, err := o.Run(ctx, signerCaller, items, BatchOptions{ChunkSize: 5})
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, 1, result.Chunks)
	assert.Equal(t, 5, result.SuccessCount)
	assert.Equal(t, 2, result.FailureCount)
	assert.Equal(t, certificates.StatusPending, f.status(t, "cert-06").Status)
}

func TestPartition(t *testing.T) {
	items := make([]Item, 12)
	chunks := partition(items, 5)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 5)
	assert.Len(t, chunks[1], 5)
	assert.Len(t, chunks[2], 2)
}
