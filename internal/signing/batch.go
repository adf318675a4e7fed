package signing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/audit"
	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/metrics"
)

const (
	DefaultChunkSize  = 5
	DefaultChunkPause = time.Second
	MaxChunkSize      = 25
)

// SignerSet confirms that a caller still belongs to the signer role.
type SignerSet interface {
	IsAuthorized(ctx context.Context, email string) (bool, error)
}

// ItemSigner signs a single item.
type ItemSigner interface {
	Configured() bool
	SignOne(ctx context.Context, actor string, item Item) ItemOutcome
}

// BatchOptions tunes one run.
type BatchOptions struct {
	ChunkSize  int
	ChunkPause time.Duration
	// BatchID labels progress events.
	BatchID string
}

// ItemError is the per-item failure reported to callers.
type ItemError struct {
	CertificateID string `json:"certificateId"`
	Error         string `json:"error"`
}

// BatchResult aggregates a run. Persistence errors are listed apart from
// signing failures and do not change the success count.
type BatchResult struct {
	BatchID           string      `json:"batchId,omitempty"`
	SuccessCount      int         `json:"successCount"`
	FailureCount      int         `json:"failureCount"`
	Errors            []ItemError `json:"errors"`
	PersistenceErrors []ItemError `json:"persistenceErrors,omitempty"`
	Chunks            int         `json:"chunks"`
	Cancelled         bool        `json:"cancelled,omitempty"`
}

// Progress describes one settled item.
type Progress struct {
	BatchID       string `json:"batchId"`
	CertificateID string `json:"certificateId"`
	Chunk         int    `json:"chunk"`
	Completed     int    `json:"completed"`
	Total         int    `json:"total"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// ProgressFunc receives progress from concurrent goroutines and must be
// safe for concurrent use.
type ProgressFunc func(Progress)

// CompletionFunc receives the aggregate once a run ends.
type CompletionFunc func(ctx context.Context, caller *auth.Caller, result BatchResult)

// Orchestrator runs batches: chunks in sequence with a pause between them,
// items within a chunk in parallel.
type Orchestrator struct {
	signer     ItemSigner
	signers    SignerSet
	sleep      Sleeper
	progress   ProgressFunc
	onComplete CompletionFunc
	audit      audit.Recorder
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewOrchestrator(signer ItemSigner, signers SignerSet, sleep Sleeper, logger *zap.Logger) *Orchestrator {
	if sleep == nil {
		sleep = ContextSleep
	}
	return &Orchestrator{
		signer:  signer,
		signers: signers,
		sleep:   sleep,
		audit:   audit.Nop{},
		logger:  logger,
	}
}

// WithProgress sets the per-item progress callback.
func (o *Orchestrator) WithProgress(fn ProgressFunc) *Orchestrator {
	o.progress = fn
	return o
}

// WithCompletion sets the callback run after each batch.
func (o *Orchestrator) WithCompletion(fn CompletionFunc) *Orchestrator {
	o.onComplete = fn
	return o
}

func (o *Orchestrator) WithAudit(r audit.Recorder) *Orchestrator {
	o.audit = r
	return o
}

func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// Run signs items. Only a malformed request, missing configuration or an
// unauthorized caller fail the call; item failures are reported in the
// result.
func (o *Orchestrator) Run(ctx context.Context, caller *auth.Caller, items []Item, opts BatchOptions) (*BatchResult, error) {
	if len(items) == 0 {
		return nil, apperrors.Validation("at least one certificate is required", nil)
	}
	seen := make(map[string]bool, len(items))
	for i, it := range items {
		if it.CertificateID == "" {
			return nil, apperrors.Validation(fmt.Sprintf("certificate %d has no certificateId", i), nil)
		}
		if seen[it.CertificateID] {
			return nil, apperrors.Validation(fmt.Sprintf("certificate %s is listed more than once", it.CertificateID), nil)
		}
		seen[it.CertificateID] = true
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize > MaxChunkSize {
		return nil, apperrors.Validation(fmt.Sprintf("chunkSize must not exceed %d", MaxChunkSize), nil)
	}
	if opts.ChunkPause < 0 {
		opts.ChunkPause = 0
	}
	if !o.signer.Configured() {
		return nil, apperrors.Configuration("container signing identity is not configured", nil)
	}
	if err := o.authorize(ctx, caller); err != nil {
		return nil, err
	}

	start := time.Now()
	chunks := partition(items, opts.ChunkSize)
	result := &BatchResult{BatchID: opts.BatchID, Errors: []ItemError{}}
	log := o.logger.With(zap.String("batch_id", opts.BatchID), zap.String("actor", caller.Email))
	log.Info("Batch signing started", zap.Int("items", len(items)), zap.Int("chunks", len(chunks)))

	completed := 0
	for i, chunk := range chunks {
		if i > 0 {
			if err := o.sleep(ctx, opts.ChunkPause); err != nil {
				o.abandon(result, chunks[i:], err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			o.abandon(result, chunks[i:], err)
			break
		}

		outcomes := o.runChunk(ctx, caller.Email, chunk)
		result.Chunks++
		for _, out := range outcomes {
			completed++
			o.collect(result, out)
			if o.progress != nil {
				p := Progress{
					BatchID:       opts.BatchID,
					CertificateID: out.CertificateID,
					Chunk:         i + 1,
					Completed:     completed,
					Total:         len(items),
					Success:       out.Succeeded(),
				}
				if out.SignErr != nil {
					p.Error = apperrors.Describe(out.SignErr)
				}
				o.progress(p)
			}
		}
		log.Debug("Chunk settled", zap.Int("chunk", i+1), zap.Int("size", len(chunk)))
	}

	elapsed := time.Since(start)
	o.metrics.ObserveBatch(elapsed, result.SuccessCount, result.FailureCount)
	log.Info("Batch signing finished",
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("persistence_errors", len(result.PersistenceErrors)),
		zap.Duration("duration", elapsed))
	o.audit.Record(context.WithoutCancel(ctx), audit.Entry{
		Action:  audit.ActionBatchSign,
		Actor:   caller.Email,
		Outcome: batchOutcome(result),
	}, result)
	if o.onComplete != nil {
		o.onComplete(context.WithoutCancel(ctx), caller, *result)
	}
	return result, nil
}

func (o *Orchestrator) authorize(ctx context.Context, caller *auth.Caller) error {
	if caller == nil || caller.Email == "" {
		return apperrors.Authorization("missing caller identity", nil)
	}
	if o.signers == nil {
		return nil
	}
	ok, err := o.signers.IsAuthorized(ctx, caller.Email)
	if err != nil {
		return fmt.Errorf("failed to check signer role: %w", err)
	}
	if !ok {
		return apperrors.Authorization(apperrors.ForbiddenMessage, nil)
	}
	return nil
}

// runChunk signs every item of chunk concurrently. Goroutines never return
// an error so one failure cannot cancel its siblings.
func (o *Orchestrator) runChunk(ctx context.Context, actor string, chunk []Item) []ItemOutcome {
	outcomes := make([]ItemOutcome, len(chunk))
	var g errgroup.Group
	g.SetLimit(len(chunk))
	for i, it := range chunk {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = ItemOutcome{
						CertificateID: it.CertificateID,
						SignErr:       fmt.Errorf("signing panicked: %v", r),
					}
				}
			}()
			outcomes[i] = o.signer.SignOne(ctx, actor, it)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) collect(result *BatchResult, out ItemOutcome) {
	if out.SignErr != nil {
		result.FailureCount++
		result.Errors = append(result.Errors, ItemError{
			CertificateID: out.CertificateID,
			Error:         apperrors.Describe(out.SignErr),
		})
	} else {
		result.SuccessCount++
	}
	if out.PersistErr != nil {
		result.PersistenceErrors = append(result.PersistenceErrors, ItemError{
			CertificateID: out.CertificateID,
			Error:         apperrors.Describe(out.PersistErr),
		})
	}
}

// abandon reports every item of the remaining chunks as failed with err.
// Their records are left untouched.
func (o *Orchestrator) abandon(result *BatchResult, remaining [][]Item, err error) {
	result.Cancelled = true
	for _, chunk := range remaining {
		for _, it := range chunk {
			result.FailureCount++
			result.Errors = append(result.Errors, ItemError{
				CertificateID: it.CertificateID,
				Error:         apperrors.Describe(err),
			})
		}
	}
	o.logger.Warn("Batch signing cancelled", zap.Error(err))
}

func batchOutcome(r *BatchResult) string {
	if r.FailureCount == 0 {
		return audit.OutcomeSucceeded
	}
	return audit.OutcomeFailed
}

func partition(items []Item, size int) [][]Item {
	chunks := make([][]Item, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
