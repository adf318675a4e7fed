package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/certificates"
	"event-certs/certificate-backend/internal/signing"
)

// Lister finds records to re-drive.
type Lister interface {
	List(ctx context.Context, filter certificates.Filter) ([]certificates.Certificate, error)
}

// BatchRunner signs a batch.
type BatchRunner interface {
	Run(ctx context.Context, caller *auth.Caller, items []signing.Item, opts signing.BatchOptions) (*signing.BatchResult, error)
}

// ResignConfig configuration for the re-sign worker
type ResignConfig struct {
	// Schedule is a standard five-field cron expression.
	Schedule   string
	Limit      int
	ChunkSize  int
	ChunkPause time.Duration
	// Actor must be an authorized signer; batches run under its identity.
	Actor      string
	RunTimeout time.Duration
}

// DefaultResignConfig returns default configuration
func DefaultResignConfig() ResignConfig {
	return ResignConfig{
		Schedule:   "*/15 * * * *",
		Limit:      100,
		ChunkSize:  signing.DefaultChunkSize,
		ChunkPause: signing.DefaultChunkPause,
		Actor:      "resign-worker",
		RunTimeout: 30 * time.Minute,
	}
}

// ResignWorker periodically re-drives certificates left in the error status
// through the batch orchestrator.
type ResignWorker struct {
	cron   *cron.Cron
	lister Lister
	runner BatchRunner
	config ResignConfig
	logger *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewResignWorker creates a new re-sign worker
func NewResignWorker(lister Lister, runner BatchRunner, config ResignConfig, logger *zap.Logger) *ResignWorker {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &ResignWorker{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger)), cron.WithLogger(cronLogger)),
		lister: lister,
		runner: runner,
		config: config,
		logger: logger,
	}
}

// Start schedules the job and returns immediately.
func (w *ResignWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("resign worker already running")
	}

	_, err := w.cron.AddFunc(w.config.Schedule, func() {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("Re-sign run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid resign schedule %q: %w", w.config.Schedule, err)
	}

	w.logger.Info("Starting resign worker",
		zap.String("schedule", w.config.Schedule),
		zap.Int("limit", w.config.Limit))
	w.cron.Start()
	w.running = true
	return nil
}

// Stop stops scheduling and waits for a running job to finish.
func (w *ResignWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	<-w.cron.Stop().Done()
	w.running = false
	w.logger.Info("Resign worker stopped")
}

// RunOnce re-drives up to Limit errored certificates. It returns nil when
// there was nothing to do.
func (w *ResignWorker) RunOnce(ctx context.Context) (*signing.BatchResult, error) {
	if w.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.RunTimeout)
		defer cancel()
	}

	errored, err := w.lister.List(ctx, certificates.Filter{Status: certificates.StatusError, Limit: w.config.Limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list errored certificates: %w", err)
	}
	if len(errored) == 0 {
		return nil, nil
	}

	items := make([]signing.Item, len(errored))
	for i, c := range errored {
		items[i] = signing.Item{CertificateID: c.ID}
	}

	w.logger.Info("Re-signing errored certificates", zap.Int("count", len(items)))
	start := time.Now()
	result, err := w.runner.Run(ctx, &auth.Caller{Email: w.config.Actor, Role: auth.RoleSigner}, items, signing.BatchOptions{
		ChunkSize:  w.config.ChunkSize,
		ChunkPause: w.config.ChunkPause,
		BatchID:    "resign-" + uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	w.logger.Info("Re-sign run completed",
		zap.String("batch_id", result.BatchID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}
