package workers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/certificates"
	"event-certs/certificate-backend/internal/signing"
)

// MockLister is a mock implementation of Lister
type MockLister struct {
	mock.Mock
}

func (m *MockLister) List(ctx context.Context, filter certificates.Filter) ([]certificates.Certificate, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]certificates.Certificate), args.Error(1)
}

// MockRunner is a mock implementation of BatchRunner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, caller *auth.Caller, items []signing.Item, opts signing.BatchOptions) (*signing.BatchResult, error) {
	args := m.Called(ctx, caller, items, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*signing.BatchResult), args.Error(1)
}

func TestRunOnceRedrivesErroredCertificates(t *testing.T) {
	lister := new(MockLister)
	runner := new(MockRunner)
	cfg := DefaultResignConfig()
	cfg.Limit = 2
	w := NewResignWorker(lister, runner, cfg, zap.NewNop())

	lister.On("List", mock.Anything, certificates.Filter{Status: certificates.StatusError, Limit: 2}).
		Return([]certificates.Certificate{{ID: "c1"}, {ID: "c2"}}, nil)
	runner.On("Run", mock.Anything,
		mock.MatchedBy(func(c *auth.Caller) bool { return c.Email == "resign-worker" }),
		[]signing.Item{{CertificateID: "c1"}, {CertificateID: "c2"}},
		mock.MatchedBy(func(o signing.BatchOptions) bool {
			return o.ChunkSize == signing.DefaultChunkSize && strings.HasPrefix(o.BatchID, "resign-")
		}),
	).Return(&signing.BatchResult{BatchID: "resign-1", SuccessCount: 2}, nil)

	result, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	lister.AssertExpectations(t)
	runner.AssertExpectations(t)
}

func TestRunOnceWithNothingToDo(t *testing.T) {
	lister := new(MockLister)
	runner := new(MockRunner)
	w := NewResignWorker(lister, runner, DefaultResignConfig(), zap.NewNop())

	lister.On("List", mock.Anything, mock.Anything).Return([]certificates.Certificate{}, nil)

	result, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunOncePropagatesErrors(t *testing.T) {
	lister := new(MockLister)
	runner := new(MockRunner)
	w := NewResignWorker(lister, runner, DefaultResignConfig(), zap.NewNop())

	lister.On("List", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
	_, err := w.RunOnce(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := DefaultResignConfig()
	cfg.Schedule = "every now and then"
	w := NewResignWorker(new(MockLister), new(MockRunner), cfg, zap.NewNop())
	assert.Error(t, w.Start(context.Background()))

	cfg.Schedule = "@every 1h"
	w = NewResignWorker(new(MockLister), new(MockRunner), cfg, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
