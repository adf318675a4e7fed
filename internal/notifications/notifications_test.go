package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/certificates"
	"event-certs/certificate-backend/internal/notifications/websocket"
	"event-certs/certificate-backend/internal/signing"
)

// MockSES is a mock implementation of SESAPI
type MockSES struct {
	mock.Mock
}

func (m *MockSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sesv2.SendEmailOutput), args.Error(1)
}

// MockSNS is a mock implementation of SNSAPI
type MockSNS struct {
	mock.Mock
}

func (m *MockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.PublishOutput), args.Error(1)
}

type pauseCounter struct {
	mu     sync.Mutex
	pauses []time.Duration
	err    error
}

func (p *pauseCounter) sleep(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses = append(p.pauses, d)
	return p.err
}

type recordingHub struct {
	mu       sync.Mutex
	messages []websocket.Message
}

func (h *recordingHub) Publish(msg websocket.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return nil
}

type lookup map[string]*certificates.Certificate

func (l lookup) Get(_ context.Context, id string) (*certificates.Certificate, error) {
	c, ok := l[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("certificate %s not found", id), nil)
	}
	return c, nil
}

func recipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{
			Email:          fmt.Sprintf("guest%03d@example.com", i),
			GuestName:      fmt.Sprintf("Guest %d", i),
			EventName:      "Programming Carnival",
			CertificateURL: fmt.Sprintf("https://certs.example.com/%d", i),
		}
	}
	return out
}

func to(params *sesv2.SendEmailInput) string {
	return params.Destination.ToAddresses[0]
}

func TestEmailDistributorBatchesAndIsolatesFailures(t *testing.T) {
	ses := new(MockSES)
	pauses := &pauseCounter{}
	d := NewEmailDistributor(ses, "certs@example.com", "", pauses.sleep, zap.NewNop())

	ses.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *sesv2.SendEmailInput) bool {
		return to(in) == "guest007@example.com"
	})).Return(nil, errors.New("MessageRejected: address blacklisted"))
	ses.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *sesv2.SendEmailInput) bool {
		return to(in) != "guest007@example.com"
	})).Return(&sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil)

	results, err := d.Send(context.Background(), recipients(120))
	require.NoError(t, err)
	require.Len(t, results, 120)

	assert.Equal(t, []time.Duration{EmailBatchPause, EmailBatchPause}, pauses.pauses)
	assert.Equal(t, SendSummary{Total: 120, Successful: 119, Failed: 1}, Summarize(results))
	assert.Equal(t, "guest007@example.com", results[7].Email)
	assert.False(t, results[7].Success)
	assert.Equal(t, "failed to send email", results[7].Error)
	assert.Equal(t, "msg-1", results[8].MessageID)
	ses.AssertNumberOfCalls(t, "SendEmail", 120)
}

func TestEmailDistributorMessageContent(t *testing.T) {
	ses := new(MockSES)
	d := NewEmailDistributor(ses, "certs@example.com", "tracking", (&pauseCounter{}).sleep, zap.NewNop())

	var sent *sesv2.SendEmailInput
	ses.On("SendEmail", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1).(*sesv2.SendEmailInput)
	}).Return(&sesv2.SendEmailOutput{}, nil)

	r := Recipient{Email: "nurul@example.com", GuestName: "Nurul <Aina>", EventName: "Programming Carnival", CertificateURL: "https://certs.example.com/c1"}
	results, err := d.Send(context.Background(), []Recipient{r})
	require.NoError(t, err)
	require.True(t, results[0].Success)

	require.NotNil(t, sent)
	assert.Equal(t, "certs@example.com", *sent.FromEmailAddress)
	assert.Equal(t, "tracking", *sent.ConfigurationSetName)
	assert.Equal(t, "Your Certificate for Programming Carnival is Ready", *sent.Content.Simple.Subject.Data)
	html := *sent.Content.Simple.Body.Html.Data
	assert.Contains(t, html, `href="https://certs.example.com/c1"`)
	assert.Contains(t, html, "Nurul &lt;Aina&gt;")
	assert.Contains(t, *sent.Content.Simple.Body.Text.Data, "https://certs.example.com/c1")
}

func TestEmailDistributorValidatesRecipients(t *testing.T) {
	ses := new(MockSES)
	d := NewEmailDistributor(ses, "certs@example.com", "", (&pauseCounter{}).sleep, zap.NewNop())

	results, err := d.Send(context.Background(), []Recipient{
		{Email: "not-an-address", CertificateURL: "https://x"},
		{Email: "a@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, SendSummary{Total: 2, Failed: 2}, Summarize(results))
	ses.AssertNotCalled(t, "SendEmail", mock.Anything, mock.Anything)
}

func TestEmailDistributorStopsOnCancelledPause(t *testing.T) {
	ses := new(MockSES)
	ses.On("SendEmail", mock.Anything, mock.Anything).Return(&sesv2.SendEmailOutput{}, nil)
	pauses := &pauseCounter{err: context.Canceled}
	d := NewEmailDistributor(ses, "certs@example.com", "", pauses.sleep, zap.NewNop())

	results, err := d.Send(context.Background(), recipients(60))
	require.NoError(t, err)
	assert.Equal(t, SendSummary{Total: 60, Successful: 50, Failed: 10}, Summarize(results))
	assert.True(t, strings.HasPrefix(results[59].Error, "cancelled"))
}

func TestEmailDistributorUnconfigured(t *testing.T) {
	d := NewEmailDistributor(nil, "", "", nil, zap.NewNop())
	_, err := d.Send(context.Background(), recipients(1))
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestSendCertificatesResolvesIDs(t *testing.T) {
	ses := new(MockSES)
	ses.On("SendEmail", mock.Anything, mock.Anything).Return(&sesv2.SendEmailOutput{MessageId: aws.String("m")}, nil)
	d := NewEmailDistributor(ses, "certs@example.com", "", (&pauseCounter{}).sleep, zap.NewNop())

	ref := "s3://certs/certificates/c1/a.pdf"
	certs := lookup{
		"c1": {ID: "c1", Email: "nurul@example.com", Name: "Nurul Aina", EventName: "Programming Carnival", Status: certificates.StatusSigned, DocumentRef: &ref},
		"c2": {ID: "c2", Email: "lim@example.com", Status: certificates.StatusPending},
		"c3": {ID: "c3", Status: certificates.StatusSigned, DocumentRef: &ref},
	}
	svc := NewService(d, nil, nil, certs, nil, Config{DownloadBaseURL: "https://certs.example.com/"}, zap.NewNop())

	resp, err := svc.SendCertificates(context.Background(), "admin@example.com", SendRequest{
		Recipients:     recipients(1),
		CertificateIDs: []string{"c1", "c2", "c3", "missing"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, SendSummary{Total: 5, Successful: 2, Failed: 3}, resp.Summary)

	byID := map[string]EmailResult{}
	for _, r := range resp.Results {
		byID[r.CertificateID] = r
	}
	assert.True(t, byID["c1"].Success)
	assert.Equal(t, "nurul@example.com", byID["c1"].Email)
	assert.Contains(t, byID["c2"].Error, "state_error")
	assert.Contains(t, byID["c3"].Error, "validation_error")
	assert.Contains(t, byID["missing"].Error, "not_found")

	ses.AssertCalled(t, "SendEmail", mock.Anything, mock.MatchedBy(func(in *sesv2.SendEmailInput) bool {
		return to(in) == "nurul@example.com" &&
			strings.Contains(*in.Content.Simple.Body.Html.Data, "https://certs.example.com/api/v1/certificates/c1/download")
	}))
}

func TestSendCertificatesValidation(t *testing.T) {
	d := NewEmailDistributor(new(MockSES), "certs@example.com", "", (&pauseCounter{}).sleep, zap.NewNop())
	svc := NewService(d, nil, nil, lookup{}, nil, Config{}, zap.NewNop())

	_, err := svc.SendCertificates(context.Background(), "a@example.com", SendRequest{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = svc.SendCertificates(context.Background(), "a@example.com", SendRequest{Recipients: recipients(MaxRecipients + 1)})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSNSPublisher(t *testing.T) {
	client := new(MockSNS)
	p := NewSNSPublisher(client, "arn:aws:sns:ap-southeast-1:123456789012:certificates", zap.NewNop())

	client.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		var ev BatchCompletedEvent
		if err := json.Unmarshal([]byte(*in.Message), &ev); err != nil {
			return false
		}
		attr := in.MessageAttributes["event_type"]
		return ev.Type == EventBatchCompleted && ev.BatchID == "b1" && ev.SuccessCount == 4 &&
			*attr.StringValue == EventBatchCompleted && *in.TopicArn == "arn:aws:sns:ap-southeast-1:123456789012:certificates"
	})).Return(&sns.PublishOutput{MessageId: aws.String("m1")}, nil)

	require.NoError(t, p.PublishBatchCompleted(context.Background(), BatchCompletedEvent{BatchID: "b1", SuccessCount: 4}))
	client.AssertExpectations(t)

	assert.IsType(t, NopPublisher{}, NewSNSPublisher(nil, "arn", zap.NewNop()))
	assert.IsType(t, NopPublisher{}, NewSNSPublisher(client, "", zap.NewNop()))
}

func TestBatchHooks(t *testing.T) {
	client := new(MockSNS)
	client.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))
	hub := &recordingHub{}
	svc := NewService(nil, NewSNSPublisher(client, "arn:topic", zap.NewNop()), hub, lookup{}, nil, Config{}, zap.NewNop())

	svc.BatchProgress()(signing.Progress{BatchID: "b1", CertificateID: "c1", Completed: 1, Total: 2, Success: true})
	svc.BatchCompleted()(context.Background(), &auth.Caller{Email: "admin@example.com"}, signing.BatchResult{
		BatchID:      "b1",
		SuccessCount: 1,
		FailureCount: 1,
		Errors:       []signing.ItemError{{CertificateID: "c2", Error: "document_format_error: bad"}},
	})

	require.Len(t, hub.messages, 2)
	assert.Equal(t, websocket.TypeBatchProgress, hub.messages[0].Type)
	assert.Equal(t, websocket.TypeBatchCompleted, hub.messages[1].Type)
	assert.Equal(t, "b1", hub.messages[1].BatchID)

	client.AssertCalled(t, "Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		var ev BatchCompletedEvent
		return json.Unmarshal([]byte(*in.Message), &ev) == nil &&
			ev.Actor == "admin@example.com" && len(ev.FailedIDs) == 1 && ev.FailedIDs[0] == "c2"
	}))
}

func setupAuthorizer(t *testing.T) *auth.Authorizer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	roster, err := auth.NewRoster(db)
	require.NoError(t, err)
	_, err = roster.Add(context.Background(), "admin@example.com", auth.RoleSigner)
	require.NoError(t, err)
	tokens, err := auth.NewTokenVerifier(auth.TokenConfig{Secret: "secret", Issuer: "certs"})
	require.NoError(t, err)
	return auth.NewAuthorizer(tokens, roster, zap.NewNop())
}

func TestSendEmailHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ses := new(MockSES)
	ses.On("SendEmail", mock.Anything, mock.Anything).Return(&sesv2.SendEmailOutput{}, nil)
	d := NewEmailDistributor(ses, "certs@example.com", "", (&pauseCounter{}).sleep, zap.NewNop())
	svc := NewService(d, nil, nil, lookup{}, nil, Config{}, zap.NewNop())

	hub := websocket.NewManager(nil, zap.NewNop())
	defer hub.Close()
	h := NewHandler(svc, hub, setupAuthorizer(t), zap.NewNop())
	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))
	h.RegisterWebsocket(r)

	body, err := json.Marshal(SendRequest{Recipients: recipients(2)})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/certificates/send-email", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := auth.IssueToken("secret", "admin@example.com", "certs", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/certificates/send-email", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, SendSummary{Total: 2, Successful: 2}, resp.Summary)

	// websocket requires a token even before the upgrade
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/batches", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
