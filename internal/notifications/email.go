package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"event-certs/certificate-backend/internal/apperrors"
)

const (
	// EmailBatchSize is the number of messages sent in parallel before pausing.
	EmailBatchSize = 50
	// EmailBatchPause separates consecutive batches.
	EmailBatchPause = time.Second
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

var certificateEmail = template.Must(template.New("certificate").Parse(`<!DOCTYPE html>
<html>
<body style="background:#ffffff;font-family:sans-serif">
  <div style="border:1px solid #eaeaea;border-radius:4px;margin:40px auto;padding:20px;width:465px">
    <h1 style="font-size:24px;font-weight:normal;text-align:center">Your Certificate is Ready</h1>
    <p>Dear {{if .GuestName}}{{.GuestName}}{{else}}Participant{{end}},</p>
    <p>Your certificate for <strong>{{.EventName}}</strong> has been issued and is now available.</p>
    <p>Click the link below to view and download your certificate:</p>
    <p style="text-align:center;margin:32px 0"><a href="{{.CertificateURL}}">View Certificate</a></p>
    <p style="color:#6b7280;font-size:12px">This is an automated message. Please do not reply to this email.</p>
  </div>
</body>
</html>`))

// EmailDistributor sends certificate links through SES.
type EmailDistributor struct {
	client    SESAPI
	from      string
	configSet string
	sleep     Sleeper
	logger    *zap.Logger
}

// NewEmailDistributor returns a distributor sending from the given address.
// A nil client or empty sender leaves it unconfigured.
func NewEmailDistributor(client SESAPI, from, configSet string, sleep Sleeper, logger *zap.Logger) *EmailDistributor {
	return &EmailDistributor{client: client, from: from, configSet: configSet, sleep: sleep, logger: logger}
}

// Configured reports whether emails can be sent.
func (d *EmailDistributor) Configured() bool {
	return d != nil && d.client != nil && d.from != ""
}

// Send delivers one email per recipient, EmailBatchSize at a time. A failed
// recipient does not affect the others. Results keep the input order.
func (d *EmailDistributor) Send(ctx context.Context, recipients []Recipient) ([]EmailResult, error) {
	if !d.Configured() {
		return nil, apperrors.Configuration("email configuration missing", nil)
	}

	results := make([]EmailResult, len(recipients))
	for start := 0; start < len(recipients); start += EmailBatchSize {
		if start > 0 {
			if err := d.sleep(ctx, EmailBatchPause); err != nil {
				d.skip(results[start:], recipients[start:], err)
				return results, nil
			}
		}
		end := min(start+EmailBatchSize, len(recipients))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = d.sendOne(ctx, recipients[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	s := Summarize(results)
	d.logger.Info("Certificate emails sent",
		zap.Int("total", s.Total),
		zap.Int("successful", s.Successful),
		zap.Int("failed", s.Failed))
	return results, nil
}

func (d *EmailDistributor) skip(results []EmailResult, recipients []Recipient, err error) {
	for i := range results {
		results[i] = EmailResult{Email: recipients[i].Email, Error: apperrors.Describe(err)}
	}
}

func (d *EmailDistributor) sendOne(ctx context.Context, r Recipient) EmailResult {
	res := EmailResult{Email: r.Email}
	if err := validateRecipient(r); err != nil {
		res.Error = err.Error()
		return res
	}

	var body bytes.Buffer
	if err := certificateEmail.Execute(&body, r); err != nil {
		res.Error = fmt.Sprintf("render email: %v", err)
		return res
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(d.from),
		Destination:      &sestypes.Destination{ToAddresses: []string{r.Email}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(Subject(r.EventName)), Charset: aws.String("UTF-8")},
				Body: &sestypes.Body{
					Html: &sestypes.Content{Data: aws.String(body.String()), Charset: aws.String("UTF-8")},
					Text: &sestypes.Content{Data: aws.String(plainText(r)), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if d.configSet != "" {
		input.ConfigurationSetName = aws.String(d.configSet)
	}

	out, err := d.client.SendEmail(ctx, input)
	if err != nil {
		d.logger.Warn("Failed to send certificate email", zap.String("email", r.Email), zap.Error(err))
		res.Error = "failed to send email"
		return res
	}
	res.Success = true
	if out != nil && out.MessageId != nil {
		res.MessageID = *out.MessageId
	}
	return res
}

// Subject is the email subject line for an event.
func Subject(eventName string) string {
	return fmt.Sprintf("Your Certificate for %s is Ready", eventName)
}

func plainText(r Recipient) string {
	return fmt.Sprintf("Your certificate for %s has been issued and is now available.\n\nView it at %s\n",
		r.EventName, r.CertificateURL)
}

func validateRecipient(r Recipient) error {
	email := strings.TrimSpace(r.Email)
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address %q", r.Email)
	}
	if r.CertificateURL == "" {
		return fmt.Errorf("missing certificate url")
	}
	return nil
}

