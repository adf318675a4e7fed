package notifications

import "time"

// Recipient is one addressee of a certificate email.
type Recipient struct {
	Email          string `json:"email"`
	GuestName      string `json:"guestName"`
	EventName      string `json:"eventName"`
	CertificateURL string `json:"certificateUrl"`
}

// SendRequest names recipients directly or by certificate id. Ids are
// resolved to signed records and their download links.
type SendRequest struct {
	Recipients     []Recipient `json:"recipients"`
	CertificateIDs []string    `json:"certificateIds"`
}

// EmailResult is the delivery outcome for one recipient.
type EmailResult struct {
	Email         string `json:"email"`
	CertificateID string `json:"certificateId,omitempty"`
	Success       bool   `json:"success"`
	MessageID     string `json:"messageId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// SendSummary counts results.
type SendSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// SendResponse is returned by the send-email endpoint.
type SendResponse struct {
	Success bool          `json:"success"`
	Results []EmailResult `json:"results"`
	Summary SendSummary   `json:"summary"`
}

// Summarize counts successes and failures.
func Summarize(results []EmailResult) SendSummary {
	s := SendSummary{Total: len(results)}
	for _, r := range results {
		if r.Success {
			s.Successful++
		} else {
			s.Failed++
		}
	}
	return s
}

// Event types published to the fan-out topic.
const (
	EventBatchCompleted = "certificate.batch_completed"
)

// BatchCompletedEvent is the payload published when a batch run ends.
type BatchCompletedEvent struct {
	Type         string    `json:"type"`
	BatchID      string    `json:"batchId"`
	Actor        string    `json:"actor"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	Cancelled    bool      `json:"cancelled,omitempty"`
	FailedIDs    []string  `json:"failedIds,omitempty"`
	CompletedAt  time.Time `json:"completedAt"`
}
