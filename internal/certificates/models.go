package certificates

import (
	"time"

	"github.com/jmoiron/sqlx/types"

	"event-certs/certificate-backend/internal/canonical"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSigned  Status = "signed"
	StatusError   Status = "error"
)

// Certificate is one participant's certificate for one event.
type Certificate struct {
	ID         string `json:"id" db:"id"`
	EventID    string `json:"eventId" db:"event_id"`
	EventName  string `json:"eventName" db:"event_name"`
	StudentID  string `json:"studentID" db:"student_id"`
	Email      string `json:"email" db:"email"`
	CertNumber string `json:"certId,omitempty" db:"cert_number"`

	Name        string `json:"name" db:"name"`
	Course      string `json:"course" db:"course"`
	Part        int    `json:"part" db:"part"`
	Group       string `json:"group" db:"group_name"`
	EventDate   string `json:"eventDate" db:"event_date"`
	TemplateRef string `json:"certificateTemplate" db:"template_ref"`

	DataSignature *string `json:"dataSignature,omitempty" db:"data_signature"`

	Status        Status         `json:"status" db:"status"`
	DocumentRef   *string        `json:"signedPdfUrl,omitempty" db:"document_ref"`
	SignedAt      *time.Time     `json:"signedAt,omitempty" db:"signed_at"`
	ErrorMessage  *string        `json:"errorMessage,omitempty" db:"error_message"`
	SignatureInfo types.JSONText `json:"signatureInfo" db:"signature_info"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Fields returns the tuple covered by the data signature.
func (c *Certificate) Fields() (canonical.Fields, error) {
	date, err := canonical.ParseDate(c.EventDate)
	if err != nil {
		return canonical.Fields{}, err
	}
	return canonical.Fields{
		Name:        c.Name,
		StudentID:   c.StudentID,
		Course:      c.Course,
		Part:        c.Part,
		Group:       c.Group,
		EventID:     c.EventID,
		EventDate:   date,
		TemplateRef: c.TemplateRef,
	}, nil
}

// Filter narrows a listing. Empty fields are ignored.
type Filter struct {
	EventID string
	Status  Status
	Limit   int
}

// Participant is the input row for issuing a certificate.
type Participant struct {
	Name       string `json:"name" binding:"required"`
	StudentID  string `json:"studentID" binding:"required"`
	Email      string `json:"email"`
	Course     string `json:"course"`
	Part       int    `json:"part"`
	Group      string `json:"group"`
	CertNumber string `json:"certId"`
}

// CreateRequest issues certificates for participants of one event.
type CreateRequest struct {
	EventID      string        `json:"eventId"`
	EventName    string        `json:"eventName" binding:"required"`
	EventDate    string        `json:"eventDate" binding:"required"`
	TemplateRef  string        `json:"certificateTemplate"`
	Participants []Participant `json:"participants" binding:"required,min=1,dive"`
}

// DataVerification is the advisory outcome of checking a data signature.
type DataVerification struct {
	CertificateID string `json:"certificateId"`
	HasSignature  bool   `json:"hasSignature"`
	Valid         bool   `json:"valid"`
}

// StatusSummary counts certificates per status for an event.
type StatusSummary struct {
	EventID string         `json:"eventId"`
	Total   int            `json:"total"`
	Counts  map[Status]int `json:"counts"`
}
