package certificates

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx/types"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/pkg/workflows"
)

// lifecycle: signed is terminal; only deleting the record removes it.
var lifecycle = workflows.NewStateMachine(map[string][]string{
	string(StatusPending): {string(StatusSigned), string(StatusError)},
	string(StatusError):   {string(StatusPending), string(StatusSigned)},
	string(StatusSigned):  {},
})

// maxErrorMessage bounds the stored failure text.
const maxErrorMessage = 500

// Transition is a status change together with every column the record
// invariant ties to it.
type Transition struct {
	To            Status
	DocumentRef   *string
	SignedAt      *time.Time
	ErrorMessage  *string
	SignatureInfo types.JSONText
}

// From lists the statuses the transition may be applied to.
func (t Transition) From() []Status {
	src := lifecycle.Sources(string(t.To))
	out := make([]Status, len(src))
	for i, s := range src {
		out[i] = Status(s)
	}
	return out
}

// Signed moves a record to signed. documentRef must be set.
func Signed(documentRef string, at time.Time, info types.JSONText) (Transition, error) {
	if strings.TrimSpace(documentRef) == "" {
		return Transition{}, apperrors.State("signed certificate requires a document reference", nil)
	}
	if at.IsZero() {
		return Transition{}, apperrors.State("signed certificate requires a signing time", nil)
	}
	at = at.UTC()
	if len(info) == 0 {
		info = types.JSONText("{}")
	}
	return Transition{To: StatusSigned, DocumentRef: &documentRef, SignedAt: &at, SignatureInfo: info}, nil
}

// Failed moves a record to error, clearing any document reference.
func Failed(message string) Transition {
	if message == "" {
		message = "unknown error"
	}
	message = truncateRunes(message, maxErrorMessage)
	return Transition{To: StatusError, ErrorMessage: &message, SignatureInfo: types.JSONText("{}")}
}

// truncateRunes cuts s to at most limit bytes without splitting a rune.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Retry moves an errored record back to pending and clears the message.
func Retry() Transition {
	return Transition{To: StatusPending, SignatureInfo: types.JSONText("{}")}
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status Status) bool {
	return lifecycle.IsTerminal(string(status))
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	return lifecycle.CanTransition(string(from), string(to))
}

// Apply returns a copy of c after the transition, or a StateError when the
// lifecycle forbids it.
func Apply(c Certificate, t Transition) (Certificate, error) {
	if !CanTransition(c.Status, t.To) {
		return c, apperrors.State(fmt.Sprintf("certificate %s cannot move from %s to %s", c.ID, c.Status, t.To), nil)
	}
	c.Status = t.To
	c.DocumentRef = t.DocumentRef
	c.SignedAt = t.SignedAt
	c.ErrorMessage = t.ErrorMessage
	c.SignatureInfo = t.SignatureInfo
	return c, nil
}

// CheckInvariant verifies that status and artifact columns agree.
func CheckInvariant(c Certificate) error {
	hasDoc := c.DocumentRef != nil && *c.DocumentRef != ""
	switch c.Status {
	case StatusSigned:
		if !hasDoc || c.SignedAt == nil {
			return fmt.Errorf("certificate %s is signed without document or signing time", c.ID)
		}
	case StatusError, StatusPending:
		if hasDoc || c.SignedAt != nil {
			return fmt.Errorf("certificate %s is %s but carries a document", c.ID, c.Status)
		}
	default:
		return fmt.Errorf("certificate %s has unknown status %q", c.ID, c.Status)
	}
	return nil
}
