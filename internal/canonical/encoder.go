// Package canonical produces the deterministic byte form of a certificate's
// signed fields.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the schema byte prepended to versioned encodings.
const Version byte = 0x01

// Fields is the tuple covered by a certificate's data signature.
type Fields struct {
	Name        string
	StudentID   string
	Course      string
	Part        int
	Group       string
	EventID     string
	EventDate   Date
	TemplateRef string
}

// fieldOrder is the single definition of key order for signer and verifier.
var fieldOrder = []string{
	"name",
	"studentID",
	"course",
	"part",
	"group",
	"eventId",
	"eventDate",
	"certificateTemplate",
}

// Keys returns the encoded key names in signing order.
func Keys() []string {
	out := make([]string, len(fieldOrder))
	copy(out, fieldOrder)
	return out
}

func (f Fields) value(key string) interface{} {
	switch key {
	case "name":
		return f.Name
	case "studentID":
		return f.StudentID
	case "course":
		return f.Course
	case "part":
		return f.Part
	case "group":
		return f.Group
	case "eventId":
		return f.EventID
	case "eventDate":
		return f.EventDate.String()
	case "certificateTemplate":
		return f.TemplateRef
	}
	return nil
}

// Validate rejects tuples that can never be signed.
func (f Fields) Validate() error {
	if f.Part < 0 {
		return fmt.Errorf("part must be >= 0, got %d", f.Part)
	}
	if f.EventDate.IsZero() {
		return fmt.Errorf("eventDate is required")
	}
	if strings.TrimSpace(f.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	return nil
}

// Encode returns the version-1 canonical bytes: the schema version byte
// followed by the compact JSON object.
func Encode(f Fields) []byte {
	body := encodeObject(f)
	out := make([]byte, 0, len(body)+1)
	out = append(out, Version)
	return append(out, body...)
}

// EncodeLegacy returns the unversioned JSON object used by signatures
// issued before the schema byte existed.
func EncodeLegacy(f Fields) []byte {
	return encodeObject(f)
}

func encodeObject(f Fields) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range fieldOrder {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(&buf, key)
		buf.WriteByte(':')
		switch v := f.value(key).(type) {
		case int:
			buf.WriteString(strconv.Itoa(v))
		case string:
			writeString(&buf, v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
}

// Date is a calendar date without a time of day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a Date from its parts.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// DateOf takes the calendar date of t in UTC.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate accepts YYYY-MM-DD or an RFC3339 timestamp; timestamps are
// reduced to their UTC date.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return DateOf(t), nil
	}
	return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// String renders the ISO-8601 calendar form.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
