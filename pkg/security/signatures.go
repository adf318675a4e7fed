package security

import (
	"context"
	"io"
	"strings"
	"time"

	"event-certs/certificate-backend/pkg/pdf"
)

// SignatureInfo describes one signature field found in a document.
type SignatureInfo struct {
	FieldName string `json:"fieldName"`
	Signed    bool   `json:"signed"`

	Reason      string    `json:"reason,omitempty"`
	Name        string    `json:"name,omitempty"`
	Location    string    `json:"location,omitempty"`
	ContactInfo string    `json:"contactInfo,omitempty"`
	SigningTime time.Time `json:"signedAt,omitempty"`

	// Title and CertificateID come from the information dictionary.
	Title         string `json:"title,omitempty"`
	CertificateID string `json:"certificateId,omitempty"`

	SignerCommonName string `json:"signerCommonName,omitempty"`
	// IntegrityValid is nil when no CMS blob could be checked.
	IntegrityValid *bool `json:"integrityValid,omitempty"`
}

// Token returns the identifier used to look the document up, preferring
// the dedicated entry over the title.
func (s SignatureInfo) Token() string {
	if s.CertificateID != "" {
		return s.CertificateID
	}
	return s.Title
}

type Validator interface {
	ValidatePDF(ctx context.Context, pdf io.Reader) ([]SignatureInfo, error)
}

type pdfValidator struct {
	checkIntegrity bool
}

// NewValidator returns a validator. With checkIntegrity set, each signed
// field's CMS blob is verified over its byte range.
func NewValidator(checkIntegrity bool) Validator {
	return &pdfValidator{checkIntegrity: checkIntegrity}
}

// ValidatePDF lists signature fields, either named like a signature or
// typed /Sig. A document without any yields an empty slice.
func (v *pdfValidator) ValidatePDF(ctx context.Context, r io.Reader) ([]SignatureInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := pdf.Open(data)
	if err != nil {
		return nil, documentError(err)
	}
	fields, err := d.Fields()
	if err != nil {
		return nil, documentError(err)
	}
	_, info, err := d.Info()
	if err != nil {
		return nil, documentError(err)
	}

	var out []SignatureInfo
	for _, f := range fields {
		if f.Type != "Sig" && !strings.Contains(strings.ToLower(f.FullName), "signature") {
			continue
		}
		si := SignatureInfo{FieldName: f.FullName}
		if info != nil {
			si.Title = info.Text("Title")
			si.CertificateID = info.Text("CertificateID")
			si.Reason = info.Text("Subject")
			si.Name = info.Text("Author")
			si.Location = info.Text("Keywords")
			if t, err := pdf.ParseDate(info.Text("ModDate")); err == nil {
				si.SigningTime = t
			}
		}
		sig, err := d.ResolveDict(f.Dict["V"])
		if err != nil {
			return nil, documentError(err)
		}
		if sig != nil {
			si.Signed = true
			fillFromSignature(&si, sig)
			if v.checkIntegrity {
				v.verifyIntegrity(&si, sig, data)
			}
		}
		out = append(out, si)
	}
	return out, nil
}

func fillFromSignature(si *SignatureInfo, sig pdf.Dict) {
	if si.Reason == "" {
		si.Reason = sig.Text("Reason")
	}
	if si.Name == "" {
		si.Name = sig.Text("Name")
	}
	if si.Location == "" {
		si.Location = sig.Text("Location")
	}
	si.ContactInfo = sig.Text("ContactInfo")
	if si.SigningTime.IsZero() {
		if t, err := pdf.ParseDate(sig.Text("M")); err == nil {
			si.SigningTime = t
		}
	}
}

func (v *pdfValidator) verifyIntegrity(si *SignatureInfo, sig pdf.Dict, data []byte) {
	contents, ok := sig["Contents"].(pdf.String)
	if !ok {
		return
	}
	ranges, ok := sig["ByteRange"].(pdf.Array)
	if !ok || len(ranges) != 4 {
		return
	}
	var br [4]int64
	for i, r := range ranges {
		n, ok := r.(int64)
		if !ok || n < 0 {
			return
		}
		br[i] = n
	}
	valid := false
	si.IntegrityValid = &valid
	if br[0]+br[1] > int64(len(data)) || br[2]+br[3] > int64(len(data)) {
		return
	}
	signed := make([]byte, 0, br[1]+br[3])
	signed = append(signed, data[br[0]:br[0]+br[1]]...)
	signed = append(signed, data[br[2]:br[2]+br[3]]...)

	der := trimDER(contents)
	cn, err := VerifyDetached(der, signed)
	if err != nil {
		return
	}
	valid = true
	si.SignerCommonName = cn
}

// trimDER cuts the zero padding that follows a DER value inside a fixed
// size placeholder.
func trimDER(b []byte) []byte {
	if len(b) < 2 {
		return b
	}
	l := int(b[1])
	header := 2
	if l&0x80 != 0 {
		n := l & 0x7F
		if n == 0 || n > 4 || len(b) < 2+n {
			return b
		}
		l = 0
		for _, c := range b[2 : 2+n] {
			l = l<<8 | int(c)
		}
		header += n
	}
	if header+l > len(b) {
		return b
	}
	return b[:header+l]
}
