package security

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/pkg/pdf"
)

const (
	byteRangePlaceholder = "[0 0000000000 0000000000 0000000000]"
	defaultFieldName     = "Signature"
)

// SignOptions carries the metadata written into the signature dictionary
// and the document information dictionary.
type SignOptions struct {
	// CertificateID is written both to /Title and /CertificateID.
	CertificateID string
	Reason        string
	ContactInfo   string
	Name          string
	Location      string
	SigningTime   time.Time
}

// ContainerSigner embeds a detached CMS signature into a PDF.
type ContainerSigner struct {
	identity *Identity
	engine   *Engine
}

// NewContainerSigner binds an identity to an engine. Both are shared and
// read-only.
func NewContainerSigner(identity *Identity, engine *Engine) *ContainerSigner {
	return &ContainerSigner{identity: identity, engine: engine}
}

// Identity returns the bound identity.
func (s *ContainerSigner) Identity() *Identity { return s.identity }

// Sign appends an incremental update carrying a signature field, its
// widget and the signature value, and returns the signed document.
func (s *ContainerSigner) Sign(ctx context.Context, doc []byte, opts SignOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.identity == nil {
		return nil, apperrors.Identity("signing identity is not loaded", nil)
	}
	if opts.SigningTime.IsZero() {
		opts.SigningTime = time.Now()
	}

	d, err := pdf.Open(doc)
	if err != nil {
		return nil, documentError(err)
	}
	prepared, err := s.prepare(d, opts)
	if err != nil {
		return nil, documentError(err)
	}

	brStart := bytes.LastIndex(prepared, []byte(byteRangePlaceholder))
	if brStart < len(doc) {
		return nil, fmt.Errorf("byte range placeholder not found")
	}
	contentsTag := []byte("/Contents <")
	rel := bytes.Index(prepared[brStart:], contentsTag)
	if rel < 0 {
		return nil, fmt.Errorf("contents placeholder not found")
	}
	contentsStart := brStart + rel + len(contentsTag) - 1
	contentsEnd := contentsStart + 2*s.identity.PlaceholderSize() + 2
	if contentsEnd > len(prepared) || prepared[contentsEnd-1] != '>' {
		return nil, fmt.Errorf("contents placeholder is truncated")
	}

	byteRange := fmt.Sprintf("[0 %d %d %d]", contentsStart, contentsEnd, len(prepared)-contentsEnd)
	if len(byteRange) > len(byteRangePlaceholder) {
		return nil, apperrors.DocumentFormat("document too large for byte range", nil)
	}
	copy(prepared[brStart:], byteRange+strings.Repeat(" ", len(byteRangePlaceholder)-len(byteRange)))

	signed := make([]byte, 0, len(prepared)-(contentsEnd-contentsStart))
	signed = append(signed, prepared[:contentsStart]...)
	signed = append(signed, prepared[contentsEnd:]...)

	cms, err := s.engine.SignDetached(s.identity, signed)
	if err != nil {
		return nil, err
	}
	encoded := hex.EncodeToString(cms)
	if len(encoded) > contentsEnd-contentsStart-2 {
		return nil, apperrors.Configuration(
			fmt.Sprintf("signature of %d bytes exceeds reserved placeholder of %d bytes", len(cms), s.identity.PlaceholderSize()),
			nil)
	}
	copy(prepared[contentsStart+1:], encoded)
	return prepared, nil
}

func (s *ContainerSigner) prepare(d *pdf.Document, opts SignOptions) ([]byte, error) {
	rootRef, catalog, err := d.Catalog()
	if err != nil {
		return nil, err
	}
	pages, err := d.Pages()
	if err != nil {
		return nil, err
	}
	pageRef := pages[0]
	page, err := d.ResolveDict(pageRef)
	if err != nil {
		return nil, err
	}
	existing, err := d.FieldNames()
	if err != nil {
		return nil, err
	}
	fieldName := uniqueFieldName(existing)

	u := pdf.NewUpdate(d)
	when := pdf.Date(opts.SigningTime)

	sigDict := fmt.Sprintf("<</Type /Sig /Filter /Adobe.PPKLite /SubFilter /adbe.pkcs7.detached /ByteRange %s /Contents <%s> /M %s /Reason %s /ContactInfo %s /Name %s /Location %s>>",
		byteRangePlaceholder,
		strings.Repeat("0", 2*s.identity.PlaceholderSize()),
		pdf.Serialize(when),
		pdf.Serialize(pdf.TextString(opts.Reason)),
		pdf.Serialize(pdf.TextString(opts.ContactInfo)),
		pdf.Serialize(pdf.TextString(opts.Name)),
		pdf.Serialize(pdf.TextString(opts.Location)),
	)
	sigRef := u.Add(pdf.Raw(sigDict))

	widgetRef := u.Add(pdf.Dict{
		"Type":    pdf.Name("Annot"),
		"Subtype": pdf.Name("Widget"),
		"FT":      pdf.Name("Sig"),
		"T":       pdf.TextString(fieldName),
		"V":       sigRef,
		"F":       int64(132),
		"Rect":    pdf.Array{int64(0), int64(0), int64(0), int64(0)},
		"P":       pageRef,
	})

	newPage := page.Clone()
	annots, err := d.Resolve(page["Annots"])
	if err != nil {
		return nil, err
	}
	arr, _ := annots.(pdf.Array)
	newAnnots := append(pdf.Array{}, arr...)
	newPage["Annots"] = append(newAnnots, widgetRef)
	u.Set(pageRef, newPage)

	form := pdf.Dict{}
	formRef, formIsRef := catalog["AcroForm"].(pdf.Ref)
	if existingForm, err := d.ResolveDict(catalog["AcroForm"]); err != nil {
		return nil, err
	} else if existingForm != nil {
		form = existingForm.Clone()
	}
	fieldsObj, err := d.Resolve(form["Fields"])
	if err != nil {
		return nil, err
	}
	fieldArr, _ := fieldsObj.(pdf.Array)
	form["Fields"] = append(append(pdf.Array{}, fieldArr...), widgetRef)
	form["SigFlags"] = int64(3)

	newCatalog := catalog.Clone()
	if formIsRef {
		u.Set(formRef, form)
	} else {
		newCatalog["AcroForm"] = form
	}
	u.Set(rootRef, newCatalog)

	infoRef, info, err := d.Info()
	if err != nil {
		return nil, err
	}
	newInfo := pdf.Dict{}
	if info != nil {
		newInfo = info.Clone()
	}
	newInfo["Title"] = pdf.TextString(opts.CertificateID)
	newInfo["CertificateID"] = pdf.TextString(opts.CertificateID)
	newInfo["Subject"] = pdf.TextString(opts.Reason)
	newInfo["Author"] = pdf.TextString(opts.Name)
	newInfo["Keywords"] = pdf.TextString(opts.Location)
	newInfo["ModDate"] = when
	if infoRef.Num != 0 {
		u.Set(infoRef, newInfo)
	} else {
		infoRef = u.Add(newInfo)
	}
	u.SetTrailer("Info", infoRef)

	return u.Bytes(), nil
}

func uniqueFieldName(existing []string) string {
	taken := map[string]bool{}
	for _, n := range existing {
		taken[strings.ToLower(n)] = true
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s%d", defaultFieldName, i)
		if !taken[strings.ToLower(name)] {
			return name
		}
	}
}

func documentError(err error) error {
	if errors.Is(err, pdf.ErrUnsupported) {
		return apperrors.DocumentFormat("unsupported PDF structure", err)
	}
	if errors.Is(err, pdf.ErrMalformed) {
		return apperrors.DocumentFormat("malformed PDF document", err)
	}
	return apperrors.DocumentFormat("unreadable PDF document", err)
}
