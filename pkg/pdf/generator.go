package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

// RenderData is everything printed on a certificate.
type RenderData struct {
	CertificateID string
	Name          string
	StudentID     string
	Course        string
	Part          int
	Group         string
	EventName     string
	EventDate     string
	Issuer        string
	// TemplateImage is an optional full-page background (PNG or JPEG).
	TemplateImage []byte
	VerifyURL     string
}

// Generator renders certificate documents.
type Generator interface {
	Generate(ctx context.Context, data RenderData) ([]byte, error)
}

// GeneratorOptions configures page layout.
type GeneratorOptions struct {
	PageSize    string
	Orientation string
	FontFamily  string
	Compress    bool
}

// DefaultGeneratorOptions returns a landscape A4 layout.
func DefaultGeneratorOptions() GeneratorOptions {
	return GeneratorOptions{
		PageSize:    "A4",
		Orientation: "landscape",
		FontFamily:  "Helvetica",
		Compress:    true,
	}
}

type certificateGenerator struct {
	options GeneratorOptions
}

// NewGenerator returns a gofpdf backed generator.
func NewGenerator(options GeneratorOptions) Generator {
	return &certificateGenerator{options: options}
}

func (g *certificateGenerator) Generate(ctx context.Context, data RenderData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	orientation := "P"
	if g.options.Orientation == "landscape" {
		orientation = "L"
	}
	doc := gofpdf.New(orientation, "mm", g.options.PageSize, "")
	doc.SetCompression(g.options.Compress)
	doc.SetAutoPageBreak(false, 0)
	doc.SetCreator("certificate-backend", true)
	doc.SetTitle(data.CertificateID, true)
	tr := doc.UnicodeTranslatorFromDescriptor("")

	doc.AddPage()
	width, height := doc.GetPageSize()

	if len(data.TemplateImage) > 0 {
		imageType := detectImageType(data.TemplateImage)
		if imageType == "" {
			return nil, fmt.Errorf("template image is neither PNG nor JPEG")
		}
		opts := gofpdf.ImageOptions{ImageType: imageType, ReadDpi: false}
		doc.RegisterImageOptionsReader("template", opts, bytes.NewReader(data.TemplateImage))
		doc.ImageOptions("template", 0, 0, width, height, false, opts, 0, "")
	} else {
		doc.SetDrawColor(68, 114, 196)
		doc.SetLineWidth(1.5)
		doc.Rect(10, 10, width-20, height-20, "D")
	}

	family := g.options.FontFamily
	doc.SetTextColor(0, 0, 0)

	doc.SetFont(family, "B", 30)
	doc.SetXY(0, height*0.22)
	doc.CellFormat(width, 14, tr("Certificate of Participation"), "", 1, "C", false, 0, "")

	doc.SetFont(family, "", 14)
	doc.SetX(0)
	doc.CellFormat(width, 10, tr("This certifies that"), "", 1, "C", false, 0, "")

	doc.SetFont(family, "B", 24)
	doc.SetX(0)
	doc.CellFormat(width, 14, tr(strings.ToUpper(data.Name)), "", 1, "C", false, 0, "")

	doc.SetFont(family, "", 12)
	details := []string{}
	if data.StudentID != "" {
		details = append(details, data.StudentID)
	}
	if data.Course != "" {
		details = append(details, fmt.Sprintf("%s  Part %d", data.Course, data.Part))
	}
	if data.Group != "" {
		details = append(details, "Group "+data.Group)
	}
	doc.SetX(0)
	doc.CellFormat(width, 8, tr(strings.Join(details, "  |  ")), "", 1, "C", false, 0, "")

	doc.Ln(6)
	doc.SetFont(family, "", 14)
	doc.SetX(0)
	doc.CellFormat(width, 10, tr("has participated in"), "", 1, "C", false, 0, "")
	doc.SetFont(family, "B", 18)
	doc.SetX(0)
	doc.CellFormat(width, 12, tr(data.EventName), "", 1, "C", false, 0, "")
	doc.SetFont(family, "", 12)
	doc.SetX(0)
	doc.CellFormat(width, 8, tr(data.EventDate), "", 1, "C", false, 0, "")

	doc.SetFont(family, "", 8)
	doc.SetTextColor(90, 90, 90)
	doc.SetXY(12, height-22)
	doc.CellFormat(width-24, 5, tr("Certificate ID: "+data.CertificateID), "", 1, "L", false, 0, "")
	if data.VerifyURL != "" {
		doc.SetX(12)
		doc.CellFormat(width-24, 5, tr("Verify at "+data.VerifyURL), "", 1, "L", false, 0, data.VerifyURL)
	}
	if data.Issuer != "" {
		doc.SetXY(12, height-22)
		doc.CellFormat(width-24, 5, tr(data.Issuer), "", 1, "R", false, 0, "")
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render certificate: %w", err)
	}
	return buf.Bytes(), nil
}

func detectImageType(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")):
		return "PNG"
	case bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF}):
		return "JPG"
	}
	return ""
}
