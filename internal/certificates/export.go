package certificates

import (
	"context"
	"fmt"
	"io"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/export"
)

type ExportFormat string

const (
	FormatXLSX ExportFormat = "xlsx"
	FormatCSV  ExportFormat = "csv"
)

var exportColumns = []string{
	"id", "certId", "name", "studentID", "email", "course", "part", "group",
	"eventDate", "status", "signedAt", "errorMessage", "signedPdfUrl",
}

func exportRow(c Certificate) []interface{} {
	return []interface{}{
		c.ID, c.CertNumber, c.Name, c.StudentID, c.Email, c.Course, c.Part, c.Group,
		c.EventDate, string(c.Status), c.SignedAt, c.ErrorMessage, c.DocumentRef,
	}
}

// ContentType returns the MIME type of an export format.
func (f ExportFormat) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Exporter writes an event's certificate status report.
type Exporter struct {
	service Service
}

func NewExporter(service Service) *Exporter {
	return &Exporter{service: service}
}

// Export writes the report for eventID in the requested format.
func (e *Exporter) Export(ctx context.Context, eventID string, format ExportFormat, w io.Writer) error {
	if format == "" {
		format = FormatXLSX
	}
	if format != FormatXLSX && format != FormatCSV {
		return apperrors.Validation(fmt.Sprintf("unsupported export format %q", format), nil)
	}
	certs, err := e.service.List(ctx, Filter{EventID: eventID})
	if err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(certs))
	for _, c := range certs {
		rows = append(rows, exportRow(c))
	}

	if format == FormatCSV {
		return export.NewCSVExporter(w, export.DefaultCSVOptions()).WriteTable(exportColumns, rows)
	}

	summary, err := e.service.Summary(ctx, eventID)
	if err != nil {
		return err
	}
	x := export.NewExcelExporter(export.DefaultExcelOptions())
	defer x.Close()
	if err := x.WriteTable("", exportColumns, rows); err != nil {
		return err
	}
	summaryRows := [][]interface{}{
		{string(StatusPending), summary.Counts[StatusPending]},
		{string(StatusSigned), summary.Counts[StatusSigned]},
		{string(StatusError), summary.Counts[StatusError]},
		{"total", summary.Total},
	}
	if err := x.WriteTable("Summary", []string{"status", "count"}, summaryRows); err != nil {
		return err
	}
	return x.WriteTo(w)
}
