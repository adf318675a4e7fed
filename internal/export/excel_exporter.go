package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

// ExcelExporter writes tabular rows into an xlsx workbook
type ExcelExporter struct {
	file    *excelize.File
	options ExcelOptions
}

// ExcelOptions configures Excel export behavior
type ExcelOptions struct {
	SheetName    string
	FreezeHeader bool
	AutoFilter   bool
	AutoWidth    bool
	HeaderFill   string
	HeaderFont   string
}

// DefaultExcelOptions returns default Excel export options
func DefaultExcelOptions() ExcelOptions {
	return ExcelOptions{
		SheetName:    "Certificates",
		FreezeHeader: true,
		AutoFilter:   true,
		AutoWidth:    true,
		HeaderFill:   "4472C4",
		HeaderFont:   "FFFFFF",
	}
}

// NewExcelExporter creates a new Excel exporter
func NewExcelExporter(options ExcelOptions) *ExcelExporter {
	file := excelize.NewFile()
	file.SetSheetName("Sheet1", options.SheetName)
	return &ExcelExporter{file: file, options: options}
}

// WriteTable writes a header row and data rows to the named sheet, creating
// the sheet when it does not exist yet.
func (e *ExcelExporter) WriteTable(sheet string, columns []string, rows [][]interface{}) error {
	if sheet == "" {
		sheet = e.options.SheetName
	}
	if idx, _ := e.file.GetSheetIndex(sheet); idx < 0 {
		if _, err := e.file.NewSheet(sheet); err != nil {
			return fmt.Errorf("failed to create sheet: %w", err)
		}
	}

	headerStyle, err := e.file.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: e.options.HeaderFont},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{e.options.HeaderFill}},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	dateStyle, err := e.file.NewStyle(&excelize.Style{NumFmt: 22})
	if err != nil {
		return fmt.Errorf("failed to create date style: %w", err)
	}

	widths := make([]float64, len(columns))
	for i, col := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := e.file.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
		widths[i] = float64(len(col)) * 1.2
	}
	last, _ := excelize.CoordinatesToCellName(len(columns), 1)
	if err := e.file.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}

	for r, row := range rows {
		for c, val := range row {
			if c >= len(columns) {
				break
			}
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			switch v := val.(type) {
			case nil:
				continue
			case time.Time:
				if v.IsZero() {
					continue
				}
				if err := e.file.SetCellValue(sheet, cell, v); err != nil {
					return err
				}
				e.file.SetCellStyle(sheet, cell, cell, dateStyle)
			case *time.Time:
				if v == nil || v.IsZero() {
					continue
				}
				if err := e.file.SetCellValue(sheet, cell, *v); err != nil {
					return err
				}
				e.file.SetCellStyle(sheet, cell, cell, dateStyle)
			case *string:
				if v == nil {
					continue
				}
				if err := e.file.SetCellValue(sheet, cell, *v); err != nil {
					return err
				}
			default:
				if err := e.file.SetCellValue(sheet, cell, v); err != nil {
					return err
				}
			}
			if w := float64(len(fmt.Sprint(val))) * 1.2; w > widths[c] {
				widths[c] = w
			}
		}
	}

	if e.options.FreezeHeader {
		e.file.SetPanes(sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		})
	}
	if e.options.AutoFilter && len(rows) > 0 {
		lastCell, _ := excelize.CoordinatesToCellName(len(columns), len(rows)+1)
		e.file.AutoFilter(sheet, "A1:"+lastCell, nil)
	}
	if e.options.AutoWidth {
		for i, w := range widths {
			col, _ := excelize.ColumnNumberToName(i + 1)
			// Min width 10, max width 50
			if w < 10 {
				w = 10
			}
			if w > 50 {
				w = 50
			}
			e.file.SetColWidth(sheet, col, col, w)
		}
	}
	return nil
}

// WriteTo writes the Excel file to a writer
func (e *ExcelExporter) WriteTo(w io.Writer) error {
	return e.file.Write(w)
}

// Close closes the Excel file
func (e *ExcelExporter) Close() error {
	return e.file.Close()
}
