// Package pdftest builds small PDF 1.5 documents whose cross-reference data
// is stored the way modern producers write it.
package pdftest

import (
	"bytes"
	"compress/zlib"
	"fmt"
)

// Layout selects how objects and cross-reference data are stored.
type Layout int

const (
	// XrefStream indexes plain objects with a cross-reference stream.
	XrefStream Layout = iota
	// ObjectStreams keeps the page and the information dictionary inside an
	// object stream indexed by a cross-reference stream.
	ObjectStreams
	// Hybrid writes a classic table marking the compressed objects free and
	// a trailer /XRefStm pointing at the stream that locates them.
	Hybrid
)

// Options configures a generated document.
type Options struct {
	Layout Layout
	// Compress deflates the streams; the cross-reference stream also gets a
	// PNG Up predictor.
	Compress bool
	Title    string
}

const (
	catalog = "<</Type/Catalog/Pages 2 0 R>>"
	pages   = "<</Type/Pages/Kids[3 0 R]/Count 1>>"
	page    = "<</Type/Page/Parent 2 0 R/MediaBox[0 0 300 200]/Contents 7 0 R>>"
	content = "BT /F1 12 Tf 20 100 Td (Certificate) Tj ET"
	size    = 8
)

type row struct {
	kind byte
	f2   int
	f3   int
}

// Document returns a one-page PDF. Objects: 1 catalog, 2 pages, 3 page,
// 4 object stream (free unless used), 5 cross-reference stream, 6 info,
// 7 page content.
func Document(opts Options) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.5\n%\xE2\xE3\xCF\xD3\n")
	offsets := map[int]int{}
	writeObj := func(num int, body string) {
		offsets[num] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", num, body)
	}
	writeStream := func(num int, dict string, data []byte) {
		offsets[num] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n<<%s/Length %d>>\nstream\n", num, dict, len(data))
		buf.Write(data)
		buf.WriteString("\nendstream\nendobj\n")
	}

	info := fmt.Sprintf("<</Title(%s)/Producer(pdftest)>>", opts.Title)
	packed := opts.Layout != XrefStream

	writeObj(1, catalog)
	writeObj(2, pages)
	data, filter := encode([]byte(content), opts.Compress, 0)
	writeStream(7, filter, data)
	if packed {
		header := fmt.Sprintf("3 0 6 %d ", len(page)+1)
		body := header + page + "\n" + info
		data, filter := encode([]byte(body), opts.Compress, 0)
		writeStream(4, fmt.Sprintf("/Type/ObjStm/N 2/First %d%s", len(header), filter), data)
	} else {
		writeObj(3, page)
		writeObj(6, info)
	}

	xrefOffset := buf.Len()
	rows := make([]row, size)
	rows[0] = row{kind: 0, f3: 65535}
	for num := 1; num < size; num++ {
		switch {
		case num == 5:
			rows[num] = row{kind: 1, f2: xrefOffset}
		case packed && num == 3:
			rows[num] = row{kind: 2, f2: 4, f3: 0}
		case packed && num == 6:
			rows[num] = row{kind: 2, f2: 4, f3: 1}
		case !packed && num == 4:
			rows[num] = row{kind: 0}
		default:
			rows[num] = row{kind: 1, f2: offsets[num]}
		}
	}
	raw := make([]byte, 0, size*7)
	for _, r := range rows {
		raw = append(raw, r.kind, byte(r.f2>>24), byte(r.f2>>16), byte(r.f2>>8), byte(r.f2), byte(r.f3>>8), byte(r.f3))
	}
	data, filter = encode(raw, opts.Compress, 7)
	writeStream(5, fmt.Sprintf("/Type/XRef/Size %d/W[1 4 2]/Root 1 0 R/Info 6 0 R%s", size, filter), data)

	if opts.Layout != Hybrid {
		fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)
		return buf.Bytes()
	}

	tableOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", size)
	for num := 0; num < size; num++ {
		switch num {
		case 0:
			buf.WriteString("0000000000 65535 f \n")
		case 3, 5, 6:
			buf.WriteString("0000000000 00000 f \n")
		default:
			fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[num])
		}
	}
	fmt.Fprintf(&buf, "trailer\n<</Size %d/Root 1 0 R/Info 6 0 R/XRefStm %d>>\nstartxref\n%d\n%%%%EOF\n", size, xrefOffset, tableOffset)
	return buf.Bytes()
}

// encode deflates data when compress is set. A non-zero columns applies the
// PNG Up predictor first.
func encode(data []byte, compress bool, columns int) ([]byte, string) {
	if !compress {
		return data, ""
	}
	filter := "/Filter/FlateDecode"
	if columns > 0 {
		predicted := make([]byte, 0, len(data)+len(data)/columns)
		prev := make([]byte, columns)
		for pos := 0; pos+columns <= len(data); pos += columns {
			cur := data[pos : pos+columns]
			predicted = append(predicted, 2)
			for i := range cur {
				predicted = append(predicted, cur[i]-prev[i])
			}
			prev = cur
		}
		data = predicted
		filter += fmt.Sprintf("/DecodeParms<</Predictor 12/Columns %d>>", columns)
	}
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	w.Write(data)
	w.Close()
	return out.Bytes(), filter
}
