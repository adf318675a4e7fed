package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed marks input that is not a readable PDF.
	ErrMalformed = errors.New("pdf: malformed document")
	// ErrUnsupported marks valid PDF features this reader does not handle,
	// such as stream filters other than FlateDecode.
	ErrUnsupported = errors.New("pdf: unsupported document structure")
)

// xrefEntry locates an object either at a byte offset or, when stream is
// set, as the index-th object of an object stream.
type xrefEntry struct {
	offset int64
	gen    int
	free   bool
	stream int
	index  int
}

// trailerKeys survive from a cross-reference stream dictionary into the
// merged trailer; the rest describe the stream itself.
var trailerKeys = []Name{"Size", "Root", "Info", "ID", "Encrypt", "Prev"}

// Document is a parsed view over an immutable PDF byte slice.
type Document struct {
	data       []byte
	xref       map[int]xrefEntry
	trailer    Dict
	startXref  int64
	xrefStream bool
	cache      map[int]Object
	objStreams map[int]*objectStream
}

// Open indexes data through its cross-reference sections, following /Prev
// chains of earlier incremental updates. Sections may be classic tables,
// cross-reference streams, or tables pointing at a stream via /XRefStm.
func Open(data []byte) (*Document, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data[:min(len(data), 1024)], "\x00\t\n\f\r "), []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing %%PDF header", ErrMalformed)
	}
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing startxref", ErrMalformed)
	}
	p := newParser(data, idx+len("startxref"))
	t, err := p.next()
	if err != nil || t.kind != tokInt {
		return nil, fmt.Errorf("%w: invalid startxref", ErrMalformed)
	}

	d := &Document{
		data:       data,
		xref:       map[int]xrefEntry{},
		startXref:  t.i,
		cache:      map[int]Object{},
		objStreams: map[int]*objectStream{},
	}
	seen := map[int64]bool{}
	offset := t.i
	for {
		if seen[offset] {
			return nil, fmt.Errorf("%w: cross-reference loop at %d", ErrMalformed, offset)
		}
		seen[offset] = true
		entries, trailer, isStream, err := d.readXrefSection(offset)
		if err != nil {
			return nil, err
		}
		// Newer sections win.
		for num, e := range entries {
			if _, exists := d.xref[num]; !exists {
				d.xref[num] = e
			}
		}
		if d.trailer == nil {
			d.trailer = trailer
			d.xrefStream = isStream
		} else {
			for k, v := range trailer {
				if _, ok := d.trailer[k]; !ok && k != "Prev" && k != "XRefStm" {
					d.trailer[k] = v
				}
			}
		}
		prev, ok := trailer.Int("Prev")
		if !ok {
			break
		}
		offset = prev
	}
	if _, ok := d.trailer["Root"].(Ref); !ok {
		return nil, fmt.Errorf("%w: trailer has no /Root", ErrMalformed)
	}
	return d, nil
}

func (d *Document) readXrefSection(offset int64) (map[int]xrefEntry, Dict, bool, error) {
	if offset < 0 || offset >= int64(len(d.data)) {
		return nil, nil, false, fmt.Errorf("%w: xref offset %d out of range", ErrMalformed, offset)
	}
	p := newParser(d.data, int(offset))
	t, err := p.peek(0)
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if t.kind == tokInt {
		entries, trailer, err := d.readXrefStream(offset)
		return entries, trailer, true, err
	}
	entries, trailer, err := d.readXrefTable(p, offset)
	if err != nil {
		return nil, nil, false, err
	}
	if stm, ok := trailer.Int("XRefStm"); ok {
		// Hybrid file: the stream supplies the objects the table leaves
		// out or marks free.
		streamEntries, _, err := d.readXrefStream(stm)
		if err != nil {
			return nil, nil, false, err
		}
		for num, e := range streamEntries {
			if cur, exists := entries[num]; !exists || cur.free {
				entries[num] = e
			}
		}
	}
	return entries, trailer, false, nil
}

func (d *Document) readXrefTable(p *parser, offset int64) (map[int]xrefEntry, Dict, error) {
	if err := p.expectKeyword("xref"); err != nil {
		return nil, nil, fmt.Errorf("%w: expected xref at %d", ErrMalformed, offset)
	}
	entries := map[int]xrefEntry{}
	for {
		t, err := p.next()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if t.kind == tokKeyword && t.s == "trailer" {
			break
		}
		if t.kind != tokInt {
			return nil, nil, fmt.Errorf("%w: bad xref subsection at %d", ErrMalformed, t.pos)
		}
		count, err := p.next()
		if err != nil || count.kind != tokInt {
			return nil, nil, fmt.Errorf("%w: bad xref subsection count", ErrMalformed)
		}
		for i := int64(0); i < count.i; i++ {
			off, err1 := p.next()
			gen, err2 := p.next()
			kind, err3 := p.next()
			if err1 != nil || err2 != nil || err3 != nil || off.kind != tokInt || gen.kind != tokInt || kind.kind != tokKeyword {
				return nil, nil, fmt.Errorf("%w: bad xref entry", ErrMalformed)
			}
			num := int(t.i + i)
			if _, exists := entries[num]; exists {
				continue
			}
			entries[num] = xrefEntry{offset: off.i, gen: int(gen.i), free: kind.s == "f"}
		}
	}
	obj, err := p.parseObject()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: trailer: %v", ErrMalformed, err)
	}
	trailer, ok := obj.(Dict)
	if !ok {
		return nil, nil, fmt.Errorf("%w: trailer is not a dictionary", ErrMalformed)
	}
	return entries, trailer, nil
}

// readXrefStream decodes a /Type /XRef stream at offset.
func (d *Document) readXrefStream(offset int64) (map[int]xrefEntry, Dict, error) {
	if offset < 0 || offset >= int64(len(d.data)) {
		return nil, nil, fmt.Errorf("%w: xref stream offset %d out of range", ErrMalformed, offset)
	}
	obj, err := d.parseIndirect(offset, -1)
	if err != nil {
		return nil, nil, err
	}
	stream, ok := obj.(*Stream)
	if !ok || stream.Dict.Name("Type") != "XRef" {
		return nil, nil, fmt.Errorf("%w: no cross-reference stream at %d", ErrMalformed, offset)
	}
	raw, err := Decode(stream)
	if err != nil {
		return nil, nil, err
	}

	wArr, _ := stream.Dict["W"].(Array)
	if len(wArr) != 3 {
		return nil, nil, fmt.Errorf("%w: cross-reference stream /W must have three widths", ErrMalformed)
	}
	var w [3]int
	for i, v := range wArr {
		n, ok := v.(int64)
		if !ok || n < 0 || n > 8 {
			return nil, nil, fmt.Errorf("%w: invalid cross-reference stream /W", ErrMalformed)
		}
		w[i] = int(n)
	}
	rowLen := w[0] + w[1] + w[2]
	if rowLen == 0 {
		return nil, nil, fmt.Errorf("%w: empty cross-reference stream rows", ErrMalformed)
	}

	size, _ := stream.Dict.Int("Size")
	index := []int64{0, size}
	if arr, ok := stream.Dict["Index"].(Array); ok {
		if len(arr)%2 != 0 {
			return nil, nil, fmt.Errorf("%w: odd cross-reference stream /Index", ErrMalformed)
		}
		index = index[:0]
		for _, v := range arr {
			n, ok := v.(int64)
			if !ok || n < 0 {
				return nil, nil, fmt.Errorf("%w: invalid cross-reference stream /Index", ErrMalformed)
			}
			index = append(index, n)
		}
	}

	entries := map[int]xrefEntry{}
	pos := 0
	for i := 0; i < len(index); i += 2 {
		first, count := index[i], index[i+1]
		for k := int64(0); k < count; k++ {
			if pos+rowLen > len(raw) {
				return nil, nil, fmt.Errorf("%w: cross-reference stream is truncated", ErrMalformed)
			}
			row := raw[pos : pos+rowLen]
			pos += rowLen
			kind := int64(1)
			if w[0] > 0 {
				kind = beUint(row[:w[0]])
			}
			f2 := beUint(row[w[0] : w[0]+w[1]])
			f3 := beUint(row[w[0]+w[1]:])
			num := int(first + k)
			if _, exists := entries[num]; exists {
				continue
			}
			switch kind {
			case 0:
				entries[num] = xrefEntry{free: true, gen: int(f3)}
			case 1:
				entries[num] = xrefEntry{offset: f2, gen: int(f3)}
			case 2:
				entries[num] = xrefEntry{stream: int(f2), index: int(f3)}
			default:
				// Unknown types are to be treated as null references.
			}
		}
	}

	trailer := Dict{}
	for _, k := range trailerKeys {
		if v, ok := stream.Dict[k]; ok {
			trailer[k] = v
		}
	}
	return entries, trailer, nil
}

func beUint(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// Data returns the underlying bytes.
func (d *Document) Data() []byte { return d.data }

// StartXref returns the offset of the newest cross-reference section.
func (d *Document) StartXref() int64 { return d.startXref }

// CrossRefStream reports whether the newest section is a cross-reference
// stream, in which case an update must append one too.
func (d *Document) CrossRefStream() bool { return d.xrefStream }

// Trailer returns the merged trailer dictionary.
func (d *Document) Trailer() Dict { return d.trailer }

// Size returns the trailer /Size, the next free object number.
func (d *Document) Size() int {
	n, _ := d.trailer.Int("Size")
	highest := 0
	for num := range d.xref {
		if num > highest {
			highest = num
		}
	}
	if int(n) <= highest {
		return highest + 1
	}
	return int(n)
}

// Generation returns the generation number recorded for an object.
func (d *Document) Generation(num int) int {
	return d.xref[num].gen
}

// Object loads indirect object num.
func (d *Document) Object(num int) (Object, error) {
	if obj, ok := d.cache[num]; ok {
		return obj, nil
	}
	entry, ok := d.xref[num]
	if !ok || entry.free {
		return nil, nil
	}
	var (
		obj Object
		err error
	)
	if entry.stream > 0 {
		obj, err = d.compressedObject(num, entry)
	} else {
		obj, err = d.parseIndirect(entry.offset, num)
	}
	if err != nil {
		return nil, err
	}
	d.cache[num] = obj
	return obj, nil
}

// parseIndirect reads "num gen obj ..." at offset. A negative num skips the
// object number check.
func (d *Document) parseIndirect(offset int64, num int) (Object, error) {
	if offset <= 0 || offset >= int64(len(d.data)) {
		return nil, fmt.Errorf("%w: object %d offset out of range", ErrMalformed, num)
	}
	p := newParser(d.data, int(offset))
	n, err := p.next()
	if err != nil || n.kind != tokInt || (num >= 0 && int(n.i) != num) {
		return nil, fmt.Errorf("%w: object %d not found at offset %d", ErrMalformed, num, offset)
	}
	if num < 0 {
		num = int(n.i)
	}
	if g, err := p.next(); err != nil || g.kind != tokInt {
		return nil, fmt.Errorf("%w: object %d header", ErrMalformed, num)
	}
	if err := p.expectKeyword("obj"); err != nil {
		return nil, fmt.Errorf("%w: object %d: %v", ErrMalformed, num, err)
	}
	obj, err := p.parseObject()
	if err != nil {
		return nil, fmt.Errorf("%w: object %d: %v", ErrMalformed, num, err)
	}
	if dict, ok := obj.(Dict); ok {
		t, err := p.next()
		if err == nil && t.kind == tokKeyword && t.s == "stream" {
			stream, err := d.readStream(dict, p.lex.pos)
			if err != nil {
				return nil, fmt.Errorf("%w: object %d: %v", ErrMalformed, num, err)
			}
			obj = stream
		}
	}
	return obj, nil
}

// objectStream is a decoded /Type /ObjStm container.
type objectStream struct {
	data  []byte
	first int
	nums  []int
	offs  []int
}

func (d *Document) loadObjectStream(num int) (*objectStream, error) {
	if stm, ok := d.objStreams[num]; ok {
		return stm, nil
	}
	entry, ok := d.xref[num]
	if !ok || entry.free || entry.stream > 0 {
		return nil, fmt.Errorf("%w: object stream %d is not a plain object", ErrMalformed, num)
	}
	obj, err := d.Object(num)
	if err != nil {
		return nil, err
	}
	stream, ok := obj.(*Stream)
	if !ok || stream.Dict.Name("Type") != "ObjStm" {
		return nil, fmt.Errorf("%w: object %d is not an object stream", ErrMalformed, num)
	}
	data, err := Decode(stream)
	if err != nil {
		return nil, err
	}
	n, _ := stream.Dict.Int("N")
	first, _ := stream.Dict.Int("First")
	if n < 0 || first < 0 || int(first) > len(data) {
		return nil, fmt.Errorf("%w: object stream %d header", ErrMalformed, num)
	}
	stm := &objectStream{data: data, first: int(first)}
	p := newParser(data[:first], 0)
	for i := int64(0); i < n; i++ {
		objNum, err1 := p.next()
		off, err2 := p.next()
		if err1 != nil || err2 != nil || objNum.kind != tokInt || off.kind != tokInt {
			return nil, fmt.Errorf("%w: object stream %d header", ErrMalformed, num)
		}
		stm.nums = append(stm.nums, int(objNum.i))
		stm.offs = append(stm.offs, int(off.i))
	}
	d.objStreams[num] = stm
	return stm, nil
}

func (d *Document) compressedObject(num int, entry xrefEntry) (Object, error) {
	stm, err := d.loadObjectStream(entry.stream)
	if err != nil {
		return nil, err
	}
	if entry.index < 0 || entry.index >= len(stm.nums) || stm.nums[entry.index] != num {
		return nil, fmt.Errorf("%w: object %d not found in object stream %d", ErrMalformed, num, entry.stream)
	}
	pos := stm.first + stm.offs[entry.index]
	if pos < stm.first || pos >= len(stm.data) {
		return nil, fmt.Errorf("%w: object %d offset out of range in object stream %d", ErrMalformed, num, entry.stream)
	}
	obj, err := newParser(stm.data, pos).parseObject()
	if err != nil {
		return nil, fmt.Errorf("%w: object %d: %v", ErrMalformed, num, err)
	}
	return obj, nil
}

func (d *Document) readStream(dict Dict, pos int) (*Stream, error) {
	if pos < len(d.data) && d.data[pos] == '\r' {
		pos++
	}
	if pos < len(d.data) && d.data[pos] == '\n' {
		pos++
	}
	length := int64(-1)
	switch v := dict["Length"].(type) {
	case int64:
		length = v
	case Ref:
		if v.Num != 0 {
			if obj, err := d.Object(v.Num); err == nil {
				if n, ok := obj.(int64); ok {
					length = n
				}
			}
		}
	}
	if length < 0 || pos+int(length) > len(d.data) {
		end := bytes.Index(d.data[pos:], []byte("endstream"))
		if end < 0 {
			return nil, fmt.Errorf("unterminated stream")
		}
		length = int64(end)
	}
	return &Stream{Dict: dict, Data: d.data[pos : pos+int(length)]}, nil
}

// Resolve follows o if it is a reference.
func (d *Document) Resolve(o Object) (Object, error) {
	for depth := 0; depth < 32; depth++ {
		ref, ok := o.(Ref)
		if !ok {
			return o, nil
		}
		obj, err := d.Object(ref.Num)
		if err != nil {
			return nil, err
		}
		o = obj
	}
	return nil, fmt.Errorf("%w: reference chain too deep", ErrMalformed)
}

// ResolveDict resolves o and returns it as a dictionary, or nil.
func (d *Document) ResolveDict(o Object) (Dict, error) {
	obj, err := d.Resolve(o)
	if err != nil {
		return nil, err
	}
	switch v := obj.(type) {
	case Dict:
		return v, nil
	case *Stream:
		return v.Dict, nil
	}
	return nil, nil
}

// Catalog returns the document catalog and its reference.
func (d *Document) Catalog() (Ref, Dict, error) {
	ref := d.trailer["Root"].(Ref)
	cat, err := d.ResolveDict(ref)
	if err != nil {
		return ref, nil, err
	}
	if cat == nil {
		return ref, nil, fmt.Errorf("%w: catalog is missing", ErrMalformed)
	}
	return ref, cat, nil
}

// Info returns the document information dictionary. ref is zero when the
// Info entry is absent or inline.
func (d *Document) Info() (Ref, Dict, error) {
	v, ok := d.trailer["Info"]
	if !ok {
		return Ref{}, nil, nil
	}
	info, err := d.ResolveDict(v)
	if err != nil {
		return Ref{}, nil, err
	}
	ref, _ := v.(Ref)
	return ref, info, nil
}

// Pages walks the page tree and returns page references in order.
func (d *Document) Pages() ([]Ref, error) {
	_, cat, err := d.Catalog()
	if err != nil {
		return nil, err
	}
	root, ok := cat["Pages"].(Ref)
	if !ok {
		return nil, fmt.Errorf("%w: catalog has no page tree", ErrMalformed)
	}
	var pages []Ref
	seen := map[int]bool{}
	var walk func(ref Ref) error
	walk = func(ref Ref) error {
		if seen[ref.Num] {
			return fmt.Errorf("%w: page tree loop", ErrMalformed)
		}
		seen[ref.Num] = true
		node, err := d.ResolveDict(ref)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("%w: page tree node %d missing", ErrMalformed, ref.Num)
		}
		if node.Name("Type") == "Page" {
			pages = append(pages, ref)
			return nil
		}
		kids, err := d.Resolve(node["Kids"])
		if err != nil {
			return err
		}
		arr, _ := kids.(Array)
		for _, kid := range arr {
			kref, ok := kid.(Ref)
			if !ok {
				continue
			}
			if err := walk(kref); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrMalformed)
	}
	return pages, nil
}

// Field is one terminal AcroForm field.
type Field struct {
	Ref      Ref
	Dict     Dict
	FullName string
	Type     Name
}

// Fields returns the terminal fields of the interactive form, with /FT
// inherited from ancestors.
func (d *Document) Fields() ([]Field, error) {
	_, cat, err := d.Catalog()
	if err != nil {
		return nil, err
	}
	form, err := d.ResolveDict(cat["AcroForm"])
	if err != nil || form == nil {
		return nil, err
	}
	top, err := d.Resolve(form["Fields"])
	if err != nil {
		return nil, err
	}
	arr, _ := top.(Array)

	var out []Field
	seen := map[int]bool{}
	var walk func(o Object, parentName string, parentType Name) error
	walk = func(o Object, parentName string, parentType Name) error {
		ref, _ := o.(Ref)
		if ref.Num != 0 {
			if seen[ref.Num] {
				return nil
			}
			seen[ref.Num] = true
		}
		field, err := d.ResolveDict(o)
		if err != nil || field == nil {
			return err
		}
		name := field.Text("T")
		full := name
		if parentName != "" && name != "" {
			full = parentName + "." + name
		} else if name == "" {
			full = parentName
		}
		ft := field.Name("FT")
		if ft == "" {
			ft = parentType
		}
		kids, err := d.Resolve(field["Kids"])
		if err != nil {
			return err
		}
		karr, _ := kids.(Array)
		hasFieldKids := false
		for _, k := range karr {
			kd, err := d.ResolveDict(k)
			if err == nil && kd != nil && kd["T"] != nil {
				hasFieldKids = true
				break
			}
		}
		if !hasFieldKids {
			out = append(out, Field{Ref: ref, Dict: field, FullName: full, Type: ft})
			return nil
		}
		for _, k := range karr {
			if err := walk(k, full, ft); err != nil {
				return err
			}
		}
		return nil
	}
	for _, f := range arr {
		if err := walk(f, "", ""); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FieldNames lists the full names of all terminal fields.
func (d *Document) FieldNames() ([]string, error) {
	fields, err := d.Fields()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.FullName)
	}
	return names, nil
}

// HasField reports whether a field with the given full name exists,
// ignoring case.
func (d *Document) HasField(name string) (bool, error) {
	names, err := d.FieldNames()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true, nil
		}
	}
	return false, nil
}
