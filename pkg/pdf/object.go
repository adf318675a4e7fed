package pdf

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// Object is any PDF value: nil (null), bool, int64, float64, String, Name,
// Array, Dict, Ref, *Stream or Raw.
type Object interface{}

type Name string

// String holds the decoded bytes of a literal or hexadecimal string.
type String []byte

type Array []Object

type Dict map[Name]Object

// Ref is an indirect reference.
type Ref struct {
	Num int
	Gen int
}

func (r Ref) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Stream is a stream object with its raw (still encoded) data.
type Stream struct {
	Dict Dict
	Data []byte
}

// Raw is pre-serialized object text written verbatim.
type Raw []byte

// Text decodes a PDF text string: UTF-16BE when it carries a BOM, otherwise
// the bytes as-is.
func (s String) Text() string {
	b := []byte(s)
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		b = b[2:]
		u := make([]uint16, 0, len(b)/2)
		for i := 0; i+1 < len(b); i += 2 {
			u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(u))
	}
	return string(b)
}

// TextString encodes s as a PDF text string, using UTF-16BE for anything
// outside printable ASCII.
func TextString(s string) String {
	ascii := true
	for _, r := range s {
		if r < 0x20 || r > 0x7E {
			ascii = false
			break
		}
	}
	if ascii {
		return String(s)
	}
	u := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2+2*len(u))
	out = append(out, 0xFE, 0xFF)
	for _, c := range u {
		out = append(out, byte(c>>8), byte(c))
	}
	return String(out)
}

// Date formats t as a PDF date string.
func Date(t time.Time) String {
	t = t.UTC()
	return String(t.Format("D:20060102150405") + "+00'00'")
}

// ParseDate reads the common D:YYYYMMDDHHmmSS forms, with or without a zone.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "D:")
	if len(s) < 4 {
		return time.Time{}, fmt.Errorf("pdf date %q too short", s)
	}
	digits := s
	zone := ""
	if i := strings.IndexAny(s, "Z+-"); i >= 0 {
		digits, zone = s[:i], s[i:]
	}
	layouts := []string{"20060102150405", "200601021504", "2006010215", "20060102", "200601", "2006"}
	var t time.Time
	var err error
	for _, layout := range layouts {
		if len(digits) == len(layout) {
			t, err = time.Parse(layout, digits)
			break
		}
	}
	if err != nil || t.IsZero() {
		return time.Time{}, fmt.Errorf("unrecognised pdf date %q", s)
	}
	if zone == "" || zone[0] == 'Z' {
		return t.UTC(), nil
	}
	z := strings.ReplaceAll(zone[1:], "'", "")
	if len(z) < 2 {
		return t.UTC(), nil
	}
	hours, _ := strconv.Atoi(z[:2])
	mins := 0
	if len(z) >= 4 {
		mins, _ = strconv.Atoi(z[2:4])
	}
	offset := hours*3600 + mins*60
	if zone[0] == '-' {
		offset = -offset
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.FixedZone("", offset)).UTC(), nil
}

// Clone returns a shallow copy of d.
func (d Dict) Clone() Dict {
	out := make(Dict, len(d)+2)
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Name returns the name stored at key, or "".
func (d Dict) Name(key Name) Name {
	n, _ := d[key].(Name)
	return n
}

// Text returns the text string stored at key, or "".
func (d Dict) Text(key Name) string {
	s, ok := d[key].(String)
	if !ok {
		return ""
	}
	return s.Text()
}

// Int returns the integer stored at key.
func (d Dict) Int(key Name) (int64, bool) {
	switch v := d[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Serialize writes o in PDF syntax. Dictionary keys are sorted so output
// is deterministic.
func Serialize(o Object) []byte {
	var buf bytes.Buffer
	writeObject(&buf, o)
	return buf.Bytes()
}

func writeObject(buf *bytes.Buffer, o Object) {
	switch v := o.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int:
		buf.WriteString(strconv.Itoa(v))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case float64:
		buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	case Name:
		writeName(buf, v)
	case String:
		writeString(buf, v)
	case Ref:
		buf.WriteString(v.String())
	case Array:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(' ')
			}
			writeObject(buf, item)
		}
		buf.WriteByte(']')
	case Dict:
		writeDict(buf, v)
	case *Stream:
		d := v.Dict.Clone()
		d["Length"] = int64(len(v.Data))
		writeDict(buf, d)
		buf.WriteString("\nstream\n")
		buf.Write(v.Data)
		buf.WriteString("\nendstream")
	case Raw:
		buf.Write(v)
	default:
		panic(fmt.Sprintf("pdf: cannot serialize %T", o))
	}
}

func writeDict(buf *bytes.Buffer, d Dict) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	buf.WriteString("<<")
	for _, k := range keys {
		writeName(buf, Name(k))
		buf.WriteByte(' ')
		writeObject(buf, d[Name(k)])
	}
	buf.WriteString(">>")
}

func writeName(buf *bytes.Buffer, n Name) {
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c < 0x21 || c > 0x7E || c == '#' || isDelimiter(c) {
			fmt.Fprintf(buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
}

func writeString(buf *bytes.Buffer, s String) {
	buf.WriteByte('(')
	for _, c := range []byte(s) {
		switch c {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			if c < 0x20 || c > 0x7E {
				fmt.Fprintf(buf, "\\%03o", c)
				continue
			}
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(')')
}
