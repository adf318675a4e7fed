package pdf

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokInt
	tokReal
	tokName
	tokString
	tokKeyword
	tokDictStart
	tokDictEnd
	tokArrayStart
	tokArrayEnd
)

type token struct {
	kind tokenKind
	i    int64
	f    float64
	s    string
	b    []byte
	pos  int
}

func isWhitespace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

type lexer struct {
	data []byte
	pos  int
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		if isWhitespace(c) {
			l.pos++
			continue
		}
		if c == '%' {
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
			continue
		}
		return
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.data) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.data[l.pos]
	switch {
	case c == '<':
		if l.pos+1 < len(l.data) && l.data[l.pos+1] == '<' {
			l.pos += 2
			return token{kind: tokDictStart, pos: start}, nil
		}
		return l.hexString()
	case c == '>':
		if l.pos+1 < len(l.data) && l.data[l.pos+1] == '>' {
			l.pos += 2
			return token{kind: tokDictEnd, pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected '>' at offset %d", start)
	case c == '[':
		l.pos++
		return token{kind: tokArrayStart, pos: start}, nil
	case c == ']':
		l.pos++
		return token{kind: tokArrayEnd, pos: start}, nil
	case c == '(':
		return l.literalString()
	case c == '/':
		return l.name()
	case c == '{' || c == '}':
		l.pos++
		return token{kind: tokKeyword, s: string(c), pos: start}, nil
	case c == ')':
		return token{}, fmt.Errorf("unbalanced ')' at offset %d", start)
	}
	for l.pos < len(l.data) && !isWhitespace(l.data[l.pos]) && !isDelimiter(l.data[l.pos]) {
		l.pos++
	}
	word := string(l.data[start:l.pos])
	if i, err := strconv.ParseInt(word, 10, 64); err == nil {
		return token{kind: tokInt, i: i, pos: start}, nil
	}
	if f, err := strconv.ParseFloat(word, 64); err == nil {
		return token{kind: tokReal, f: f, pos: start}, nil
	}
	return token{kind: tokKeyword, s: word, pos: start}, nil
}

func (l *lexer) name() (token, error) {
	start := l.pos
	l.pos++
	var out []byte
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		if isWhitespace(c) || isDelimiter(c) {
			break
		}
		if c == '#' && l.pos+2 < len(l.data) {
			if v, err := strconv.ParseUint(string(l.data[l.pos+1:l.pos+3]), 16, 8); err == nil {
				out = append(out, byte(v))
				l.pos += 3
				continue
			}
		}
		out = append(out, c)
		l.pos++
	}
	return token{kind: tokName, s: string(out), pos: start}, nil
}

func (l *lexer) hexString() (token, error) {
	start := l.pos
	l.pos++
	end := bytes.IndexByte(l.data[l.pos:], '>')
	if end < 0 {
		return token{}, fmt.Errorf("unterminated hex string at offset %d", start)
	}
	digits := make([]byte, 0, end)
	for _, c := range l.data[l.pos : l.pos+end] {
		if !isWhitespace(c) {
			digits = append(digits, c)
		}
	}
	l.pos += end + 1
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return token{}, fmt.Errorf("invalid hex string at offset %d: %w", start, err)
	}
	return token{kind: tokString, b: out, pos: start}, nil
}

func (l *lexer) literalString() (token, error) {
	start := l.pos
	l.pos++
	depth := 1
	var out []byte
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return token{kind: tokString, b: out, pos: start}, nil
			}
			out = append(out, c)
		case '\\':
			if l.pos >= len(l.data) {
				break
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if l.pos < len(l.data) && l.data[l.pos] == '\n' {
					l.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for k := 0; k < 2 && l.pos < len(l.data); k++ {
						d := l.data[l.pos]
						if d < '0' || d > '7' {
							break
						}
						v = v*8 + int(d-'0')
						l.pos++
					}
					out = append(out, byte(v))
					continue
				}
				out = append(out, e)
			}
		default:
			out = append(out, c)
		}
	}
	return token{}, fmt.Errorf("unterminated string at offset %d", start)
}

// parser turns tokens into objects with the two-token lookahead needed to
// recognise "n g R".
type parser struct {
	lex *lexer
	buf []token
}

func newParser(data []byte, pos int) *parser {
	return &parser{lex: &lexer{data: data, pos: pos}}
}

func (p *parser) peek(n int) (token, error) {
	for len(p.buf) <= n {
		t, err := p.lex.next()
		if err != nil {
			return token{}, err
		}
		p.buf = append(p.buf, t)
	}
	return p.buf[n], nil
}

func (p *parser) next() (token, error) {
	if len(p.buf) > 0 {
		t := p.buf[0]
		p.buf = p.buf[1:]
		return t, nil
	}
	return p.lex.next()
}

func (p *parser) expectKeyword(word string) error {
	t, err := p.next()
	if err != nil {
		return err
	}
	if t.kind != tokKeyword || t.s != word {
		return fmt.Errorf("expected %q at offset %d", word, t.pos)
	}
	return nil
}

func (p *parser) parseObject() (Object, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	switch t.kind {
	case tokInt:
		n1, err := p.peek(0)
		if err != nil || n1.kind != tokInt {
			return t.i, nil
		}
		n2, err := p.peek(1)
		if err != nil || n2.kind != tokKeyword || n2.s != "R" {
			return t.i, nil
		}
		p.buf = p.buf[2:]
		return Ref{Num: int(t.i), Gen: int(n1.i)}, nil
	case tokReal:
		return t.f, nil
	case tokName:
		return Name(t.s), nil
	case tokString:
		return String(t.b), nil
	case tokArrayStart:
		var arr Array
		for {
			n, err := p.peek(0)
			if err != nil {
				return nil, err
			}
			if n.kind == tokArrayEnd {
				p.buf = p.buf[1:]
				return arr, nil
			}
			if n.kind == tokEOF {
				return nil, fmt.Errorf("unterminated array")
			}
			item, err := p.parseObject()
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
	case tokDictStart:
		d := Dict{}
		for {
			k, err := p.next()
			if err != nil {
				return nil, err
			}
			if k.kind == tokDictEnd {
				return d, nil
			}
			if k.kind != tokName {
				return nil, fmt.Errorf("dictionary key is not a name at offset %d", k.pos)
			}
			v, err := p.parseObject()
			if err != nil {
				return nil, err
			}
			d[Name(k.s)] = v
		}
	case tokKeyword:
		switch t.s {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected keyword %q at offset %d", t.s, t.pos)
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of data")
	}
	return nil, fmt.Errorf("unexpected token at offset %d", t.pos)
}
