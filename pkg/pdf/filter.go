package pdf

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// maxDecodedSize bounds inflated stream data.
const maxDecodedSize = 256 << 20

// Decode returns the decoded data of s. Only FlateDecode (with or without a
// PNG or TIFF predictor) is supported, which covers the cross-reference and
// object streams written by common producers.
func Decode(s *Stream) ([]byte, error) {
	filters, params := streamFilters(s.Dict)
	data := s.Data
	for i, f := range filters {
		switch f {
		case "FlateDecode", "Fl":
			out, err := inflate(data)
			if err != nil {
				return nil, fmt.Errorf("%w: flate stream: %v", ErrMalformed, err)
			}
			var p Dict
			if i < len(params) {
				p = params[i]
			}
			data, err = unpredict(out, p)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: stream filter %s", ErrUnsupported, f)
		}
	}
	return data, nil
}

func streamFilters(d Dict) ([]Name, []Dict) {
	var filters []Name
	switch v := d["Filter"].(type) {
	case Name:
		filters = []Name{v}
	case Array:
		for _, f := range v {
			if n, ok := f.(Name); ok {
				filters = append(filters, n)
			}
		}
	}
	var params []Dict
	switch v := d["DecodeParms"].(type) {
	case Dict:
		params = []Dict{v}
	case Array:
		for _, p := range v {
			pd, _ := p.(Dict)
			params = append(params, pd)
		}
	}
	return filters, params
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil && len(out) == 0 {
		return nil, err
	}
	if len(out) > maxDecodedSize {
		return nil, fmt.Errorf("stream exceeds %d bytes", maxDecodedSize)
	}
	// Producers often omit the adler checksum; keep what was inflated.
	return out, nil
}

func paramInt(p Dict, key Name, def int) int {
	if p == nil {
		return def
	}
	if n, ok := p.Int(key); ok {
		return int(n)
	}
	return def
}

func unpredict(data []byte, p Dict) ([]byte, error) {
	predictor := paramInt(p, "Predictor", 1)
	if predictor <= 1 {
		return data, nil
	}
	colors := paramInt(p, "Colors", 1)
	bpc := paramInt(p, "BitsPerComponent", 8)
	columns := paramInt(p, "Columns", 1)
	if colors < 1 || bpc < 1 || columns < 1 {
		return nil, fmt.Errorf("%w: invalid predictor parameters", ErrMalformed)
	}
	bpp := max(1, colors*bpc/8)
	rowLen := (colors*bpc*columns + 7) / 8

	if predictor == 2 {
		if bpc != 8 {
			return nil, fmt.Errorf("%w: TIFF predictor with %d bits per component", ErrUnsupported, bpc)
		}
		out := append([]byte(nil), data...)
		for row := 0; row+rowLen <= len(out); row += rowLen {
			for i := bpp; i < rowLen; i++ {
				out[row+i] += out[row+i-bpp]
			}
		}
		return out, nil
	}
	if predictor < 10 {
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupported, predictor)
	}

	// PNG: each row carries its own filter type byte.
	out := make([]byte, 0, len(data))
	prev := make([]byte, rowLen)
	for pos := 0; pos < len(data); pos += rowLen + 1 {
		if pos+rowLen+1 > len(data) {
			return nil, fmt.Errorf("%w: truncated predictor row", ErrMalformed)
		}
		kind := data[pos]
		row := append([]byte(nil), data[pos+1:pos+1+rowLen]...)
		for i := range row {
			var left, upLeft byte
			if i >= bpp {
				left = row[i-bpp]
				upLeft = prev[i-bpp]
			}
			up := prev[i]
			switch kind {
			case 0:
			case 1:
				row[i] += left
			case 2:
				row[i] += up
			case 3:
				row[i] += byte((int(left) + int(up)) / 2)
			case 4:
				row[i] += paeth(left, up, upLeft)
			default:
				return nil, fmt.Errorf("%w: PNG filter type %d", ErrMalformed, kind)
			}
		}
		out = append(out, row...)
		prev = row
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	}
	return c
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
