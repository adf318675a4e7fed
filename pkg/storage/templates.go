package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxTemplateSize caps downloaded template images.
const maxTemplateSize = 10 << 20

// TemplateFetcher loads the background image a certificate is rendered on.
type TemplateFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

type templateFetcher struct {
	s3   S3Client
	http *http.Client
}

// NewTemplateFetcher resolves s3:// references through the S3 client and
// http(s) URLs over HTTP. s3 may be nil when templates only live on the web.
func NewTemplateFetcher(s3 S3Client, timeout time.Duration) TemplateFetcher {
	return &templateFetcher{s3: s3, http: &http.Client{Timeout: timeout}}
}

// Fetch returns nil for an empty reference.
func (f *templateFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, nil
	case strings.HasPrefix(ref, "s3://"):
		if f.s3 == nil {
			return nil, fmt.Errorf("s3 template %q but no s3 client configured", ref)
		}
		_, bucket, key, err := ParseRef(ref)
		if err != nil {
			return nil, err
		}
		body, err := f.s3.Download(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		return readLimited(body)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch template: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch template: unexpected status %d", resp.StatusCode)
		}
		return readLimited(resp.Body)
	}
	return nil, fmt.Errorf("unsupported template reference %q", ref)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTemplateSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("template exceeds %d bytes", maxTemplateSize)
	}
	return data, nil
}
