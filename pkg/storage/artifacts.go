package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("storage: artifact not found")

// ArtifactStore keeps signed documents. Put returns an opaque reference that
// the other methods accept.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	URL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// ParseRef splits "scheme://bucket/key".
func ParseRef(ref string) (scheme, bucket, key string, err error) {
	i := strings.Index(ref, "://")
	if i <= 0 {
		return "", "", "", fmt.Errorf("invalid artifact reference %q", ref)
	}
	scheme = ref[:i]
	rest := ref[i+3:]
	j := strings.IndexByte(rest, '/')
	if j <= 0 || j == len(rest)-1 {
		return "", "", "", fmt.Errorf("invalid artifact reference %q", ref)
	}
	return scheme, rest[:j], rest[j+1:], nil
}

type s3ArtifactStore struct {
	client S3Client
	bucket string
}

// NewS3ArtifactStore stores artifacts in one bucket; references look like
// s3://bucket/key.
func NewS3ArtifactStore(client S3Client, bucket string) ArtifactStore {
	return &s3ArtifactStore{client: client, bucket: bucket}
}

func (s *s3ArtifactStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := s.client.Upload(ctx, s.bucket, key, bytes.NewReader(data), contentType); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *s3ArtifactStore) locate(ref string) (string, string, error) {
	scheme, bucket, key, err := ParseRef(ref)
	if err != nil {
		return "", "", err
	}
	if scheme != "s3" {
		return "", "", fmt.Errorf("reference %q is not an s3 reference", ref)
	}
	return bucket, key, nil
}

func (s *s3ArtifactStore) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := s.locate(ref)
	if err != nil {
		return nil, err
	}
	body, err := s.client.Download(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (s *s3ArtifactStore) Delete(ctx context.Context, ref string) error {
	bucket, key, err := s.locate(ref)
	if err != nil {
		return err
	}
	return s.client.Delete(ctx, bucket, key)
}

func (s *s3ArtifactStore) URL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	bucket, key, err := s.locate(ref)
	if err != nil {
		return "", err
	}
	return s.client.GetPresignedURL(ctx, bucket, key, ttl)
}

type memoryArtifactStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	baseURL string
}

// NewMemoryArtifactStore keeps artifacts in process memory, for development
// and tests. References look like memory://artifacts/key.
func NewMemoryArtifactStore(baseURL string) ArtifactStore {
	return &memoryArtifactStore{objects: map[string][]byte{}, baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *memoryArtifactStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return "memory://artifacts/" + key, nil
}

func (m *memoryArtifactStore) key(ref string) (string, error) {
	scheme, _, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if scheme != "memory" {
		return "", fmt.Errorf("reference %q is not a memory reference", ref)
	}
	return key, nil
}

func (m *memoryArtifactStore) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := m.key(ref)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *memoryArtifactStore) Delete(ctx context.Context, ref string) error {
	key, err := m.key(ref)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryArtifactStore) URL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	key, err := m.key(ref)
	if err != nil {
		return "", err
	}
	return m.baseURL + "/" + key, nil
}
