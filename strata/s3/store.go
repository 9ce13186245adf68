package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/justapithecus/strata/strata"
)

// Store implements strata.ChunkStore over an S3 prefix, treating object
// keys under the prefix as chunk keys. Zarr hierarchies stored in object
// storage open through it directly, no listing required.
type Store struct {
	client API
	url    string
	bucket string
	prefix string
}

// NewStore creates a chunk store rooted at an s3://bucket/prefix URL.
func NewStore(client API, url string) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	bucket, prefix, err := SplitURL(url)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{client: client, url: url, bucket: bucket, prefix: prefix}, nil
}

// URL returns the store's root location.
func (s *Store) URL() string { return s.url }

// Get reads the object stored under the given chunk key.
// Returns ErrNotFound when the key does not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("s3: empty chunk key")
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3: %s%s: %w", s.prefix, key, ErrNotFound)
		}
		return nil, fmt.Errorf("s3: get chunk: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: reading chunk body: %w", err)
	}
	return data, nil
}

// Ensure Store implements strata.ChunkStore.
var _ strata.ChunkStore = (*Store)(nil)
