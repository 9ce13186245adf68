// Package s3 provides an S3-compatible filesystem adapter for strata.
//
// It supports AWS S3, MinIO, LocalStack, and other S3-compatible object
// stores. Handles opened through it serve reads with ranged GetObject
// requests, so scanners index remote archives without downloading them.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/justapithecus/strata/strata"
)

// API defines the subset of the S3 client interface used by the adapter.
// This enables testing with mock implementations.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("s3: object not found")

// Filesystem implements strata.Filesystem over an S3-compatible backend.
type Filesystem struct {
	client API
}

// NewFilesystem creates a filesystem backed by the given client.
//
// The client must be pre-configured with credentials, region, and
// endpoint. Use NewClient or github.com/aws/aws-sdk-go-v2/config to build
// one.
func NewFilesystem(client API) (*Filesystem, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	return &Filesystem{client: client}, nil
}

// Open returns a stream handle for an s3:// URL.
//
// The secrets argument is accepted for interface compatibility but is not
// consulted; credentials belong to the client. Returns ErrNotFound when
// the object does not exist.
func (f *Filesystem) Open(ctx context.Context, url string, _ strata.Secrets, _ map[string]any) (strata.StreamHandle, error) {
	bucket, key, err := SplitURL(url)
	if err != nil {
		return nil, err
	}

	head, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3: %s: %w", url, ErrNotFound)
		}
		return nil, fmt.Errorf("s3: head object: %w", err)
	}

	return &objectHandle{
		client: f.client,
		ctx:    ctx,
		url:    url,
		bucket: bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

// SplitURL splits an s3://bucket/key URL into its bucket and key.
func SplitURL(url string) (bucket, key string, err error) {
	const scheme = "s3://"
	if !strings.HasPrefix(url, scheme) {
		return "", "", fmt.Errorf("s3: not an s3 URL: %q", url)
	}
	rest := url[len(scheme):]
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 || slash == len(rest)-1 {
		return "", "", fmt.Errorf("s3: URL %q lacks a bucket or key", url)
	}
	return rest[:slash], rest[slash+1:], nil
}

// objectHandle serves reads with ranged GetObject requests. ReadAt is safe
// for concurrent use; Read and Seek share a position guarded by a mutex.
type objectHandle struct {
	client API
	ctx    context.Context
	url    string
	bucket string
	key    string
	size   int64

	mu  sync.Mutex
	pos int64
}

func (h *objectHandle) URL() string { return h.url }

func (h *objectHandle) Size() (int64, error) { return h.size, nil }

func (h *objectHandle) Close() error { return nil }

// ReadAt implements io.ReaderAt with one ranged request per call.
func (h *objectHandle) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("s3: negative offset")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= h.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	rangeHeader := fmt.Sprintf("bytes=%d-%d", off, end)

	out, err := h.client.GetObject(h.ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("s3: range read: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	n, err := io.ReadFull(out.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Requested range extends beyond EOF.
		err = io.EOF
	}
	return n, err
}

func (h *objectHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	pos := h.pos
	h.mu.Unlock()

	n, err := h.ReadAt(p, pos)

	h.mu.Lock()
	h.pos = pos + int64(n)
	h.mu.Unlock()
	return n, err
}

func (h *objectHandle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = h.pos + offset
	case io.SeekEnd:
		next = h.size + offset
	default:
		return 0, fmt.Errorf("s3: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, errors.New("s3: negative seek position")
	}
	h.pos = next
	return next, nil
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

// Ensure interface compliance.
var (
	_ strata.Filesystem   = (*Filesystem)(nil)
	_ strata.StreamHandle = (*objectHandle)(nil)
)
