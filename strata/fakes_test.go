package strata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// -----------------------------------------------------------------------------
// Test doubles shared across the package tests
// -----------------------------------------------------------------------------

// memHandle is an in-memory StreamHandle.
type memHandle struct {
	*bytes.Reader
	url    string
	closed bool
}

func newMemHandle(url string, data []byte) *memHandle {
	return &memHandle{Reader: bytes.NewReader(data), url: url}
}

func (h *memHandle) URL() string          { return h.url }
func (h *memHandle) Size() (int64, error) { return h.Reader.Size(), nil }
func (h *memHandle) Close() error {
	h.closed = true
	return nil
}

// lazyHandle defers opening until Open is called, mimicking handles whose
// construction is expensive.
type lazyHandle struct {
	memHandle
	inner  StreamHandle
	opened bool
	err    error
}

func (h *lazyHandle) Open() (StreamHandle, error) {
	h.opened = true
	if h.err != nil {
		return nil, h.err
	}
	return h.inner, nil
}

// fakeFilesystem serves URLs from a map and logs every open.
type fakeFilesystem struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   []string
}

func newFakeFilesystem() *fakeFilesystem {
	return &fakeFilesystem{objects: make(map[string][]byte)}
}

func (f *fakeFilesystem) put(url string, data []byte) { f.objects[url] = data }

func (f *fakeFilesystem) Open(_ context.Context, url string, _ Secrets, _ map[string]any) (StreamHandle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "open:"+url)
	data, ok := f.objects[url]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakefs: no object at %s", url)
	}
	return newMemHandle(url, data), nil
}

// fakeCache records the order of CacheFile and OpenFile calls.
type fakeCache struct {
	fs    *fakeFilesystem
	mu    sync.Mutex
	calls []string
}

func (c *fakeCache) CacheFile(_ context.Context, url string, _ Secrets, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "cache:"+url)
	if _, ok := c.fs.objects[url]; !ok {
		return fmt.Errorf("fakecache: no object at %s", url)
	}
	return nil
}

func (c *fakeCache) OpenFile(_ context.Context, url string) (StreamHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "openfile:"+url)
	data, ok := c.fs.objects[url]
	if !ok {
		return nil, fmt.Errorf("fakecache: no object at %s", url)
	}
	return newMemHandle(url, data), nil
}

// fakeStore is an in-memory ChunkStore.
type fakeStore struct {
	url    string
	chunks map[string][]byte
}

func (s *fakeStore) URL() string { return s.url }

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := s.chunks[key]
	if !ok {
		return nil, fmt.Errorf("fakestore: no chunk %s", key)
	}
	return data, nil
}

// fakeScanner returns canned mappings and remembers the source it saw.
type fakeScanner struct {
	mappings []ReferenceMapping
	err      error
	lastSrc  Source
	calls    int
}

func (s *fakeScanner) Scan(_ context.Context, src Source, _ ScanOptions) ([]ReferenceMapping, error) {
	s.calls++
	s.lastSrc = src
	if s.err != nil {
		return nil, s.err
	}
	return s.mappings, nil
}

// fakeDataset records Load calls.
type fakeDataset struct {
	loads int
	err   error
}

func (d *fakeDataset) Load(context.Context) error {
	d.loads++
	return d.err
}

// fakeMaterializer captures what it was asked to open.
type fakeMaterializer struct {
	ds      *fakeDataset
	err     error
	lastSrc Source
	lastOpt OpenOptions
	calls   int
}

func (m *fakeMaterializer) OpenDataset(_ context.Context, src Source, opts OpenOptions) (Dataset, error) {
	m.calls++
	m.lastSrc = src
	m.lastOpt = opts
	if m.err != nil {
		return nil, m.err
	}
	if m.ds == nil {
		m.ds = &fakeDataset{}
	}
	return m.ds, nil
}

// drain reads a handle to the end.
func drain(h StreamHandle) ([]byte, error) {
	return io.ReadAll(h)
}

// Interface checks for the doubles themselves.
var (
	_ StreamHandle = (*memHandle)(nil)
	_ Lazy         = (*lazyHandle)(nil)
	_ Filesystem   = (*fakeFilesystem)(nil)
	_ Cache        = (*fakeCache)(nil)
	_ ChunkStore   = (*fakeStore)(nil)
	_ Scanner      = (*fakeScanner)(nil)
	_ Materializer = (*fakeMaterializer)(nil)
	_ Dataset      = (*fakeDataset)(nil)
)
