package s3

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestFilesystem_Open_ServesRangedReads(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	mock.Put("bucket", "data/input.nc", []byte("0123456789abcdef"))

	fs, err := NewFilesystem(mock)
	if err != nil {
		t.Fatal(err)
	}

	h, err := fs.Open(ctx, "s3://bucket/data/input.nc", nil, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()

	size, err := h.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 16 {
		t.Errorf("size = %d, want 16", size)
	}
	if h.URL() != "s3://bucket/data/input.nc" {
		t.Errorf("URL = %q", h.URL())
	}

	buf := make([]byte, 6)
	if _, err := h.ReadAt(buf, 10); err != nil && err != io.EOF {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "abcdef" {
		t.Errorf("ReadAt = %q, want abcdef", buf)
	}
}

func TestFilesystem_Open_Missing(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystem(NewMockClient())
	if err != nil {
		t.Fatal(err)
	}

	_, err = fs.Open(ctx, "s3://bucket/missing", nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestFilesystem_Open_RejectsBadURLs(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystem(NewMockClient())
	if err != nil {
		t.Fatal(err)
	}

	for _, url := range []string{"http://bucket/key", "s3://bucketonly", "s3://bucket/", ""} {
		if _, err := fs.Open(ctx, url, nil, nil); err == nil {
			t.Errorf("Open(%q) should fail", url)
		}
	}
}

func TestObjectHandle_SequentialReadAndSeek(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	mock.Put("bucket", "k", []byte("hello world"))

	fs, _ := NewFilesystem(mock)
	h, err := fs.Open(ctx, "s3://bucket/k", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if _, err := h.Seek(6, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(h)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "world" {
		t.Errorf("read %q, want world", data)
	}

	if pos, err := h.Seek(-5, io.SeekEnd); err != nil || pos != 6 {
		t.Errorf("SeekEnd = %d, %v", pos, err)
	}
}

func TestObjectHandle_ReadAtBeyondEOF(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	mock.Put("bucket", "k", []byte("short"))

	fs, _ := NewFilesystem(mock)
	h, err := fs.Open(ctx, "s3://bucket/k", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if _, err := h.ReadAt(make([]byte, 4), 100); err != io.EOF {
		t.Errorf("expected io.EOF past the end, got: %v", err)
	}
}

func TestSplitURL(t *testing.T) {
	bucket, key, err := SplitURL("s3://my-bucket/a/b/c.grib2")
	if err != nil {
		t.Fatal(err)
	}
	if bucket != "my-bucket" || key != "a/b/c.grib2" {
		t.Errorf("SplitURL = %q, %q", bucket, key)
	}
}

func TestStore_Get(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	mock.Put("bucket", "store/temp/.zarray", []byte(`{"zarr_format":2}`))

	store, err := NewStore(mock, "s3://bucket/store")
	if err != nil {
		t.Fatal(err)
	}
	if store.URL() != "s3://bucket/store" {
		t.Errorf("URL = %q", store.URL())
	}

	data, err := store.Get(ctx, "temp/.zarray")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `{"zarr_format":2}` {
		t.Errorf("Get = %q", data)
	}

	if _, err := store.Get(ctx, "temp/0.0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}
