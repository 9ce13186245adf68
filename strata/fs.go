package strata

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// -----------------------------------------------------------------------------
// Local Filesystem
// -----------------------------------------------------------------------------

// localFilesystem implements Filesystem over the local disk.
type localFilesystem struct{}

// NewLocalFilesystem creates a Filesystem for local paths.
//
// Accepted URLs are bare paths and file:// URLs. Secrets and options are
// ignored; local files need neither.
func NewLocalFilesystem() Filesystem {
	return localFilesystem{}
}

func (localFilesystem) Open(_ context.Context, url string, _ Secrets, _ map[string]any) (StreamHandle, error) {
	path := strings.TrimPrefix(url, "file://")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileHandle{File: f, url: url}, nil
}

// fileHandle adapts *os.File to StreamHandle.
type fileHandle struct {
	*os.File
	url string
}

func (h *fileHandle) URL() string { return h.url }

func (h *fileHandle) Size() (int64, error) {
	info, err := h.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// -----------------------------------------------------------------------------
// Cross-filesystem copy
// -----------------------------------------------------------------------------

// copyBufferSize is the block size for cross-filesystem copies.
const copyBufferSize = 1 << 20 // 1MB

// CopyBetweenFilesystems streams a byte-for-byte copy from src to dst.
// Both sides may belong to different filesystem backends; the copy is a
// plain sequential read/write with a fixed buffer.
func CopyBetweenFilesystems(dst io.Writer, src io.Reader) error {
	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		return fmt.Errorf("copy between filesystems: %w", err)
	}
	return nil
}

// Ensure localFilesystem implements Filesystem.
var _ Filesystem = localFilesystem{}
var _ StreamHandle = (*fileHandle)(nil)
