package strata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// -----------------------------------------------------------------------------
// Directory cache
// -----------------------------------------------------------------------------

// FSCache implements Cache over a local directory.
//
// Cached copies are stored under content-addressed names derived from the
// source URL, so concurrent CacheFile calls for the same URL converge on
// one file. Population is write-to-temp-then-rename; readers never observe
// a partial copy.
type FSCache struct {
	root string
	fs   Filesystem
}

// NewFSCache creates a cache rooted at the given directory, fetching
// misses through the given filesystem. The directory must exist.
func NewFSCache(root string, fs Filesystem) (*FSCache, error) {
	if fs == nil {
		return nil, errors.New("strata: cache filesystem is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &FSCache{root: root, fs: fs}, nil
}

// CacheFile fetches the URL into the cache. A URL already present is left
// untouched; the fetch is skipped entirely.
func (c *FSCache) CacheFile(ctx context.Context, url string, secrets Secrets, options map[string]any) error {
	target := c.cachePath(url)
	if _, err := os.Stat(target); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	src, err := c.fs.Open(ctx, url, secrets, options)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(c.root, ".fetch-*")
	if err != nil {
		return err
	}
	if err := CopyBetweenFilesystems(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	// Rename is atomic on POSIX filesystems. A concurrent populator racing
	// to the same target wins or loses whole files, never halves.
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

// OpenFile opens the cached copy of the URL. The returned handle reports
// the original URL, not the cache path.
func (c *FSCache) OpenFile(_ context.Context, url string) (StreamHandle, error) {
	f, err := os.Open(c.cachePath(url))
	if err != nil {
		return nil, fmt.Errorf("cached copy of %s: %w", url, err)
	}
	return &fileHandle{File: f, url: url}, nil
}

// LocalPath returns where the cached copy of the URL lives, whether or not
// it exists yet.
func (c *FSCache) LocalPath(url string) string {
	return c.cachePath(url)
}

func (c *FSCache) cachePath(url string) string {
	sum := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(sum[:16]) + filepath.Ext(url)
	return filepath.Join(c.root, name)
}

// Ensure FSCache implements Cache.
var _ Cache = (*FSCache)(nil)
