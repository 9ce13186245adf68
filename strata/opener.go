package strata

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// -----------------------------------------------------------------------------
// Source opener
// -----------------------------------------------------------------------------

// SourceOpener opens string URLs as stream handles, optionally routing
// through a prefetch cache.
type SourceOpener struct {
	fs    Filesystem
	cache Cache
}

// NewSourceOpener creates a SourceOpener over the given filesystem.
//
// With a non-nil cache, Open populates the cache before every read so the
// cached copy is guaranteed to exist regardless of concurrent population by
// other callers. Without one, handles come straight from the filesystem.
func NewSourceOpener(fs Filesystem, cache Cache) (*SourceOpener, error) {
	if fs == nil {
		return nil, errors.New("strata: filesystem is required")
	}
	return &SourceOpener{fs: fs, cache: cache}, nil
}

// Open opens the URL and returns a readable handle.
//
// Secrets are injected into the filesystem (or cache) as connection
// parameters. No retries are performed; I/O failures propagate unchanged.
func (o *SourceOpener) Open(ctx context.Context, url string, secrets Secrets, options map[string]any) (StreamHandle, error) {
	if o.cache != nil {
		// Prefetch strictly before read. The cache owns concurrency.
		if err := o.cache.CacheFile(ctx, url, secrets, options); err != nil {
			return nil, fmt.Errorf("strata: caching %s: %w", url, err)
		}
		h, err := o.cache.OpenFile(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("strata: opening cached %s: %w", url, err)
		}
		return h, nil
	}

	h, err := o.fs.Open(ctx, url, secrets, options)
	if err != nil {
		return nil, fmt.Errorf("strata: opening %s: %w", url, err)
	}
	return h, nil
}

// -----------------------------------------------------------------------------
// Local copy fallback
// -----------------------------------------------------------------------------

// CopyToLocal materializes an open stream handle to a process-unique local
// temporary file and returns its path. Some materialization backends cannot
// consume remote or streaming handles; GRIB readers in particular want a
// real file path.
//
// Bare URLs are rejected with ErrUnsupportedCopySource: they must be opened
// first (see SourceOpener.Open). Zarr and OPeNDAP inputs are rejected with
// ErrUnsupportedCopyTarget: both are designed for remote access and copying
// them discards that benefit.
//
// The temporary file is not auto-cleaned; deleting it is the caller's
// responsibility.
func CopyToLocal(src Source, ft FileType) (string, error) {
	if src.IsURL() {
		return "", fmt.Errorf("strata: %w", ErrUnsupportedCopySource)
	}
	if ft == Zarr || ft == OPeNDAP {
		return "", fmt.Errorf("strata: file type %q: %w", ft, ErrUnsupportedCopyTarget)
	}

	handle, err := normalizeHandle(src)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", "strata-copy-*")
	if err != nil {
		return "", fmt.Errorf("strata: creating temp file: %w", err)
	}

	if err := CopyBetweenFilesystems(tmp, handle); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("strata: copying to %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("strata: closing %s: %w", tmp.Name(), err)
	}

	return tmp.Name(), nil
}

// normalizeHandle extracts a concrete StreamHandle from a handle source,
// opening lazy handles first.
func normalizeHandle(src Source) (StreamHandle, error) {
	h := src.Handle()
	if h == nil {
		return nil, errors.New("strata: source holds no stream handle")
	}
	if lazy, ok := h.(Lazy); ok {
		opened, err := lazy.Open()
		if err != nil {
			return nil, fmt.Errorf("strata: opening lazy handle: %w", err)
		}
		return opened, nil
	}
	return h, nil
}
