// Package strata opens heterogeneous scientific data files as structured
// datasets or as virtual reference mappings.
//
// Strata is the ingestion stage of a larger pipeline. It reconciles declared
// file types with caller-supplied engine options, picks an opening strategy
// (direct stream, cache-then-open, or copy-to-local), and consolidates
// per-format scan output into a single reference mapping that lets a
// chunked-array store read the original bytes in place. Byte parsing,
// caching, and dataset materialization live behind collaborator interfaces.
package strata

import (
	"context"
	"io"
)

// -----------------------------------------------------------------------------
// File types
// -----------------------------------------------------------------------------

// FileType identifies the on-disk format of an input item.
type FileType string

// The closed set of recognized file types.
const (
	NetCDF3 FileType = "netcdf3"
	NetCDF4 FileType = "netcdf4"
	Zarr    FileType = "zarr"
	GRIB    FileType = "grib"
	OPeNDAP FileType = "opendap"
	Unknown FileType = "unknown"
)

// ParseFileType maps a string onto the closed file type set. Unrecognized
// values map to Unknown with ok=false.
func ParseFileType(s string) (FileType, bool) {
	switch ft := FileType(s); ft {
	case NetCDF3, NetCDF4, Zarr, GRIB, OPeNDAP, Unknown:
		return ft, true
	}
	return Unknown, false
}

// OpenOptions holds caller-supplied options passed through to the
// materialization collaborator. The "engine" key, when present, is the
// explicit engine selector reconciled by ResolveEngine.
type OpenOptions map[string]any

// Secrets holds connection parameters (credentials, tokens, endpoints)
// injected into filesystem collaborators when opening a URL.
type Secrets map[string]string

// -----------------------------------------------------------------------------
// Sources and handles
// -----------------------------------------------------------------------------

// StreamHandle is an open byte source obtained from a Filesystem or Cache.
// Implementations must support random access reads; scanners seek freely.
type StreamHandle interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer

	// URL returns the location this handle was opened from.
	URL() string

	// Size returns the total length of the underlying byte source.
	Size() (int64, error)
}

// Lazy is an optional capability for handles whose bytes are not open yet.
// Source normalization invokes Open before handing the handle to a scanner
// or materializer.
type Lazy interface {
	Open() (StreamHandle, error)
}

// ChunkStore is an open handle to hierarchical chunked-array storage.
// It may only be opened as FileType Zarr.
type ChunkStore interface {
	// URL returns the store's root location.
	URL() string

	// Get reads the value stored under the given key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// sourceKind tags the variant held by a Source.
type sourceKind int

const (
	sourceURL sourceKind = iota
	sourceHandle
	sourceStore
)

// Source is a tagged variant over the three things an opener accepts:
// a string URL, an open stream handle, or a chunked-store handle.
// The zero Source is invalid; use one of the constructors.
type Source struct {
	kind   sourceKind
	url    string
	handle StreamHandle
	store  ChunkStore
}

// URLSource wraps a string URL.
func URLSource(url string) Source {
	return Source{kind: sourceURL, url: url}
}

// HandleSource wraps an open stream handle.
func HandleSource(h StreamHandle) Source {
	return Source{kind: sourceHandle, handle: h}
}

// StoreSource wraps a chunked-store handle.
func StoreSource(s ChunkStore) Source {
	return Source{kind: sourceStore, store: s}
}

// IsURL reports whether the source is a bare string URL.
func (s Source) IsURL() bool { return s.kind == sourceURL }

// IsHandle reports whether the source is an open stream handle.
func (s Source) IsHandle() bool { return s.kind == sourceHandle }

// IsStore reports whether the source is a chunked-store handle.
func (s Source) IsStore() bool { return s.kind == sourceStore }

// URL returns the wrapped URL for URL sources, the handle's URL for handle
// sources, and the store's root URL for store sources.
func (s Source) URL() string {
	switch s.kind {
	case sourceHandle:
		return s.handle.URL()
	case sourceStore:
		return s.store.URL()
	default:
		return s.url
	}
}

// Handle returns the wrapped stream handle, or nil for other variants.
func (s Source) Handle() StreamHandle { return s.handle }

// Store returns the wrapped chunk store, or nil for other variants.
func (s Source) Store() ChunkStore { return s.store }

// -----------------------------------------------------------------------------
// Collaborator interfaces
// -----------------------------------------------------------------------------

// Filesystem abstracts opening byte sources by URL.
//
// Implementations may target the local filesystem, S3, or other remote
// stores. Secrets carry connection parameters; options carry
// backend-specific open arguments.
type Filesystem interface {
	Open(ctx context.Context, url string, secrets Secrets, options map[string]any) (StreamHandle, error)
}

// Cache is a prefetch-then-open cache target.
//
// CacheFile populates the cache as a side effect; OpenFile reads the cached
// copy. Concurrent population by other callers is the cache's concern; this
// package only guarantees CacheFile is called before OpenFile.
type Cache interface {
	// CacheFile fetches the URL into the cache. Idempotent.
	CacheFile(ctx context.Context, url string, secrets Secrets, options map[string]any) error

	// OpenFile opens the cached copy of the URL for reading.
	OpenFile(ctx context.Context, url string) (StreamHandle, error)
}

// Scanner extracts byte-range references from a single file of one format.
//
// Scanners return one mapping per logical field group; most formats yield
// exactly one, GRIB yields one per message. Malformed input surfaces as a
// decode error and is propagated unchanged.
type Scanner interface {
	Scan(ctx context.Context, src Source, opts ScanOptions) ([]ReferenceMapping, error)
}

// ScanOptions configures a scan pass.
type ScanOptions struct {
	// InlineThreshold is the maximum byte size for embedding values directly
	// in the reference mapping instead of pointing at a byte range.
	// Default: 100.
	InlineThreshold int64

	// MaxChunkSize caps the size of a single chunk reference. Only the
	// NetCDF3 scanner honors it, splitting record variables along the
	// record dimension. Default: 100_000_000.
	MaxChunkSize int64

	// Filter restricts GRIB scanning to messages whose section attributes
	// match all given key/value pairs. Nil means no filtering.
	Filter map[string]string

	// Storage carries backend-specific options through to the scanner.
	Storage map[string]any
}

// DefaultScanOptions returns the documented defaults for every field.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		InlineThreshold: 100,
		MaxChunkSize:    100_000_000,
	}
}

// Materializer abstracts the dataset materialization library.
type Materializer interface {
	OpenDataset(ctx context.Context, src Source, options OpenOptions) (Dataset, error)
}

// Dataset is a materialized view over an input item. Until Load is called
// the data may remain lazily stream-backed.
type Dataset interface {
	// Load eagerly materializes the dataset in place.
	Load(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for the failure taxonomy.
var (
	// ErrEngineConflict indicates an explicit engine that contradicts the
	// canonical engine for a known file type.
	ErrEngineConflict = errEngineConflict{}

	// ErrUnsupportedFileType indicates a file type with no scanner.
	ErrUnsupportedFileType = errUnsupportedFileType{}

	// ErrUnsupportedCopySource indicates CopyToLocal was given a bare URL.
	ErrUnsupportedCopySource = errUnsupportedCopySource{}

	// ErrUnsupportedCopyTarget indicates CopyToLocal was given a file type
	// designed for remote or streaming access.
	ErrUnsupportedCopyTarget = errUnsupportedCopyTarget{}

	// ErrInvalidCopyRequest indicates OpenDataset was asked to copy a bare
	// URL to a local file; the caller should open the URL first.
	ErrInvalidCopyRequest = errInvalidCopyRequest{}

	// ErrTypeMismatch indicates a chunked-store handle offered under a
	// non-zarr file type.
	ErrTypeMismatch = errTypeMismatch{}
)

type errEngineConflict struct{}

func (errEngineConflict) Error() string { return "engine conflicts with file type" }

type errUnsupportedFileType struct{}

func (errUnsupportedFileType) Error() string { return "no scanner for file type" }

type errUnsupportedCopySource struct{}

func (errUnsupportedCopySource) Error() string { return "cannot copy a bare URL to a local file" }

type errUnsupportedCopyTarget struct{}

func (errUnsupportedCopyTarget) Error() string { return "file type cannot be copied to a local file" }

type errInvalidCopyRequest struct{}

func (errInvalidCopyRequest) Error() string { return "copy to local requested for a bare URL" }

type errTypeMismatch struct{}

func (errTypeMismatch) Error() string { return "chunk store can only be opened as zarr" }
