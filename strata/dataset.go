package strata

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Opener Configuration
// -----------------------------------------------------------------------------

// openerConfig holds the resolved configuration for an Opener.
type openerConfig struct {
	fs    Filesystem
	cache Cache
	diags Diagnostics
}

// builderConfig holds the resolved configuration for a ReferenceBuilder.
type builderConfig struct {
	diags Diagnostics
}

// Option configures Opener or ReferenceBuilder construction.
// Options implement methods for the constructors they support.
// Using an option with an unsupported constructor returns an error.
type Option interface {
	applyOpener(*openerConfig) error
	applyBuilder(*builderConfig) error
}

// ErrOptionNotValidForBuilder indicates an option was used with
// NewReferenceBuilder that only applies to NewOpener.
var ErrOptionNotValidForBuilder = errors.New("option not valid for reference builder")

// diagnosticsOption implements Option for WithDiagnostics.
type diagnosticsOption struct {
	diags Diagnostics
}

// WithDiagnostics routes non-fatal advisories to the given sink.
// Default: NopDiagnostics().
func WithDiagnostics(d Diagnostics) Option {
	return &diagnosticsOption{diags: d}
}

func (o *diagnosticsOption) applyOpener(cfg *openerConfig) error {
	cfg.diags = o.diags
	return nil
}

func (o *diagnosticsOption) applyBuilder(cfg *builderConfig) error {
	cfg.diags = o.diags
	return nil
}

// filesystemOption implements Option for WithFilesystem (opener-only).
type filesystemOption struct {
	fs Filesystem
}

// WithFilesystem sets the filesystem collaborator used to open URLs.
// Default: NewLocalFilesystem().
// This option is only valid for NewOpener.
func WithFilesystem(fs Filesystem) Option {
	return &filesystemOption{fs: fs}
}

func (o *filesystemOption) applyOpener(cfg *openerConfig) error {
	cfg.fs = o.fs
	return nil
}

func (o *filesystemOption) applyBuilder(*builderConfig) error {
	return fmt.Errorf("WithFilesystem: %w", ErrOptionNotValidForBuilder)
}

// cacheOption implements Option for WithCache (opener-only).
type cacheOption struct {
	cache Cache
}

// WithCache routes URL opens through a prefetch cache.
// Default: no cache; handles come straight from the filesystem.
// This option is only valid for NewOpener.
func WithCache(c Cache) Option {
	return &cacheOption{cache: c}
}

func (o *cacheOption) applyOpener(cfg *openerConfig) error {
	cfg.cache = o.cache
	return nil
}

func (o *cacheOption) applyBuilder(*builderConfig) error {
	return fmt.Errorf("WithCache: %w", ErrOptionNotValidForBuilder)
}

// -----------------------------------------------------------------------------
// Opener Implementation
// -----------------------------------------------------------------------------

// OpenConfig controls one OpenDataset call. Every field has an explicit
// default; the zero value opens lazily with no local copy.
type OpenConfig struct {
	// Load eagerly materializes the dataset instead of leaving it lazily
	// stream-backed. Default: false.
	Load bool

	// CopyToLocal copies an open handle to a local temporary file before
	// materialization. Required by backends that cannot consume streaming
	// handles. Invalid for bare URLs; open them first. Default: false.
	CopyToLocal bool

	// Secrets carry connection parameters for URL sources. Default: none.
	Secrets Secrets

	// Options are passed through to the materialization collaborator after
	// engine resolution. Default: none.
	Options OpenOptions
}

// Opener is the top-level orchestration: engine resolution, source
// normalization, optional local copy, and delegation to the
// materialization collaborator.
type Opener struct {
	mat    Materializer
	source *SourceOpener
	diags  Diagnostics
}

// NewOpener creates an Opener with documented defaults.
//
// Default bundle:
//   - Filesystem: NewLocalFilesystem()
//   - Cache: none
//   - Diagnostics: NopDiagnostics()
//
// Use option functions to override defaults:
//   - WithFilesystem(fs) to open URLs from another backend
//   - WithCache(c) to prefetch URLs into a cache before reading
//   - WithDiagnostics(d) to observe non-fatal advisories
func NewOpener(mat Materializer, opts ...Option) (*Opener, error) {
	if mat == nil {
		return nil, errors.New("strata: materializer is required")
	}

	cfg := &openerConfig{
		fs:    NewLocalFilesystem(),
		diags: NopDiagnostics(),
	}
	for _, opt := range opts {
		if err := opt.applyOpener(cfg); err != nil {
			return nil, fmt.Errorf("strata: %w", err)
		}
	}
	if cfg.fs == nil {
		return nil, errors.New("strata: filesystem must not be nil")
	}
	if cfg.diags == nil {
		return nil, errors.New("strata: diagnostics must not be nil")
	}

	source, err := NewSourceOpener(cfg.fs, cfg.cache)
	if err != nil {
		return nil, err
	}

	return &Opener{mat: mat, source: source, diags: cfg.diags}, nil
}

// OpenURL opens a string URL as a stream handle using the opener's
// filesystem and cache configuration.
func (o *Opener) OpenURL(ctx context.Context, url string, secrets Secrets, options map[string]any) (StreamHandle, error) {
	return o.source.Open(ctx, url, secrets, options)
}

// OpenDataset opens the source with the materialization collaborator.
//
// The engine is resolved first so type/engine conflicts fail before any
// I/O. When cfg.CopyToLocal is set, the source must be an open handle
// (bare URLs fail with ErrInvalidCopyRequest) and materialization proceeds
// from the resulting local path. cfg.Load forces eager materialization;
// copying locally without loading leaves the dataset backed by a temporary
// file that other hosts cannot see, which is surfaced as a warning.
func (o *Opener) OpenDataset(ctx context.Context, src Source, ft FileType, cfg OpenConfig) (Dataset, error) {
	resolved, err := ResolveEngine(ft, cfg.Options, o.diags)
	if err != nil {
		return nil, err
	}

	if cfg.CopyToLocal {
		if src.IsURL() {
			return nil, fmt.Errorf("strata: open the URL before requesting a local copy: %w", ErrInvalidCopyRequest)
		}
		localPath, err := CopyToLocal(src, ft)
		if err != nil {
			return nil, err
		}
		src = URLSource(localPath)
	}

	src, err = normalizeSource(src, ft)
	if err != nil {
		return nil, err
	}

	ds, err := o.mat.OpenDataset(ctx, src, resolved)
	if err != nil {
		return nil, fmt.Errorf("strata: materializing %s: %w", src.URL(), err)
	}

	if cfg.Load {
		if err := ds.Load(ctx); err != nil {
			return nil, fmt.Errorf("strata: loading %s: %w", src.URL(), err)
		}
	}

	if cfg.CopyToLocal && !cfg.Load {
		o.diags.Record(SeverityWarning, CodeLocalCopyNotLoaded,
			"input was copied to a local temporary file but the dataset was not loaded; "+
				"the data may not be accessible from other hosts, consider setting Load")
	}

	return ds, nil
}
