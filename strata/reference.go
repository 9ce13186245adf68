package strata

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Reference model
// -----------------------------------------------------------------------------

// referenceFormatVersion is the version tag written into new mappings.
// It matches the widely used virtual-reference JSON layout.
const referenceFormatVersion = 1

// URLTemplateKey is the templates key recording the real source URL.
// References produced by scanners use "{{u}}" as a placeholder so consumers
// can substitute live URLs at read time.
const URLTemplateKey = "u"

// URLPlaceholder is the token scanners embed in byte-range references in
// place of the real source URL.
const URLPlaceholder = "{{u}}"

// Reference is one entry in a reference mapping: either a small value
// embedded inline, or a pointer to a byte range in an existing file.
type Reference struct {
	// Inline holds the embedded bytes. Non-nil means the reference is
	// inline and the range fields are meaningless.
	Inline []byte

	// URL locates the file holding the referenced bytes. It may be a
	// template placeholder such as "{{u}}".
	URL string

	// Offset is the byte offset of the range within the file.
	Offset int64

	// Length is the byte length of the range.
	Length int64
}

// IsInline reports whether the reference embeds its value directly.
func (r Reference) IsInline() bool { return r.Inline != nil }

// InlineRef builds an inline reference.
func InlineRef(data []byte) Reference { return Reference{Inline: data} }

// RangeRef builds a byte-range reference.
func RangeRef(url string, offset, length int64) Reference {
	return Reference{URL: url, Offset: offset, Length: length}
}

// ReferenceMapping describes how to reconstruct a chunked-array store by
// pointing at byte ranges in existing files instead of copying data.
//
// Keys are virtual store paths (for example "temp/.zarray" or "temp/0.0").
// Templates map placeholder tokens to real source URLs so consumers can
// substitute live URLs at read time. The whole structure round-trips
// through plain nested string-keyed values; see EncodeJSON and
// WriteParquet.
type ReferenceMapping struct {
	Version   int
	Refs      map[string]Reference
	Templates map[string]string
}

// NewReferenceMapping creates an empty mapping at the current format
// version.
func NewReferenceMapping() *ReferenceMapping {
	return &ReferenceMapping{
		Version: referenceFormatVersion,
		Refs:    make(map[string]Reference),
	}
}

// -----------------------------------------------------------------------------
// Reference builder
// -----------------------------------------------------------------------------

// UnsupportedFileTypeError reports a Build call for a type with no scanner.
type UnsupportedFileTypeError struct {
	FileType FileType
}

func (e *UnsupportedFileTypeError) Error() string {
	return fmt.Sprintf("strata: no scanner for file type %q", e.FileType)
}

func (e *UnsupportedFileTypeError) Unwrap() error { return ErrUnsupportedFileType }

// TypeMismatchError reports a chunked-store handle offered under a non-zarr
// file type.
type TypeMismatchError struct {
	FileType FileType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("strata: chunk store can only be opened as %q; got %q", Zarr, e.FileType)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// ReferenceBuilder drives per-format scanners and consolidates their
// outputs into one reference mapping.
type ReferenceBuilder struct {
	scanners map[FileType]Scanner
	diags    Diagnostics
}

// NewReferenceBuilder creates a builder over the given scanner registry.
// The registry maps file types to their scanners; package scan provides a
// default registry covering netcdf3, netcdf4, and grib.
func NewReferenceBuilder(scanners map[FileType]Scanner, opts ...Option) (*ReferenceBuilder, error) {
	if len(scanners) == 0 {
		return nil, errors.New("strata: at least one scanner is required")
	}

	cfg := &builderConfig{
		diags: NopDiagnostics(),
	}
	for _, opt := range opts {
		if err := opt.applyBuilder(cfg); err != nil {
			return nil, fmt.Errorf("strata: %w", err)
		}
	}

	registry := make(map[FileType]Scanner, len(scanners))
	for ft, s := range scanners {
		if s == nil {
			return nil, fmt.Errorf("strata: nil scanner registered for file type %q", ft)
		}
		registry[ft] = s
	}

	return &ReferenceBuilder{scanners: registry, diags: cfg.diags}, nil
}

// Build scans the source and returns a single consolidated reference
// mapping.
//
// Sources normalize as in OpenDataset: URLs pass through, chunked-store
// handles are only legal for zarr, and lazy handles are opened first. Zarr
// and OPeNDAP themselves have no scanner (their stores are already
// chunk-addressable) and fail with ErrUnsupportedFileType, as does Unknown.
//
// Formats whose scanners emit several mappings for one physical file (GRIB
// holds one message per field) are consolidated: the first mapping is the
// base and later entries merge in with first-writer-wins on key collision.
// Entries from one file are expected disjoint by construction. The result
// always carries a templates entry binding URLTemplateKey to the real
// source URL.
func (b *ReferenceBuilder) Build(ctx context.Context, src Source, ft FileType, opts ScanOptions) (*ReferenceMapping, error) {
	src, err := normalizeSource(src, ft)
	if err != nil {
		return nil, err
	}

	scanner, ok := b.scanners[ft]
	if !ok {
		return nil, &UnsupportedFileTypeError{FileType: ft}
	}

	mappings, err := scanner.Scan(ctx, src, opts)
	if err != nil {
		return nil, fmt.Errorf("strata: scanning %s: %w", src.URL(), err)
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("strata: scanning %s: scanner returned no references", src.URL())
	}

	return consolidate(mappings, src.URL()), nil
}

// consolidate merges per-message mappings into one, binding the URL
// template. On key collision the first writer wins.
func consolidate(mappings []ReferenceMapping, url string) *ReferenceMapping {
	base := mappings[0]

	out := &ReferenceMapping{
		Version:   base.Version,
		Refs:      make(map[string]Reference, len(base.Refs)),
		Templates: map[string]string{URLTemplateKey: url},
	}
	if out.Version == 0 {
		out.Version = referenceFormatVersion
	}
	for k, v := range base.Refs {
		out.Refs[k] = v
	}
	for k, v := range base.Templates {
		out.Templates[k] = v
	}
	out.Templates[URLTemplateKey] = url

	for _, m := range mappings[1:] {
		for k, v := range m.Refs {
			if _, exists := out.Refs[k]; exists {
				continue
			}
			out.Refs[k] = v
		}
	}

	return out
}

// normalizeSource applies the shared source rules: URLs pass through,
// chunked-store handles require zarr, lazy handles are opened first.
func normalizeSource(src Source, ft FileType) (Source, error) {
	switch {
	case src.IsURL():
		return src, nil
	case src.IsStore():
		if ft != Zarr {
			return Source{}, &TypeMismatchError{FileType: ft}
		}
		return src, nil
	default:
		h, err := normalizeHandle(src)
		if err != nil {
			return Source{}, err
		}
		return HandleSource(h), nil
	}
}
