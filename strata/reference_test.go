package strata

import (
	"context"
	"errors"
	"testing"
)

func newTestBuilder(t *testing.T, scanners map[FileType]Scanner, opts ...Option) *ReferenceBuilder {
	t.Helper()
	b, err := NewReferenceBuilder(scanners, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

func TestReferenceBuilder_Build_DispatchesByType(t *testing.T) {
	ctx := context.Background()
	grib := &fakeScanner{mappings: []ReferenceMapping{{
		Refs: map[string]Reference{"msg0/0": RangeRef(URLPlaceholder, 0, 100)},
	}}}
	ncdf := &fakeScanner{mappings: []ReferenceMapping{{
		Refs: map[string]Reference{"temp/.zarray": InlineRef([]byte("{}"))},
	}}}
	b := newTestBuilder(t, map[FileType]Scanner{GRIB: grib, NetCDF3: ncdf})

	if _, err := b.Build(ctx, URLSource("file:///a.grib2"), GRIB, DefaultScanOptions()); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if grib.calls != 1 || ncdf.calls != 0 {
		t.Errorf("dispatch: grib=%d netcdf3=%d", grib.calls, ncdf.calls)
	}
}

func TestReferenceBuilder_Build_NoScanner_Fails(t *testing.T) {
	ctx := context.Background()
	b := newTestBuilder(t, map[FileType]Scanner{GRIB: &fakeScanner{}})

	for _, ft := range []FileType{Zarr, OPeNDAP, Unknown} {
		_, err := b.Build(ctx, URLSource("file:///x"), ft, DefaultScanOptions())
		if !errors.Is(err, ErrUnsupportedFileType) {
			t.Errorf("%s: expected ErrUnsupportedFileType, got: %v", ft, err)
		}
	}
}

func TestReferenceBuilder_Build_StoreSource_RequiresZarr(t *testing.T) {
	ctx := context.Background()
	b := newTestBuilder(t, map[FileType]Scanner{GRIB: &fakeScanner{}})

	store := &fakeStore{url: "s3://bucket/store", chunks: map[string][]byte{}}
	_, err := b.Build(ctx, StoreSource(store), GRIB, DefaultScanOptions())
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got: %v", err)
	}
}

func TestReferenceBuilder_Build_LazyHandle_OpenedBeforeScan(t *testing.T) {
	ctx := context.Background()
	inner := newMemHandle("mem://inner", []byte("data"))
	lazy := &lazyHandle{inner: inner}
	sc := &fakeScanner{mappings: []ReferenceMapping{{
		Refs: map[string]Reference{"k": InlineRef([]byte("v"))},
	}}}
	b := newTestBuilder(t, map[FileType]Scanner{NetCDF4: sc})

	if _, err := b.Build(ctx, HandleSource(lazy), NetCDF4, DefaultScanOptions()); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !lazy.opened {
		t.Error("lazy handle was not opened before scanning")
	}
	if sc.lastSrc.Handle() != StreamHandle(inner) {
		t.Error("scanner must see the opened inner handle")
	}
}

// -----------------------------------------------------------------------------
// Consolidation
// -----------------------------------------------------------------------------

func TestReferenceBuilder_Build_ConsolidatesMessages(t *testing.T) {
	ctx := context.Background()
	sc := &fakeScanner{mappings: []ReferenceMapping{
		{
			Version: 1,
			Refs: map[string]Reference{
				".zgroup": InlineRef([]byte(`{"zarr_format":2}`)),
				"msg0/0":  RangeRef(URLPlaceholder, 0, 50),
			},
		},
		{Refs: map[string]Reference{"msg1/0": RangeRef(URLPlaceholder, 50, 50)}},
		{Refs: map[string]Reference{"msg2/0": RangeRef(URLPlaceholder, 100, 50)}},
	}}
	b := newTestBuilder(t, map[FileType]Scanner{GRIB: sc})

	m, err := b.Build(ctx, URLSource("s3://bucket/f.grib2"), GRIB, DefaultScanOptions())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(m.Refs) != 4 {
		t.Errorf("consolidated %d refs, want 4", len(m.Refs))
	}
	for _, key := range []string{".zgroup", "msg0/0", "msg1/0", "msg2/0"} {
		if _, ok := m.Refs[key]; !ok {
			t.Errorf("missing key %q after consolidation", key)
		}
	}
	if got := m.Templates[URLTemplateKey]; got != "s3://bucket/f.grib2" {
		t.Errorf("templates[%q] = %q, want the source URL", URLTemplateKey, got)
	}
}

func TestReferenceBuilder_Build_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	sc := &fakeScanner{mappings: []ReferenceMapping{
		{Refs: map[string]Reference{"shared": InlineRef([]byte("first"))}},
		{Refs: map[string]Reference{"shared": InlineRef([]byte("second"))}},
	}}
	b := newTestBuilder(t, map[FileType]Scanner{GRIB: sc})

	m, err := b.Build(ctx, URLSource("file:///f.grib2"), GRIB, DefaultScanOptions())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := string(m.Refs["shared"].Inline); got != "first" {
		t.Errorf("collision resolved to %q, want the first writer", got)
	}
}

func TestReferenceBuilder_Build_SingleMapping_TemplateStillBound(t *testing.T) {
	ctx := context.Background()
	sc := &fakeScanner{mappings: []ReferenceMapping{
		{Refs: map[string]Reference{"temp/0": RangeRef(URLPlaceholder, 128, 4096)}},
	}}
	b := newTestBuilder(t, map[FileType]Scanner{NetCDF3: sc})

	m, err := b.Build(ctx, URLSource("file:///t.nc"), NetCDF3, DefaultScanOptions())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if m.Templates[URLTemplateKey] != "file:///t.nc" {
		t.Errorf("templates = %v", m.Templates)
	}
	if m.Version != 1 {
		t.Errorf("version = %d, want 1", m.Version)
	}
}

func TestReferenceBuilder_Build_EmptyScanResult_Fails(t *testing.T) {
	ctx := context.Background()
	sc := &fakeScanner{} // returns no mappings
	b := newTestBuilder(t, map[FileType]Scanner{NetCDF4: sc})

	if _, err := b.Build(ctx, URLSource("file:///e.nc"), NetCDF4, DefaultScanOptions()); err == nil {
		t.Fatal("expected failure for empty scan result")
	}
}

func TestNewReferenceBuilder_EmptyRegistry_Fails(t *testing.T) {
	if _, err := NewReferenceBuilder(nil); err == nil {
		t.Fatal("expected error for empty registry")
	}
	if _, err := NewReferenceBuilder(map[FileType]Scanner{GRIB: nil}); err == nil {
		t.Fatal("expected error for nil scanner")
	}
}

func TestNewReferenceBuilder_RejectsOpenerOnlyOptions(t *testing.T) {
	fs := newFakeFilesystem()
	_, err := NewReferenceBuilder(map[FileType]Scanner{GRIB: &fakeScanner{}}, WithFilesystem(fs))
	if !errors.Is(err, ErrOptionNotValidForBuilder) {
		t.Errorf("expected ErrOptionNotValidForBuilder, got: %v", err)
	}
}
