package strata

import (
	"bytes"
	"testing"
)

func TestWriteParquet_RoundTrip(t *testing.T) {
	m := NewReferenceMapping()
	m.Templates = map[string]string{"u": "s3://bucket/file.nc"}
	m.Refs["temp/.zarray"] = InlineRef([]byte(`{"zarr_format":2}`))
	m.Refs["temp/0.0"] = RangeRef("{{u}}", 1024, 65536)
	m.Refs["temp/1.0"] = RangeRef("{{u}}", 66560, 65536)

	var buf bytes.Buffer
	if err := WriteParquet(&buf, m); err != nil {
		t.Fatalf("WriteParquet failed: %v", err)
	}

	out, err := ReadParquet(&buf)
	if err != nil {
		t.Fatalf("ReadParquet failed: %v", err)
	}

	if out.Version != 1 {
		t.Errorf("version = %d, want 1", out.Version)
	}
	if out.Templates["u"] != "s3://bucket/file.nc" {
		t.Errorf("templates = %v", out.Templates)
	}
	if len(out.Refs) != 3 {
		t.Fatalf("got %d refs, want 3", len(out.Refs))
	}
	if got := string(out.Refs["temp/.zarray"].Inline); got != `{"zarr_format":2}` {
		t.Errorf(".zarray = %q", got)
	}
	r := out.Refs["temp/1.0"]
	if r.IsInline() || r.URL != "{{u}}" || r.Offset != 66560 || r.Length != 65536 {
		t.Errorf("temp/1.0 = %+v", r)
	}
}

func TestWriteParquet_EmptyMapping(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteParquet(&buf, NewReferenceMapping()); err != nil {
		t.Fatalf("WriteParquet failed: %v", err)
	}
	out, err := ReadParquet(&buf)
	if err != nil {
		t.Fatalf("ReadParquet failed: %v", err)
	}
	if len(out.Refs) != 0 {
		t.Errorf("expected no refs, got %d", len(out.Refs))
	}
}

func TestWriteParquet_EmptyInlineValueStaysInline(t *testing.T) {
	m := NewReferenceMapping()
	m.Refs["empty"] = InlineRef([]byte{})

	var buf bytes.Buffer
	if err := WriteParquet(&buf, m); err != nil {
		t.Fatal(err)
	}
	out, err := ReadParquet(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Refs["empty"].IsInline() {
		t.Error("empty inline value decoded as a byte range")
	}
}
