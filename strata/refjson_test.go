package strata

import (
	"bytes"
	"strings"
	"testing"
)

// -----------------------------------------------------------------------------
// JSON interchange
// -----------------------------------------------------------------------------

func TestEncodeJSON_RoundTrip(t *testing.T) {
	m := NewReferenceMapping()
	m.Templates = map[string]string{"u": "s3://bucket/file.grib2"}
	m.Refs[".zgroup"] = InlineRef([]byte(`{"zarr_format":2}`))
	m.Refs["temp/0.0"] = RangeRef("{{u}}", 4521, 91044)
	m.Refs["binary"] = InlineRef([]byte{0x00, 0xFF, 0x10})

	var buf bytes.Buffer
	if err := EncodeJSON(&buf, m); err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}

	out, err := DecodeJSON(&buf)
	if err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}

	if out.Version != 1 {
		t.Errorf("version = %d, want 1", out.Version)
	}
	if out.Templates["u"] != "s3://bucket/file.grib2" {
		t.Errorf("templates = %v", out.Templates)
	}
	if got := string(out.Refs[".zgroup"].Inline); got != `{"zarr_format":2}` {
		t.Errorf(".zgroup = %q", got)
	}
	r := out.Refs["temp/0.0"]
	if r.IsInline() || r.URL != "{{u}}" || r.Offset != 4521 || r.Length != 91044 {
		t.Errorf("temp/0.0 = %+v", r)
	}
	if !bytes.Equal(out.Refs["binary"].Inline, []byte{0x00, 0xFF, 0x10}) {
		t.Errorf("binary inline = %v", out.Refs["binary"].Inline)
	}
}

func TestEncodeJSON_TextInlineStaysReadable(t *testing.T) {
	m := NewReferenceMapping()
	m.Refs["note"] = InlineRef([]byte("plain text"))

	var buf bytes.Buffer
	if err := EncodeJSON(&buf, m); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"plain text"`) {
		t.Errorf("text inline value should not be base64: %s", buf.String())
	}
}

func TestEncodeJSON_TextResemblingBase64Marker(t *testing.T) {
	// A value that happens to start with the marker must survive the trip.
	m := NewReferenceMapping()
	m.Refs["tricky"] = InlineRef([]byte("base64:not actually encoded"))

	var buf bytes.Buffer
	if err := EncodeJSON(&buf, m); err != nil {
		t.Fatal(err)
	}
	out, err := DecodeJSON(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(out.Refs["tricky"].Inline); got != "base64:not actually encoded" {
		t.Errorf("round-tripped to %q", got)
	}
}

func TestDecodeJSON_SingleElementRange(t *testing.T) {
	doc := `{"version":1,"refs":{"whole":["s3://bucket/file.nc"]}}`
	out, err := DecodeJSON(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	r := out.Refs["whole"]
	if r.IsInline() || r.URL != "s3://bucket/file.nc" || r.Offset != 0 || r.Length != 0 {
		t.Errorf("whole-file ref = %+v", r)
	}
}

func TestDecodeJSON_MalformedRefs(t *testing.T) {
	cases := []string{
		`{"version":1,"refs":{"bad":[1,2,3]}}`,
		`{"version":1,"refs":{"bad":["u",1]}}`,
		`{"version":1,"refs":{"bad":42}}`,
		`{"version":1,"refs":{"bad":"base64:!!!"}}`,
	}
	for _, doc := range cases {
		if _, err := DecodeJSON(strings.NewReader(doc)); err == nil {
			t.Errorf("expected decode failure for %s", doc)
		}
	}
}
