package grib

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/justapithecus/strata/strata"
)

// -----------------------------------------------------------------------------
// Synthetic message construction
// -----------------------------------------------------------------------------

type msgSpec struct {
	discipline byte
	centre     uint16
	// section numbers after section 1, before the end marker
	sections []byte
}

// buildMessage frames one GRIB2 message: indicator, identification,
// the requested data sections (8 bytes each), and the end marker.
func buildMessage(spec msgSpec) []byte {
	var body bytes.Buffer

	// Section 1: identification, 21 bytes.
	sec1 := make([]byte, 21)
	binary.BigEndian.PutUint32(sec1[0:4], 21)
	sec1[4] = 1
	binary.BigEndian.PutUint16(sec1[5:7], spec.centre)
	binary.BigEndian.PutUint16(sec1[7:9], 7) // subCentre
	binary.BigEndian.PutUint16(sec1[12:14], 2024)
	sec1[14], sec1[15] = 6, 15 // month, day
	body.Write(sec1)

	for _, num := range spec.sections {
		sec := make([]byte, 8)
		binary.BigEndian.PutUint32(sec[0:4], 8)
		sec[4] = num
		body.Write(sec)
	}
	body.WriteString("7777")

	total := 16 + body.Len()
	ind := make([]byte, 16)
	copy(ind, "GRIB")
	ind[6] = spec.discipline
	ind[7] = 2
	binary.BigEndian.PutUint64(ind[8:16], uint64(total))

	return append(ind, body.Bytes()...)
}

type testHandle struct {
	*bytes.Reader
	url string
}

func newTestHandle(url string, data []byte) *testHandle {
	return &testHandle{Reader: bytes.NewReader(data), url: url}
}

func (h *testHandle) URL() string          { return h.url }
func (h *testHandle) Size() (int64, error) { return h.Reader.Size(), nil }
func (h *testHandle) Close() error         { return nil }

func scanBytes(t *testing.T, data []byte, opts strata.ScanOptions) []strata.ReferenceMapping {
	t.Helper()
	mappings, err := New().Scan(context.Background(), strata.HandleSource(newTestHandle("mem://f.grib2", data)), opts)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return mappings
}

// -----------------------------------------------------------------------------
// Scanning
// -----------------------------------------------------------------------------

func TestScanner_Scan_OneMappingPerMessage(t *testing.T) {
	file := append(
		buildMessage(msgSpec{discipline: 0, centre: 98, sections: []byte{3, 4, 5, 7}}),
		buildMessage(msgSpec{discipline: 10, centre: 7, sections: []byte{3, 4, 5, 7}})...,
	)

	mappings := scanBytes(t, file, strata.DefaultScanOptions())
	if len(mappings) != 2 {
		t.Fatalf("got %d mappings, want 2", len(mappings))
	}

	// Message keys must be disjoint so consolidation is collision-free.
	seen := make(map[string]bool)
	for _, m := range mappings {
		for k := range m.Refs {
			if k == ".zgroup" {
				continue
			}
			if seen[k] {
				t.Errorf("key %q appears in two messages", k)
			}
			seen[k] = true
		}
	}

	m := mappings[0]
	if _, ok := m.Refs["msg0/0"]; !ok {
		t.Error("missing whole-message reference msg0/0")
	}
	if _, ok := m.Refs["msg0/sections/1"]; !ok {
		t.Error("missing section index entry for section 1")
	}
	if _, ok := mappings[1].Refs["msg1/0"]; !ok {
		t.Error("second message must be keyed msg1")
	}
}

func TestScanner_Scan_SkipsInterMessagePadding(t *testing.T) {
	msg := buildMessage(msgSpec{discipline: 0, centre: 98, sections: []byte{4, 7}})
	file := append([]byte("index record junk"), msg...)
	file = append(file, []byte("trailing padding")...)

	mappings := scanBytes(t, file, strata.DefaultScanOptions())
	if len(mappings) != 1 {
		t.Fatalf("got %d mappings, want 1", len(mappings))
	}
}

func TestScanner_Scan_FilterSelectsMessages(t *testing.T) {
	file := append(
		buildMessage(msgSpec{discipline: 0, centre: 98, sections: []byte{4, 7}}),
		buildMessage(msgSpec{discipline: 10, centre: 7, sections: []byte{4, 7}})...,
	)

	opts := strata.DefaultScanOptions()
	opts.Filter = map[string]string{"discipline": "10"}

	mappings := scanBytes(t, file, opts)
	if len(mappings) != 1 {
		t.Fatalf("filter kept %d mappings, want 1", len(mappings))
	}
	if _, ok := mappings[0].Refs["msg1/0"]; !ok {
		t.Error("filter must keep the second message under its original index")
	}
}

func TestScanner_Scan_FilterMatchingNothing_Fails(t *testing.T) {
	file := buildMessage(msgSpec{discipline: 0, centre: 98, sections: []byte{4, 7}})
	opts := strata.DefaultScanOptions()
	opts.Filter = map[string]string{"discipline": "99"}

	_, err := New().Scan(context.Background(), strata.HandleSource(newTestHandle("mem://f", file)), opts)
	if !errors.Is(err, ErrNotGRIB) {
		t.Errorf("expected ErrNotGRIB for empty filter result, got: %v", err)
	}
}

func TestScanner_Scan_UnknownFilterKey_MatchesNothing(t *testing.T) {
	file := buildMessage(msgSpec{discipline: 0, centre: 98, sections: []byte{4, 7}})
	opts := strata.DefaultScanOptions()
	opts.Filter = map[string]string{"parameterNumber": "2"}

	if _, err := New().Scan(context.Background(), strata.HandleSource(newTestHandle("mem://f", file)), opts); err == nil {
		t.Fatal("unknown filter keys must match no messages")
	}
}

func TestScanner_Scan_RepeatedSections_GetOccurrenceSuffix(t *testing.T) {
	file := buildMessage(msgSpec{discipline: 0, centre: 98, sections: []byte{4, 5, 7, 4, 5, 7}})

	m := scanBytes(t, file, strata.DefaultScanOptions())[0]
	for _, key := range []string{"msg0/sections/4", "msg0/sections/4.1", "msg0/sections/7", "msg0/sections/7.1"} {
		if _, ok := m.Refs[key]; !ok {
			t.Errorf("missing %q", key)
		}
	}
}

func TestScanner_Scan_InlineThresholdEmbedsMessage(t *testing.T) {
	file := buildMessage(msgSpec{discipline: 0, centre: 98, sections: []byte{7}})

	opts := strata.DefaultScanOptions()
	opts.InlineThreshold = int64(len(file))
	m := scanBytes(t, file, opts)[0]

	ref := m.Refs["msg0/0"]
	if !ref.IsInline() {
		t.Fatal("whole message under the threshold must be inline")
	}
	if !bytes.Equal(ref.Inline, file) {
		t.Error("inline bytes must equal the framed message")
	}
}

func TestScanner_Scan_Edition1_Rejected(t *testing.T) {
	file := buildMessage(msgSpec{discipline: 0, centre: 98, sections: []byte{7}})
	file[7] = 1 // edition byte

	_, err := New().Scan(context.Background(), strata.HandleSource(newTestHandle("mem://f", file)), strata.DefaultScanOptions())
	if !errors.Is(err, ErrUnsupportedEdition) {
		t.Errorf("expected ErrUnsupportedEdition, got: %v", err)
	}
}

func TestScanner_Scan_NoMessages(t *testing.T) {
	_, err := New().Scan(context.Background(),
		strata.HandleSource(newTestHandle("mem://f", []byte("nothing gribby here"))),
		strata.DefaultScanOptions())
	if !errors.Is(err, ErrNotGRIB) {
		t.Errorf("expected ErrNotGRIB, got: %v", err)
	}
}

func TestScanner_Scan_TruncatedMessage(t *testing.T) {
	file := buildMessage(msgSpec{discipline: 0, centre: 98, sections: []byte{4, 7}})
	file = file[:len(file)-6] // cut into the end marker

	_, err := New().Scan(context.Background(), strata.HandleSource(newTestHandle("mem://f", file)), strata.DefaultScanOptions())
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got: %v", err)
	}
}
