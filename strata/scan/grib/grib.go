// Package grib scans GRIB2 files into virtual reference mappings.
//
// A GRIB file concatenates independent messages, one per encoded field.
// The scanner walks the message framing and section structure without
// decoding any packed data, emitting one reference mapping per message so
// the caller can consolidate them. Byte-range references use the
// strata.URLPlaceholder token so consumers can substitute live URLs.
package grib

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/justapithecus/strata/strata"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var magic = []byte{'G', 'R', 'I', 'B'}

// Errors.
var (
	ErrNotGRIB            = errors.New("grib: no GRIB messages found")
	ErrMalformed          = errors.New("grib: malformed message")
	ErrUnsupportedEdition = errors.New("grib: unsupported edition")
)

// Scanner implements strata.Scanner for GRIB2 files.
type Scanner struct {
	fs strata.Filesystem
}

// New creates a scanner resolving URL sources through the local
// filesystem.
func New() *Scanner {
	return &Scanner{fs: strata.NewLocalFilesystem()}
}

// NewWithFilesystem creates a scanner resolving URL sources through the
// given filesystem.
func NewWithFilesystem(fs strata.Filesystem) *Scanner {
	return &Scanner{fs: fs}
}

// message is one framed GRIB2 message and its section index.
type message struct {
	offset     int64
	length     int64
	discipline int
	edition    int
	centre     int
	subCentre  int
	refTime    string
	sections   []section
}

type section struct {
	number int
	offset int64
	length int64
}

// Scan indexes every message in the file and returns one reference
// mapping per message that passes opts.Filter.
//
// Filter keys match message attributes by name: "discipline", "centre",
// "subCentre", and "edition", with decimal string values. A message must
// match every filter entry to be emitted.
func (s *Scanner) Scan(ctx context.Context, src strata.Source, opts strata.ScanOptions) ([]strata.ReferenceMapping, error) {
	handle, closeHandle, err := resolveSource(ctx, s.fs, src)
	if err != nil {
		return nil, err
	}
	defer closeHandle()

	size, err := handle.Size()
	if err != nil {
		return nil, fmt.Errorf("grib: sizing source: %w", err)
	}

	messages, err := indexMessages(handle, size)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotGRIB
	}

	var mappings []strata.ReferenceMapping
	for i, msg := range messages {
		if !matchesFilter(msg, opts.Filter) {
			continue
		}
		m, err := messageReferences(handle, i, msg, opts)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, *m)
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("grib: filter matched no messages: %w", ErrNotGRIB)
	}
	return mappings, nil
}

func resolveSource(ctx context.Context, fs strata.Filesystem, src strata.Source) (strata.StreamHandle, func(), error) {
	if src.IsURL() {
		h, err := fs.Open(ctx, src.URL(), nil, nil)
		if err != nil {
			return nil, nil, err
		}
		return h, func() { _ = h.Close() }, nil
	}
	h := src.Handle()
	if h == nil {
		return nil, nil, fmt.Errorf("grib: source is not a URL or stream handle")
	}
	return h, func() {}, nil
}

// -----------------------------------------------------------------------------
// Message framing
// -----------------------------------------------------------------------------

// indexMessages walks the file collecting message frames. Bytes between
// messages (padding, index records) are skipped by searching for the next
// magic.
func indexMessages(r io.ReaderAt, size int64) ([]message, error) {
	var messages []message
	pos := int64(0)

	for pos+16 <= size {
		start, err := findMagic(r, pos, size)
		if err != nil {
			return nil, err
		}
		if start < 0 {
			break
		}

		msg, err := parseMessage(r, start, size)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
		pos = start + msg.length
	}

	return messages, nil
}

// findMagic scans forward for the GRIB signature. Returns -1 when the rest
// of the file holds none.
func findMagic(r io.ReaderAt, pos, size int64) (int64, error) {
	const window = 64 * 1024
	buf := make([]byte, window+3)

	for pos+4 <= size {
		n := int64(len(buf))
		if pos+n > size {
			n = size - pos
		}
		if _, err := io.ReadFull(io.NewSectionReader(r, pos, n), buf[:n]); err != nil {
			return -1, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		for i := int64(0); i+4 <= n; i++ {
			if buf[i] == 'G' && buf[i+1] == 'R' && buf[i+2] == 'I' && buf[i+3] == 'B' {
				return pos + i, nil
			}
		}
		if n < int64(len(buf)) {
			break
		}
		pos += window // overlap of 3 bytes covers split signatures
	}
	return -1, nil
}

// parseMessage reads the indicator section and walks the section chain up
// to the 7777 end marker.
func parseMessage(r io.ReaderAt, start, size int64) (message, error) {
	ind := make([]byte, 16)
	if _, err := io.ReadFull(io.NewSectionReader(r, start, 16), ind); err != nil {
		return message{}, fmt.Errorf("%w: indicator section: %w", ErrMalformed, err)
	}

	edition := int(ind[7])
	if edition != 2 {
		return message{}, fmt.Errorf("%w: edition %d (only GRIB2 is scannable)", ErrUnsupportedEdition, edition)
	}

	total := int64(binary.BigEndian.Uint64(ind[8:16]))
	if total < 16+4 || start+total > size {
		return message{}, fmt.Errorf("%w: message length %d exceeds file", ErrMalformed, total)
	}

	msg := message{
		offset:     start,
		length:     total,
		discipline: int(ind[6]),
		edition:    edition,
		sections:   []section{{number: 0, offset: start, length: 16}},
	}

	pos := start + 16
	end := start + total
	for pos < end {
		remaining := end - pos
		if remaining == 4 {
			tail := make([]byte, 4)
			if _, err := io.ReadFull(io.NewSectionReader(r, pos, 4), tail); err != nil {
				return message{}, fmt.Errorf("%w: end section: %w", ErrMalformed, err)
			}
			if string(tail) != "7777" {
				return message{}, fmt.Errorf("%w: missing 7777 end marker", ErrMalformed)
			}
			msg.sections = append(msg.sections, section{number: 8, offset: pos, length: 4})
			return msg, nil
		}
		if remaining < 5 {
			return message{}, fmt.Errorf("%w: truncated section chain", ErrMalformed)
		}

		head := make([]byte, 5)
		if _, err := io.ReadFull(io.NewSectionReader(r, pos, 5), head); err != nil {
			return message{}, fmt.Errorf("%w: section header: %w", ErrMalformed, err)
		}
		secLen := int64(binary.BigEndian.Uint32(head[0:4]))
		secNum := int(head[4])
		if secLen < 5 || pos+secLen > end {
			return message{}, fmt.Errorf("%w: section %d length %d", ErrMalformed, secNum, secLen)
		}

		if secNum == 1 {
			if err := parseIdentification(r, pos, secLen, &msg); err != nil {
				return message{}, err
			}
		}

		msg.sections = append(msg.sections, section{number: secNum, offset: pos, length: secLen})
		pos += secLen
	}

	return message{}, fmt.Errorf("%w: message ran past its declared length", ErrMalformed)
}

// parseIdentification extracts originating centre and reference time from
// section 1.
func parseIdentification(r io.ReaderAt, pos, length int64, msg *message) error {
	if length < 21 {
		return nil // too short to carry a reference time; leave defaults
	}
	body := make([]byte, 21)
	if _, err := io.ReadFull(io.NewSectionReader(r, pos, 21), body); err != nil {
		return fmt.Errorf("%w: identification section: %w", ErrMalformed, err)
	}
	msg.centre = int(binary.BigEndian.Uint16(body[5:7]))
	msg.subCentre = int(binary.BigEndian.Uint16(body[7:9]))
	year := binary.BigEndian.Uint16(body[12:14])
	msg.refTime = fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02dZ",
		year, body[14], body[15], body[16], body[17], body[18])
	return nil
}

func matchesFilter(msg message, filter map[string]string) bool {
	for key, want := range filter {
		var got string
		switch key {
		case "discipline":
			got = strconv.Itoa(msg.discipline)
		case "centre":
			got = strconv.Itoa(msg.centre)
		case "subCentre":
			got = strconv.Itoa(msg.subCentre)
		case "edition":
			got = strconv.Itoa(msg.edition)
		default:
			return false // unknown filter key matches nothing
		}
		if got != want {
			return false
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Reference emission
// -----------------------------------------------------------------------------

// messageReferences emits the per-message mapping. Keys carry the message
// index so mappings from one file stay disjoint under consolidation.
func messageReferences(r io.ReaderAt, index int, msg message, opts strata.ScanOptions) (*strata.ReferenceMapping, error) {
	m := strata.NewReferenceMapping()
	prefix := "msg" + strconv.Itoa(index)

	m.Refs[".zgroup"] = strata.InlineRef([]byte(`{"zarr_format":2}`))

	attrs := map[string]any{
		"discipline": msg.discipline,
		"edition":    msg.edition,
		"centre":     msg.centre,
		"subCentre":  msg.subCentre,
		"length":     msg.length,
	}
	if msg.refTime != "" {
		attrs["referenceTime"] = msg.refTime
	}
	doc, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	m.Refs[prefix+"/.zattrs"] = strata.InlineRef(doc)

	// Whole-message reference: consumers hand this range to a GRIB decoder.
	m.Refs[prefix+"/0"], err = rangeOrInline(r, msg.offset, msg.length, opts.InlineThreshold)
	if err != nil {
		return nil, err
	}

	// Section index for consumers that want the packed data directly.
	// Sections 4-7 may repeat within one message; repeats get an
	// occurrence suffix.
	seen := make(map[int]int, len(msg.sections))
	for _, sec := range msg.sections {
		key := fmt.Sprintf("%s/sections/%d", prefix, sec.number)
		if n := seen[sec.number]; n > 0 {
			key = fmt.Sprintf("%s.%d", key, n)
		}
		seen[sec.number]++
		m.Refs[key] = strata.RangeRef(strata.URLPlaceholder, sec.offset, sec.length)
	}

	return m, nil
}

func rangeOrInline(r io.ReaderAt, offset, length, inlineThreshold int64) (strata.Reference, error) {
	if inlineThreshold > 0 && length <= inlineThreshold {
		buf := make([]byte, length)
		if _, err := io.ReadFull(io.NewSectionReader(r, offset, length), buf); err != nil {
			return strata.Reference{}, fmt.Errorf("grib: reading inline message: %w", err)
		}
		return strata.InlineRef(buf), nil
	}
	return strata.RangeRef(strata.URLPlaceholder, offset, length), nil
}

// Ensure Scanner implements strata.Scanner.
var _ strata.Scanner = (*Scanner)(nil)
