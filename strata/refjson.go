package strata

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

var refJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// base64Prefix marks inline values that are base64-encoded because their
// bytes are not valid UTF-8 text.
const base64Prefix = "base64:"

// refDocument is the wire form of a reference mapping: plain nested
// string-keyed structures for lossless interchange.
//
//	{"version": 1,
//	 "templates": {"u": "s3://bucket/file.grib2"},
//	 "refs": {".zgroup": "{\"zarr_format\":2}",
//	          "temp/0.0": ["{{u}}", 4521, 91044]}}
//
// Inline values are raw strings, or "base64:"-prefixed when binary.
// Byte ranges are [url, offset, length]; a bare [url] references the whole
// file.
type refDocument struct {
	Version   int                            `json:"version"`
	Templates map[string]string              `json:"templates,omitempty"`
	Refs      map[string]jsoniter.RawMessage `json:"refs"`
}

// EncodeJSON writes the mapping in the interchange JSON layout.
func EncodeJSON(w io.Writer, m *ReferenceMapping) error {
	doc := refDocument{
		Version:   m.Version,
		Templates: m.Templates,
		Refs:      make(map[string]jsoniter.RawMessage, len(m.Refs)),
	}
	if doc.Version == 0 {
		doc.Version = referenceFormatVersion
	}

	for key, ref := range m.Refs {
		var val any
		if ref.IsInline() {
			val = encodeInline(ref.Inline)
		} else {
			val = []any{ref.URL, ref.Offset, ref.Length}
		}
		raw, err := refJSON.Marshal(val)
		if err != nil {
			return fmt.Errorf("strata: encoding reference %q: %w", key, err)
		}
		doc.Refs[key] = raw
	}

	enc := refJSON.NewEncoder(w)
	return enc.Encode(doc)
}

// DecodeJSON reads a mapping written in the interchange JSON layout.
func DecodeJSON(r io.Reader) (*ReferenceMapping, error) {
	var doc refDocument
	if err := refJSON.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("strata: decoding references: %w", err)
	}

	m := &ReferenceMapping{
		Version:   doc.Version,
		Refs:      make(map[string]Reference, len(doc.Refs)),
		Templates: doc.Templates,
	}

	for key, raw := range doc.Refs {
		ref, err := decodeRef(raw)
		if err != nil {
			return nil, fmt.Errorf("strata: decoding reference %q: %w", key, err)
		}
		m.Refs[key] = ref
	}

	return m, nil
}

// encodeInline renders inline bytes as a raw string when they are clean
// UTF-8, and base64 otherwise.
func encodeInline(data []byte) string {
	if utf8.Valid(data) && !strings.HasPrefix(string(data), base64Prefix) {
		return string(data)
	}
	return base64Prefix + base64.StdEncoding.EncodeToString(data)
}

// decodeRef parses one reference value: a string is inline, an array is a
// byte-range pointer.
func decodeRef(raw jsoniter.RawMessage) (Reference, error) {
	var val any
	if err := refJSON.Unmarshal(raw, &val); err != nil {
		return Reference{}, err
	}

	switch v := val.(type) {
	case string:
		if strings.HasPrefix(v, base64Prefix) {
			data, err := base64.StdEncoding.DecodeString(v[len(base64Prefix):])
			if err != nil {
				return Reference{}, fmt.Errorf("base64 inline value: %w", err)
			}
			return InlineRef(data), nil
		}
		return InlineRef([]byte(v)), nil

	case []any:
		switch len(v) {
		case 1:
			url, ok := v[0].(string)
			if !ok {
				return Reference{}, fmt.Errorf("byte-range url must be a string, got %T", v[0])
			}
			return RangeRef(url, 0, 0), nil
		case 3:
			url, ok := v[0].(string)
			if !ok {
				return Reference{}, fmt.Errorf("byte-range url must be a string, got %T", v[0])
			}
			offset, err := asInt64(v[1])
			if err != nil {
				return Reference{}, fmt.Errorf("byte-range offset: %w", err)
			}
			length, err := asInt64(v[2])
			if err != nil {
				return Reference{}, fmt.Errorf("byte-range length: %w", err)
			}
			return RangeRef(url, offset, length), nil
		default:
			return Reference{}, fmt.Errorf("byte-range must have 1 or 3 elements, got %d", len(v))
		}

	default:
		return Reference{}, fmt.Errorf("reference must be a string or array, got %T", val)
	}
}

func asInt64(v any) (int64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	return int64(f), nil
}
