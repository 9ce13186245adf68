package strata

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// -----------------------------------------------------------------------------
// Parquet reference serialization
// -----------------------------------------------------------------------------

// refRow is the columnar form of one reference entry. Large archives
// produce millions of entries; parquet keeps them compact and scannable
// without parsing a single giant JSON document.
type refRow struct {
	Key    string `parquet:"key"`
	Inline bool   `parquet:"inline"`
	Raw    []byte `parquet:"raw,optional"`
	Path   string `parquet:"path,optional"`
	Offset int64  `parquet:"offset"`
	Size   int64  `parquet:"size"`
}

// Parquet key/value metadata keys carrying the non-columnar parts of a
// mapping.
const (
	parquetVersionKey     = "strata.version"
	parquetTemplatePrefix = "strata.template."
)

// WriteParquet writes the mapping as a parquet row set, one row per
// reference, sorted by key. The format version and URL templates travel in
// the file's key/value metadata.
func WriteParquet(w io.Writer, m *ReferenceMapping) error {
	version := m.Version
	if version == 0 {
		version = referenceFormatVersion
	}

	opts := []parquet.WriterOption{
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(parquetVersionKey, fmt.Sprintf("%d", version)),
	}
	for token, url := range m.Templates {
		opts = append(opts, parquet.KeyValueMetadata(parquetTemplatePrefix+token, url))
	}

	keys := make([]string, 0, len(m.Refs))
	for k := range m.Refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]refRow, 0, len(keys))
	for _, k := range keys {
		ref := m.Refs[k]
		row := refRow{Key: k}
		if ref.IsInline() {
			row.Inline = true
			row.Raw = ref.Inline
		} else {
			row.Path = ref.URL
			row.Offset = ref.Offset
			row.Size = ref.Length
		}
		rows = append(rows, row)
	}

	pw := parquet.NewGenericWriter[refRow](w, opts...)
	if len(rows) > 0 {
		if _, err := pw.Write(rows); err != nil {
			_ = pw.Close()
			return fmt.Errorf("strata: writing parquet references: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("strata: closing parquet references: %w", err)
	}
	return nil
}

// ReadParquet reads a mapping written by WriteParquet.
func ReadParquet(r io.Reader) (*ReferenceMapping, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("strata: reading parquet references: %w", err)
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("strata: opening parquet references: %w", err)
	}

	m := &ReferenceMapping{
		Version: referenceFormatVersion,
		Refs:    make(map[string]Reference, file.NumRows()),
	}
	for _, kv := range file.Metadata().KeyValueMetadata {
		switch {
		case kv.Key == parquetVersionKey:
			var v int
			if _, err := fmt.Sscanf(kv.Value, "%d", &v); err == nil {
				m.Version = v
			}
		case strings.HasPrefix(kv.Key, parquetTemplatePrefix):
			if m.Templates == nil {
				m.Templates = make(map[string]string)
			}
			m.Templates[kv.Key[len(parquetTemplatePrefix):]] = kv.Value
		}
	}

	pr := parquet.NewGenericReader[refRow](file)
	defer func() { _ = pr.Close() }()

	rows := make([]refRow, 256)
	for {
		n, err := pr.Read(rows)
		for i := 0; i < n; i++ {
			row := rows[i]
			if row.Inline {
				raw := row.Raw
				if raw == nil {
					raw = []byte{}
				}
				m.Refs[row.Key] = InlineRef(raw)
			} else {
				m.Refs[row.Key] = RangeRef(row.Path, row.Offset, row.Size)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("strata: reading parquet rows: %w", err)
		}
	}

	return m, nil
}
