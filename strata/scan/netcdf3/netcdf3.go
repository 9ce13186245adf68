// Package netcdf3 scans NetCDF classic-format files into virtual
// reference mappings.
//
// The classic format (CDF-1, CDF-2, CDF-5) stores a self-describing header
// followed by flat variable data at known offsets, which makes it ideal for
// referencing: every variable's bytes can be addressed without decoding
// them. The scanner parses only the header and emits zarr-style metadata
// plus byte-range references into the original file.
package netcdf3

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/justapithecus/strata/strata"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Header tags for the three element lists.
const (
	tagDimension = 0x0A
	tagVariable  = 0x0B
	tagAttribute = 0x0C
)

// NetCDF external types.
const (
	ncByte   = 1
	ncChar   = 2
	ncShort  = 3
	ncInt    = 4
	ncFloat  = 5
	ncDouble = 6
	ncUByte  = 7
	ncUShort = 8
	ncUInt   = 9
	ncInt64  = 10
	ncUInt64 = 11
)

// streamingRecords marks a file whose record count was still growing when
// the header was written.
const streamingRecords = 0xFFFFFFFF

// Errors.
var (
	ErrNotNetCDF = errors.New("netcdf3: not a NetCDF classic file")
	ErrMalformed = errors.New("netcdf3: malformed header")
)

// Scanner implements strata.Scanner for NetCDF classic files.
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

// Scan parses the file header and returns a single reference mapping.
//
// Non-record variables become single whole-variable chunks. Record
// variables are chunked along the record dimension: one record per chunk,
// except when the file holds exactly one record variable, in which case
// consecutive records are contiguous and merge into chunks bounded by
// opts.MaxChunkSize. Values no larger than opts.InlineThreshold are
// embedded directly.
func (s *Scanner) Scan(ctx context.Context, src strata.Source, opts strata.ScanOptions) ([]strata.ReferenceMapping, error) {
	handle, closeHandle, err := resolveSource(ctx, s.fs, src)
	if err != nil {
		return nil, err
	}
	defer closeHandle()

	hdr, err := parseHeader(handle)
	if err != nil {
		return nil, err
	}

	m, err := buildReferences(handle, hdr, opts)
	if err != nil {
		return nil, err
	}
	return []strata.ReferenceMapping{*m}, nil
}

// resolveSource turns a URL or handle source into a readable handle.
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
		return nil, nil, fmt.Errorf("netcdf3: source is not a URL or stream handle")
	}
	// Borrowed handle: the caller owns closing it.
	return h, func() {}, nil
}

// -----------------------------------------------------------------------------
// Header model
// -----------------------------------------------------------------------------

type dimension struct {
	name string
	size int64 // 0 means the record dimension
}

type attribute struct {
	name   string
	value  any
	isText bool
}

type variable struct {
	name     string
	dimIDs   []int
	attrs    []attribute
	ncType   int
	vsize    int64 // per-record size for record variables, padded
	begin    int64
	isRecord bool
}

type header struct {
	version    int // 1, 2, or 5
	numRecords int64
	dims       []dimension
	attrs      []attribute
	vars       []variable
	recSize    int64 // total bytes per record across all record variables
}

// -----------------------------------------------------------------------------
// Header parsing
// -----------------------------------------------------------------------------

// reader tracks a position over a random access source. Header sizes are
// width-dependent: CDF-1 uses 32-bit offsets, CDF-2 widens offsets to
// 64-bit, CDF-5 widens counts and sizes as well.
type reader struct {
	r   io.ReaderAt
	pos int64
	v5  bool
}

func (r *reader) bytes(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(r.r, r.pos, n), buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	r.pos += n
	return buf, nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// count reads a list/name length: 32-bit in CDF-1/2, 64-bit in CDF-5.
func (r *reader) count() (int64, error) {
	if r.v5 {
		v, err := r.u64()
		if err != nil {
			return 0, err
		}
		if v > math.MaxInt64 {
			return 0, ErrMalformed
		}
		return int64(v), nil
	}
	v, err := r.u32()
	return int64(v), err
}

// name reads a length-prefixed name padded to a 4-byte boundary.
func (r *reader) name() (string, error) {
	n, err := r.count()
	if err != nil {
		return "", err
	}
	padded := (n + 3) &^ 3
	b, err := r.bytes(padded)
	if err != nil {
		return "", err
	}
	return string(b[:n]), nil
}

func parseHeader(h strata.StreamHandle) (*header, error) {
	magic := make([]byte, 4)
	if _, err := h.ReadAt(magic, 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotNetCDF, err)
	}
	if magic[0] != 'C' || magic[1] != 'D' || magic[2] != 'F' {
		return nil, ErrNotNetCDF
	}
	version := int(magic[3])
	if version != 1 && version != 2 && version != 5 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrNotNetCDF, version)
	}

	r := &reader{r: h, pos: 4, v5: version == 5}

	hdr := &header{version: version}
	if r.v5 {
		n, err := r.u64()
		if err != nil {
			return nil, err
		}
		hdr.numRecords = int64(n)
	} else {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if n == streamingRecords {
			return nil, fmt.Errorf("%w: streaming record count", ErrMalformed)
		}
		hdr.numRecords = int64(n)
	}

	dims, err := parseDimList(r)
	if err != nil {
		return nil, err
	}
	hdr.dims = dims

	attrs, err := parseAttrList(r)
	if err != nil {
		return nil, err
	}
	hdr.attrs = attrs

	vars, err := parseVarList(r, version, dims)
	if err != nil {
		return nil, err
	}
	hdr.vars = vars

	for _, v := range hdr.vars {
		if v.isRecord {
			hdr.recSize += v.vsize
		}
	}

	return hdr, nil
}

func parseDimList(r *reader) ([]dimension, error) {
	tag, err := r.u32()
	if err != nil {
		return nil, err
	}
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	if tag == 0 && n == 0 {
		return nil, nil // ABSENT
	}
	if tag != tagDimension {
		return nil, fmt.Errorf("%w: expected dimension list, got tag %#x", ErrMalformed, tag)
	}

	dims := make([]dimension, 0, n)
	for i := int64(0); i < n; i++ {
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		size, err := r.count()
		if err != nil {
			return nil, err
		}
		dims = append(dims, dimension{name: name, size: size})
	}
	return dims, nil
}

func parseAttrList(r *reader) ([]attribute, error) {
	tag, err := r.u32()
	if err != nil {
		return nil, err
	}
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	if tag == 0 && n == 0 {
		return nil, nil // ABSENT
	}
	if tag != tagAttribute {
		return nil, fmt.Errorf("%w: expected attribute list, got tag %#x", ErrMalformed, tag)
	}

	attrs := make([]attribute, 0, n)
	for i := int64(0); i < n; i++ {
		attr, err := parseAttr(r)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func parseAttr(r *reader) (attribute, error) {
	name, err := r.name()
	if err != nil {
		return attribute{}, err
	}
	ncType, err := r.u32()
	if err != nil {
		return attribute{}, err
	}
	n, err := r.count()
	if err != nil {
		return attribute{}, err
	}

	itemSize, ok := typeSize(int(ncType))
	if !ok {
		return attribute{}, fmt.Errorf("%w: attribute %q has unknown type %d", ErrMalformed, name, ncType)
	}
	padded := (n*itemSize + 3) &^ 3
	raw, err := r.bytes(padded)
	if err != nil {
		return attribute{}, err
	}
	raw = raw[:n*itemSize]

	if ncType == ncChar {
		return attribute{name: name, value: string(raw), isText: true}, nil
	}
	values := decodeValues(raw, int(ncType), n)
	if n == 1 {
		return attribute{name: name, value: values[0]}, nil
	}
	return attribute{name: name, value: values}, nil
}

func parseVarList(r *reader, version int, dims []dimension) ([]variable, error) {
	tag, err := r.u32()
	if err != nil {
		return nil, err
	}
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	if tag == 0 && n == 0 {
		return nil, nil // ABSENT
	}
	if tag != tagVariable {
		return nil, fmt.Errorf("%w: expected variable list, got tag %#x", ErrMalformed, tag)
	}

	vars := make([]variable, 0, n)
	for i := int64(0); i < n; i++ {
		v, err := parseVar(r, version, dims)
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, nil
}

func parseVar(r *reader, version int, dims []dimension) (variable, error) {
	name, err := r.name()
	if err != nil {
		return variable{}, err
	}

	ndims, err := r.count()
	if err != nil {
		return variable{}, err
	}
	dimIDs := make([]int, ndims)
	for i := range dimIDs {
		id, err := r.count()
		if err != nil {
			return variable{}, err
		}
		if id < 0 || id >= int64(len(dims)) {
			return variable{}, fmt.Errorf("%w: variable %q references dimension %d", ErrMalformed, name, id)
		}
		dimIDs[i] = int(id)
	}

	attrs, err := parseAttrList(r)
	if err != nil {
		return variable{}, err
	}

	ncType, err := r.u32()
	if err != nil {
		return variable{}, err
	}
	if _, ok := typeSize(int(ncType)); !ok {
		return variable{}, fmt.Errorf("%w: variable %q has unknown type %d", ErrMalformed, name, ncType)
	}

	vsize, err := r.count()
	if err != nil {
		return variable{}, err
	}

	var begin int64
	if version == 1 {
		b, err := r.u32()
		if err != nil {
			return variable{}, err
		}
		begin = int64(b)
	} else {
		b, err := r.u64()
		if err != nil {
			return variable{}, err
		}
		begin = int64(b)
	}

	isRecord := len(dimIDs) > 0 && dims[dimIDs[0]].size == 0

	return variable{
		name:     name,
		dimIDs:   dimIDs,
		attrs:    attrs,
		ncType:   int(ncType),
		vsize:    vsize,
		begin:    begin,
		isRecord: isRecord,
	}, nil
}

// -----------------------------------------------------------------------------
// Reference emission
// -----------------------------------------------------------------------------

func buildReferences(h strata.StreamHandle, hdr *header, opts strata.ScanOptions) (*strata.ReferenceMapping, error) {
	m := strata.NewReferenceMapping()

	m.Refs[".zgroup"] = strata.InlineRef([]byte(`{"zarr_format":2}`))
	if len(hdr.attrs) > 0 {
		doc, err := attrsJSON(hdr.attrs, nil)
		if err != nil {
			return nil, err
		}
		m.Refs[".zattrs"] = strata.InlineRef(doc)
	}

	recordVars := 0
	for _, v := range hdr.vars {
		if v.isRecord {
			recordVars++
		}
	}

	for _, v := range hdr.vars {
		if err := emitVariable(m, h, hdr, v, recordVars, opts); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func emitVariable(m *strata.ReferenceMapping, h strata.StreamHandle, hdr *header, v variable, recordVars int, opts strata.ScanOptions) error {
	itemSize, _ := typeSize(v.ncType)

	shape := make([]int64, len(v.dimIDs))
	dimNames := make([]string, len(v.dimIDs))
	rowElems := int64(1) // elements per record (or total elements when fixed)
	for i, id := range v.dimIDs {
		size := hdr.dims[id].size
		if i == 0 && v.isRecord {
			size = hdr.numRecords
		} else {
			rowElems *= size
		}
		shape[i] = size
		dimNames[i] = hdr.dims[id].name
	}
	if len(v.dimIDs) == 0 {
		rowElems = 1
	}
	rowBytes := rowElems * itemSize

	chunks := append([]int64(nil), shape...)
	var slices []chunkSlice
	switch {
	case !v.isRecord:
		// One contiguous chunk covering the whole variable.
		slices = []chunkSlice{{index: 0, offset: v.begin, length: rowBytes}}
	case recordVars == 1:
		// The record data is one contiguous run; merge consecutive records
		// into chunks bounded by MaxChunkSize.
		perChunk := int64(1)
		if opts.MaxChunkSize > 0 && rowBytes > 0 {
			perChunk = opts.MaxChunkSize / rowBytes
			if perChunk < 1 {
				perChunk = 1
			}
		}
		if perChunk > hdr.numRecords && hdr.numRecords > 0 {
			perChunk = hdr.numRecords
		}
		chunks[0] = perChunk
		for rec := int64(0); rec < hdr.numRecords; rec += perChunk {
			count := perChunk
			if rec+count > hdr.numRecords {
				count = hdr.numRecords - rec
			}
			slices = append(slices, chunkSlice{
				index:  rec / perChunk,
				offset: v.begin + rec*rowBytes,
				length: count * rowBytes,
			})
		}
	default:
		// Records interleave across variables; each record of this
		// variable is a separate contiguous slice.
		chunks[0] = 1
		for rec := int64(0); rec < hdr.numRecords; rec++ {
			slices = append(slices, chunkSlice{
				index:  rec,
				offset: v.begin + rec*hdr.recSize,
				length: rowBytes,
			})
		}
	}
	if len(chunks) > 0 && chunks[0] == 0 {
		chunks[0] = 1
	}

	meta, err := arrayJSON(shape, chunks, zarrDtype(v.ncType))
	if err != nil {
		return err
	}
	m.Refs[v.name+"/.zarray"] = strata.InlineRef(meta)

	attrsDoc, err := attrsJSON(v.attrs, dimNames)
	if err != nil {
		return err
	}
	m.Refs[v.name+"/.zattrs"] = strata.InlineRef(attrsDoc)

	trailing := strings.Repeat(".0", max(len(shape)-1, 0))
	if len(shape) == 0 {
		trailing = ""
	}
	for _, sl := range slices {
		key := v.name + "/" + strconv.FormatInt(sl.index, 10) + trailing
		if len(shape) == 0 {
			key = v.name + "/0"
		}
		ref, err := sliceRef(h, sl, opts.InlineThreshold)
		if err != nil {
			return err
		}
		m.Refs[key] = ref
	}

	return nil
}

type chunkSlice struct {
	index  int64
	offset int64
	length int64
}

// sliceRef embeds small values directly and references the rest by range.
func sliceRef(h strata.StreamHandle, sl chunkSlice, inlineThreshold int64) (strata.Reference, error) {
	if inlineThreshold > 0 && sl.length <= inlineThreshold {
		buf := make([]byte, sl.length)
		if _, err := h.ReadAt(buf, sl.offset); err != nil {
			return strata.Reference{}, fmt.Errorf("netcdf3: reading inline value: %w", err)
		}
		return strata.InlineRef(buf), nil
	}
	return strata.RangeRef(strata.URLPlaceholder, sl.offset, sl.length), nil
}

// -----------------------------------------------------------------------------
// Type mapping
// -----------------------------------------------------------------------------

func typeSize(ncType int) (int64, bool) {
	switch ncType {
	case ncByte, ncChar, ncUByte:
		return 1, true
	case ncShort, ncUShort:
		return 2, true
	case ncInt, ncFloat, ncUInt:
		return 4, true
	case ncDouble, ncInt64, ncUInt64:
		return 8, true
	default:
		return 0, false
	}
}

// zarrDtype maps a NetCDF external type to a numpy-style dtype string.
// Classic-format data is always big-endian.
func zarrDtype(ncType int) string {
	switch ncType {
	case ncByte:
		return "|i1"
	case ncChar:
		return "|S1"
	case ncShort:
		return ">i2"
	case ncInt:
		return ">i4"
	case ncFloat:
		return ">f4"
	case ncDouble:
		return ">f8"
	case ncUByte:
		return "|u1"
	case ncUShort:
		return ">u2"
	case ncUInt:
		return ">u4"
	case ncInt64:
		return ">i8"
	case ncUInt64:
		return ">u8"
	default:
		return "|V1"
	}
}

func decodeValues(raw []byte, ncType int, n int64) []any {
	values := make([]any, 0, n)
	for i := int64(0); i < n; i++ {
		switch ncType {
		case ncByte:
			values = append(values, int64(int8(raw[i])))
		case ncUByte:
			values = append(values, int64(raw[i]))
		case ncShort:
			values = append(values, int64(int16(binary.BigEndian.Uint16(raw[i*2:]))))
		case ncUShort:
			values = append(values, int64(binary.BigEndian.Uint16(raw[i*2:])))
		case ncInt:
			values = append(values, int64(int32(binary.BigEndian.Uint32(raw[i*4:]))))
		case ncUInt:
			values = append(values, int64(binary.BigEndian.Uint32(raw[i*4:])))
		case ncFloat:
			values = append(values, float64(math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:]))))
		case ncDouble:
			values = append(values, math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:])))
		case ncInt64:
			values = append(values, int64(binary.BigEndian.Uint64(raw[i*8:])))
		case ncUInt64:
			values = append(values, binary.BigEndian.Uint64(raw[i*8:]))
		}
	}
	return values
}

// -----------------------------------------------------------------------------
// Zarr metadata documents
// -----------------------------------------------------------------------------

func arrayJSON(shape, chunks []int64, dtype string) ([]byte, error) {
	doc := map[string]any{
		"zarr_format": 2,
		"shape":       emptyAsList(shape),
		"chunks":      emptyAsList(chunks),
		"dtype":       dtype,
		"compressor":  nil,
		"fill_value":  nil,
		"order":       "C",
		"filters":     nil,
	}
	return json.Marshal(doc)
}

func attrsJSON(attrs []attribute, dimNames []string) ([]byte, error) {
	doc := make(map[string]any, len(attrs)+1)
	for _, a := range attrs {
		doc[a.name] = a.value
	}
	if dimNames != nil {
		doc["_ARRAY_DIMENSIONS"] = dimNames
	}
	return json.Marshal(doc)
}

// emptyAsList keeps zero-rank shapes as [] rather than null in JSON.
func emptyAsList(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

// Ensure Scanner implements strata.Scanner.
var _ strata.Scanner = (*Scanner)(nil)
