package hdf5

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Object header message types the scanner understands.
const (
	msgNIL              = 0x0000
	msgDataspace        = 0x0001
	msgLinkInfo         = 0x0002
	msgDatatype         = 0x0003
	msgFillValueOld     = 0x0004
	msgFillValue        = 0x0005
	msgLink             = 0x0006
	msgDataLayout       = 0x0008
	msgGroupInfo        = 0x000A
	msgFilterPipeline   = 0x000B
	msgAttribute        = 0x000C
	msgObjectComment    = 0x000D
	msgContinuation     = 0x0010
	msgSymbolTable      = 0x0011
	msgModificationTime = 0x0012
	msgAttributeInfo    = 0x0015
)

// headerMessage is one decoded object header message.
type headerMessage struct {
	kind uint16
	body []byte
}

// objectHeader is a fully gathered object header with continuations
// resolved.
type objectHeader struct {
	addr     int64
	messages []headerMessage
}

func (h *objectHeader) find(kind uint16) ([]byte, bool) {
	for _, m := range h.messages {
		if m.kind == kind {
			return m.body, true
		}
	}
	return nil, false
}

func (h *objectHeader) findAll(kind uint16) [][]byte {
	var out [][]byte
	for _, m := range h.messages {
		if m.kind == kind {
			out = append(out, m.body)
		}
	}
	return out
}

// isDataset reports whether the header describes a dataset rather than a
// group.
func (h *objectHeader) isDataset() bool {
	_, hasLayout := h.find(msgDataLayout)
	_, hasType := h.find(msgDatatype)
	return hasLayout && hasType
}

// readObjectHeader parses the object header at addr, following
// continuation blocks. Both the version 1 layout and the version 2
// ("OHDR") layout are handled.
func (f *file) readObjectHeader(addr int64) (*objectHeader, error) {
	probe := make([]byte, 4)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, addr, 4), probe); err != nil {
		return nil, fmt.Errorf("%w: object header at %d: %w", ErrMalformed, addr, err)
	}

	hdr := &objectHeader{addr: addr}
	if string(probe) == "OHDR" {
		if err := f.readObjectHeaderV2(addr, hdr); err != nil {
			return nil, err
		}
		return hdr, nil
	}
	if probe[0] != 1 {
		return nil, fmt.Errorf("%w: object header version %d at %d", ErrUnsupportedFeature, probe[0], addr)
	}
	if err := f.readObjectHeaderV1(addr, hdr); err != nil {
		return nil, err
	}
	return hdr, nil
}

func (f *file) readObjectHeaderV1(addr int64, hdr *objectHeader) error {
	prefix := make([]byte, 16)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, addr, 16), prefix); err != nil {
		return fmt.Errorf("%w: v1 header prefix: %w", ErrMalformed, err)
	}

	total := int(binary.LittleEndian.Uint16(prefix[2:4]))
	blockSize := int64(binary.LittleEndian.Uint32(prefix[8:12]))

	// The first message block starts 8-byte aligned after the 12-byte
	// prefix, hence the 4 padding bytes in the prefix read above.
	return f.readV1Messages(addr+16, blockSize, total, hdr)
}

// readV1Messages reads version 1 messages from one block and recurses into
// continuation blocks. The remaining message count is shared across
// blocks.
func (f *file) readV1Messages(pos, size int64, remaining int, hdr *objectHeader) error {
	end := pos + size
	for remaining > 0 && pos+8 <= end {
		head := make([]byte, 8)
		if _, err := io.ReadFull(io.NewSectionReader(f.r, pos, 8), head); err != nil {
			return fmt.Errorf("%w: v1 message header: %w", ErrMalformed, err)
		}
		kind := binary.LittleEndian.Uint16(head[0:2])
		bodySize := int64(binary.LittleEndian.Uint16(head[2:4]))
		if pos+8+bodySize > end {
			return fmt.Errorf("%w: v1 message overruns block", ErrMalformed)
		}

		body := make([]byte, bodySize)
		if bodySize > 0 {
			if _, err := io.ReadFull(io.NewSectionReader(f.r, pos+8, bodySize), body); err != nil {
				return fmt.Errorf("%w: v1 message body: %w", ErrMalformed, err)
			}
		}
		pos += 8 + bodySize
		remaining--

		if kind == msgContinuation {
			contAddr, contSize, err := f.parseContinuation(body)
			if err != nil {
				return err
			}
			if err := f.readV1Messages(contAddr, contSize, remaining, hdr); err != nil {
				return err
			}
			return nil
		}
		hdr.messages = append(hdr.messages, headerMessage{kind: kind, body: body})
	}
	return nil
}

func (f *file) readObjectHeaderV2(addr int64, hdr *objectHeader) error {
	prefix := make([]byte, 6)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, addr, 6), prefix); err != nil {
		return fmt.Errorf("%w: v2 header prefix: %w", ErrMalformed, err)
	}
	if prefix[4] != 2 {
		return fmt.Errorf("%w: OHDR version %d", ErrUnsupportedFeature, prefix[4])
	}
	flags := prefix[5]

	pos := addr + 6
	if flags&0x20 != 0 {
		pos += 16 // access/mod/change/birth times
	}
	if flags&0x10 != 0 {
		pos += 4 // max compact / min dense attribute counts
	}
	chunkSizeWidth := 1 << (flags & 0x3)
	raw := make([]byte, chunkSizeWidth)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, pos, int64(chunkSizeWidth)), raw); err != nil {
		return fmt.Errorf("%w: v2 chunk size: %w", ErrMalformed, err)
	}
	chunkSize := int64(decodeUint(raw))
	pos += int64(chunkSizeWidth)

	trackOrder := flags&0x04 != 0
	return f.readV2Messages(pos, chunkSize, trackOrder, hdr)
}

// readV2Messages reads version 2 messages from one block (the checksum
// after the block is not verified) and follows OCHK continuations.
func (f *file) readV2Messages(pos, size int64, trackOrder bool, hdr *objectHeader) error {
	end := pos + size
	headLen := int64(4)
	if trackOrder {
		headLen = 6
	}

	for pos+headLen <= end {
		head := make([]byte, headLen)
		if _, err := io.ReadFull(io.NewSectionReader(f.r, pos, headLen), head); err != nil {
			return fmt.Errorf("%w: v2 message header: %w", ErrMalformed, err)
		}
		kind := uint16(head[0])
		bodySize := int64(binary.LittleEndian.Uint16(head[1:3]))
		if pos+headLen+bodySize > end {
			return fmt.Errorf("%w: v2 message overruns block", ErrMalformed)
		}

		body := make([]byte, bodySize)
		if bodySize > 0 {
			if _, err := io.ReadFull(io.NewSectionReader(f.r, pos+headLen, bodySize), body); err != nil {
				return fmt.Errorf("%w: v2 message body: %w", ErrMalformed, err)
			}
		}
		pos += headLen + bodySize

		if kind == msgContinuation {
			contAddr, contSize, err := f.parseContinuation(body)
			if err != nil {
				return err
			}
			// Continuation blocks carry an OCHK signature and trailing
			// checksum around their messages.
			if err := f.readV2Messages(contAddr+4, contSize-8, trackOrder, hdr); err != nil {
				return err
			}
			continue
		}
		hdr.messages = append(hdr.messages, headerMessage{kind: kind, body: body})
	}
	return nil
}

func (f *file) parseContinuation(body []byte) (int64, int64, error) {
	if len(body) < f.sb.offsetSize+f.sb.lengthSize {
		return 0, 0, fmt.Errorf("%w: continuation message too short", ErrMalformed)
	}
	addr := decodeUint(body[:f.sb.offsetSize])
	size := decodeUint(body[f.sb.offsetSize : f.sb.offsetSize+f.sb.lengthSize])
	if undefined(addr, f.sb.offsetSize) {
		return 0, 0, fmt.Errorf("%w: undefined continuation address", ErrMalformed)
	}
	return int64(addr), int64(size), nil
}

// -----------------------------------------------------------------------------
// Dataspace
// -----------------------------------------------------------------------------

// parseDataspace returns the dataset's dimension sizes. Scalar spaces
// return an empty slice.
func (f *file) parseDataspace(body []byte) ([]int64, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: dataspace message too short", ErrMalformed)
	}
	version := body[0]
	rank := int(body[1])

	var pos int
	switch version {
	case 1:
		pos = 8
	case 2:
		pos = 4
	default:
		return nil, fmt.Errorf("%w: dataspace version %d", ErrUnsupportedFeature, version)
	}

	need := pos + rank*f.sb.lengthSize
	if len(body) < need {
		return nil, fmt.Errorf("%w: dataspace dimensions truncated", ErrMalformed)
	}

	dims := make([]int64, rank)
	for i := 0; i < rank; i++ {
		dims[i] = int64(decodeUint(body[pos : pos+f.sb.lengthSize]))
		pos += f.sb.lengthSize
	}
	return dims, nil
}

// -----------------------------------------------------------------------------
// Datatype
// -----------------------------------------------------------------------------

// Datatype classes.
const (
	classFixed    = 0
	classFloat    = 1
	classTime     = 2
	classString   = 3
	classBitfield = 4
	classOpaque   = 5
	classCompound = 6
	classRef      = 7
	classEnum     = 8
	classVarLen   = 9
	classArray    = 10
)

type datatype struct {
	class int
	size  int64
	dtype string // numpy-style dtype string
}

// parseDatatype decodes the classes the scanner can express as zarr
// dtypes: fixed-point, float, and fixed strings.
func parseDatatype(body []byte) (datatype, error) {
	if len(body) < 8 {
		return datatype{}, fmt.Errorf("%w: datatype message too short", ErrMalformed)
	}
	class := int(body[0] & 0x0F)
	bits0 := body[1]
	size := int64(binary.LittleEndian.Uint32(body[4:8]))

	endian := "<"
	if bits0&0x01 != 0 {
		endian = ">"
	}

	dt := datatype{class: class, size: size}
	switch class {
	case classFixed:
		kind := "u"
		if bits0&0x08 != 0 {
			kind = "i"
		}
		dt.dtype = fmt.Sprintf("%s%s%d", endian, kind, size)
	case classFloat:
		dt.dtype = fmt.Sprintf("%sf%d", endian, size)
	case classString:
		dt.dtype = fmt.Sprintf("|S%d", size)
	default:
		return datatype{}, fmt.Errorf("%w: datatype class %d", ErrUnsupportedFeature, class)
	}
	return dt, nil
}

// -----------------------------------------------------------------------------
// Data layout
// -----------------------------------------------------------------------------

// Layout classes.
const (
	layoutCompact    = 0
	layoutContiguous = 1
	layoutChunked    = 2
)

type dataLayout struct {
	class int

	// Compact
	data []byte

	// Contiguous
	addr int64
	size int64

	// Chunked
	btreeAddr int64
	chunkDims []int64 // without the trailing element-size dimension
}

func (f *file) parseLayout(body []byte) (*dataLayout, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: layout message too short", ErrMalformed)
	}
	version := body[0]
	if version != 3 && version != 4 {
		return nil, fmt.Errorf("%w: data layout version %d", ErrUnsupportedFeature, version)
	}
	class := int(body[1])
	pos := 2

	switch class {
	case layoutCompact:
		if len(body) < pos+2 {
			return nil, fmt.Errorf("%w: compact layout truncated", ErrMalformed)
		}
		size := int(binary.LittleEndian.Uint16(body[pos : pos+2]))
		pos += 2
		if len(body) < pos+size {
			return nil, fmt.Errorf("%w: compact data truncated", ErrMalformed)
		}
		return &dataLayout{class: class, data: body[pos : pos+size]}, nil

	case layoutContiguous:
		if len(body) < pos+f.sb.offsetSize+f.sb.lengthSize {
			return nil, fmt.Errorf("%w: contiguous layout truncated", ErrMalformed)
		}
		addr := decodeUint(body[pos : pos+f.sb.offsetSize])
		pos += f.sb.offsetSize
		size := decodeUint(body[pos : pos+f.sb.lengthSize])
		return &dataLayout{
			class: class,
			addr:  asAddr(addr, f.sb.offsetSize),
			size:  int64(size),
		}, nil

	case layoutChunked:
		if version == 4 {
			// Version 4 chunk indexes (implicit, fixed array, extensible
			// array, v2 B-tree) are outside the supported subset.
			return nil, fmt.Errorf("%w: version 4 chunked layout", ErrUnsupportedFeature)
		}
		if len(body) < pos+1 {
			return nil, fmt.Errorf("%w: chunked layout truncated", ErrMalformed)
		}
		dimensionality := int(body[pos])
		pos++
		if len(body) < pos+f.sb.offsetSize+4*dimensionality {
			return nil, fmt.Errorf("%w: chunk dimensions truncated", ErrMalformed)
		}
		addr := decodeUint(body[pos : pos+f.sb.offsetSize])
		pos += f.sb.offsetSize
		dims := make([]int64, dimensionality)
		for i := range dims {
			dims[i] = int64(binary.LittleEndian.Uint32(body[pos : pos+4]))
			pos += 4
		}
		// The last dimension is the element size.
		return &dataLayout{
			class:     class,
			btreeAddr: asAddr(addr, f.sb.offsetSize),
			chunkDims: dims[:len(dims)-1],
		}, nil

	default:
		return nil, fmt.Errorf("%w: layout class %d", ErrUnsupportedFeature, class)
	}
}

// -----------------------------------------------------------------------------
// Filter pipeline
// -----------------------------------------------------------------------------

// Registered filter identifiers.
const (
	filterDeflate    = 1
	filterShuffle    = 2
	filterFletcher32 = 3
)

type pipelineFilter struct {
	id     int
	values []uint32
}

func parseFilterPipeline(body []byte) ([]pipelineFilter, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: filter pipeline too short", ErrMalformed)
	}
	version := body[0]
	count := int(body[1])

	var pos int
	switch version {
	case 1:
		pos = 8
	case 2:
		pos = 2
	default:
		return nil, fmt.Errorf("%w: filter pipeline version %d", ErrUnsupportedFeature, version)
	}

	filters := make([]pipelineFilter, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < pos+8 {
			return nil, fmt.Errorf("%w: filter description truncated", ErrMalformed)
		}
		id := int(binary.LittleEndian.Uint16(body[pos : pos+2]))
		var nameLen int
		if version == 1 || id >= 256 {
			nameLen = int(binary.LittleEndian.Uint16(body[pos+2 : pos+4]))
			pos += 4
		} else {
			pos += 2
		}
		// flags
		pos += 2
		nValues := int(binary.LittleEndian.Uint16(body[pos : pos+2]))
		pos += 2

		if version == 1 {
			nameLen = (nameLen + 7) &^ 7
		}
		pos += nameLen

		if len(body) < pos+4*nValues {
			return nil, fmt.Errorf("%w: filter client data truncated", ErrMalformed)
		}
		values := make([]uint32, nValues)
		for j := range values {
			values[j] = binary.LittleEndian.Uint32(body[pos : pos+4])
			pos += 4
		}
		if version == 1 && nValues%2 == 1 {
			pos += 4 // client data padded to an 8-byte boundary
		}

		filters = append(filters, pipelineFilter{id: id, values: values})
	}
	return filters, nil
}

// -----------------------------------------------------------------------------
// Links and symbol tables
// -----------------------------------------------------------------------------

type link struct {
	name string
	addr int64
}

// parseLink decodes a version 1 link message. Only hard links carry an
// address; soft and external links are reported with addr -1.
func (f *file) parseLink(body []byte) (link, error) {
	if len(body) < 2 {
		return link{}, fmt.Errorf("%w: link message too short", ErrMalformed)
	}
	if body[0] != 1 {
		return link{}, fmt.Errorf("%w: link message version %d", ErrUnsupportedFeature, body[0])
	}
	flags := body[1]
	pos := 2

	linkType := 0
	if flags&0x08 != 0 {
		linkType = int(body[pos])
		pos++
	}
	if flags&0x04 != 0 {
		pos += 8 // creation order
	}
	if flags&0x10 != 0 {
		pos++ // link name character set
	}

	nameWidth := 1 << (flags & 0x3)
	if len(body) < pos+nameWidth {
		return link{}, fmt.Errorf("%w: link name length truncated", ErrMalformed)
	}
	nameLen := int(decodeUint(body[pos : pos+nameWidth]))
	pos += nameWidth
	if len(body) < pos+nameLen {
		return link{}, fmt.Errorf("%w: link name truncated", ErrMalformed)
	}
	name := string(body[pos : pos+nameLen])
	pos += nameLen

	if linkType != 0 {
		return link{name: name, addr: -1}, nil
	}
	if len(body) < pos+f.sb.offsetSize {
		return link{}, fmt.Errorf("%w: link target truncated", ErrMalformed)
	}
	addr := decodeUint(body[pos : pos+f.sb.offsetSize])
	return link{name: name, addr: asAddr(addr, f.sb.offsetSize)}, nil
}

// parseSymbolTable returns the B-tree and local heap addresses from a
// symbol table message.
func (f *file) parseSymbolTable(body []byte) (btreeAddr, heapAddr int64, err error) {
	if len(body) < 2*f.sb.offsetSize {
		return 0, 0, fmt.Errorf("%w: symbol table message too short", ErrMalformed)
	}
	b := decodeUint(body[:f.sb.offsetSize])
	h := decodeUint(body[f.sb.offsetSize : 2*f.sb.offsetSize])
	return asAddr(b, f.sb.offsetSize), asAddr(h, f.sb.offsetSize), nil
}

// denseLinks reports whether a link info message indicates dense link
// storage (links in a fractal heap), which the scanner cannot walk.
func (f *file) denseLinks(body []byte) bool {
	if len(body) < 2 {
		return false
	}
	flags := body[1]
	pos := 2
	if flags&0x01 != 0 {
		pos += 8 // maximum creation index
	}
	if len(body) < pos+f.sb.offsetSize {
		return false
	}
	heapAddr := decodeUint(body[pos : pos+f.sb.offsetSize])
	return !undefined(heapAddr, f.sb.offsetSize)
}

// -----------------------------------------------------------------------------
// Attributes
// -----------------------------------------------------------------------------

type attribute struct {
	name  string
	value any
}

// parseAttribute decodes scalar and small simple-space attributes of
// fixed, float, and string types. Anything else returns ok=false and is
// skipped; attributes never fail a scan.
func (f *file) parseAttribute(body []byte) (attribute, bool) {
	if len(body) < 8 {
		return attribute{}, false
	}
	version := body[0]
	if version != 1 && version != 2 && version != 3 {
		return attribute{}, false
	}
	flags := body[1]
	nameSize := int(binary.LittleEndian.Uint16(body[2:4]))
	dtSize := int(binary.LittleEndian.Uint16(body[4:6]))
	dsSize := int(binary.LittleEndian.Uint16(body[6:8]))
	pos := 8
	if version == 3 {
		pos = 9 // name character set encoding
	}
	if version >= 2 && flags&0x01 != 0 {
		return attribute{}, false // shared datatype
	}

	pad := func(n int) int {
		if version == 1 {
			return (n + 7) &^ 7
		}
		return n
	}

	if len(body) < pos+pad(nameSize) {
		return attribute{}, false
	}
	name := strings.TrimRight(string(body[pos:pos+nameSize]), "\x00")
	pos += pad(nameSize)

	if len(body) < pos+pad(dtSize) {
		return attribute{}, false
	}
	dt, err := parseDatatype(body[pos : pos+dtSize])
	if err != nil {
		return attribute{}, false
	}
	pos += pad(dtSize)

	if len(body) < pos+pad(dsSize) {
		return attribute{}, false
	}
	dims, err := f.parseDataspace(body[pos : pos+dsSize])
	if err != nil {
		return attribute{}, false
	}
	pos += pad(dsSize)

	count := int64(1)
	for _, d := range dims {
		count *= d
	}
	need := count * dt.size
	if need < 0 || int64(len(body)) < int64(pos)+need {
		return attribute{}, false
	}
	data := body[pos : int64(pos)+need]

	value, ok := decodeAttrValue(data, dt, count)
	if !ok {
		return attribute{}, false
	}
	return attribute{name: name, value: value}, true
}

func decodeAttrValue(data []byte, dt datatype, count int64) (any, bool) {
	if dt.class == classString {
		return strings.TrimRight(string(data), "\x00"), true
	}
	if count > 64 {
		return nil, false // oversized numeric attributes are skipped
	}

	bigEndian := strings.HasPrefix(dt.dtype, ">")
	one := func(i int64) (any, bool) {
		chunk := data[i*dt.size : (i+1)*dt.size]
		raw := decodeUintEndian(chunk, bigEndian)
		switch dt.class {
		case classFixed:
			if strings.Contains(dt.dtype, "i") {
				return signExtend(raw, int(dt.size)), true
			}
			return raw, true
		case classFloat:
			switch dt.size {
			case 4:
				return float64(math.Float32frombits(uint32(raw))), true
			case 8:
				return math.Float64frombits(raw), true
			}
		}
		return nil, false
	}

	if count == 1 {
		return one(0)
	}
	values := make([]any, count)
	for i := int64(0); i < count; i++ {
		v, ok := one(i)
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

func decodeUintEndian(buf []byte, bigEndian bool) uint64 {
	var v uint64
	if bigEndian {
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
		return v
	}
	return decodeUint(buf)
}

func signExtend(v uint64, size int) int64 {
	shift := uint(64 - 8*size)
	return int64(v<<shift) >> shift
}
