package hdf5

import (
	"encoding/binary"
	"fmt"
	"io"
)

// signature is the 8-byte HDF5 file signature.
var signature = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

// superblockOffsets are the standard locations searched for the signature.
var superblockOffsets = []int64{0, 512, 1024, 2048, 4096}

// superblock holds the file-level metadata the scanner needs: field
// widths and the root group location.
type superblock struct {
	version    int
	offsetSize int
	lengthSize int
	base       int64
	rootAddr   int64

	// v0/v1 root group scratch pad; used when the root object header
	// carries no symbol table message of its own.
	rootBTreeAddr int64
	rootHeapAddr  int64
}

// readSuperblock locates the signature and parses the version-appropriate
// superblock layout.
func readSuperblock(r io.ReaderAt) (*superblock, error) {
	sig := make([]byte, 9)
	for _, off := range superblockOffsets {
		if _, err := r.ReadAt(sig, off); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				continue
			}
			return nil, err
		}
		if !sigMatch(sig[:8]) {
			continue
		}
		switch sig[8] {
		case 0, 1:
			return readSuperblockV0(r, off, int(sig[8]))
		case 2, 3:
			return readSuperblockV2(r, off, int(sig[8]))
		default:
			return nil, fmt.Errorf("%w: superblock version %d", ErrUnsupportedFeature, sig[8])
		}
	}
	return nil, ErrNotHDF5
}

func sigMatch(b []byte) bool {
	for i := range signature {
		if b[i] != signature[i] {
			return false
		}
	}
	return true
}

func readSuperblockV0(r io.ReaderAt, off int64, version int) (*superblock, error) {
	// Fixed prefix through the field sizes.
	head := make([]byte, 24)
	if _, err := io.ReadFull(io.NewSectionReader(r, off, 24), head); err != nil {
		return nil, fmt.Errorf("%w: superblock: %w", ErrMalformed, err)
	}

	sb := &superblock{
		version:    version,
		offsetSize: int(head[13]),
		lengthSize: int(head[14]),
	}
	if !validFieldSize(sb.offsetSize) || !validFieldSize(sb.lengthSize) {
		return nil, fmt.Errorf("%w: offset size %d, length size %d", ErrMalformed, sb.offsetSize, sb.lengthSize)
	}

	// head[16:18] group leaf k, head[18:20] group internal k,
	// head[20:24] file consistency flags.
	pos := off + 24
	if version == 1 {
		pos += 4 // indexed storage k + reserved
	}

	rd := &fieldReader{r: r, pos: pos, offsetSize: sb.offsetSize, lengthSize: sb.lengthSize}
	base, err := rd.offset()
	if err != nil {
		return nil, err
	}
	if _, err := rd.offset(); err != nil { // free space address
		return nil, err
	}
	if _, err := rd.offset(); err != nil { // end of file address
		return nil, err
	}
	if _, err := rd.offset(); err != nil { // driver information address
		return nil, err
	}
	sb.base = asAddr(base, sb.offsetSize)

	// Root group symbol table entry: link name offset, object header
	// address, cache type, reserved, 16-byte scratch pad. When the cache
	// type is 1 the scratch pad caches the B-tree and heap addresses.
	if _, err := rd.offset(); err != nil { // link name offset
		return nil, err
	}
	rootAddr, err := rd.offset()
	if err != nil {
		return nil, err
	}
	sb.rootAddr = asAddr(rootAddr, sb.offsetSize)
	cacheType, err := rd.uint(4)
	if err != nil {
		return nil, err
	}
	if _, err := rd.uint(4); err != nil { // reserved
		return nil, err
	}
	scratch := make([]byte, 16)
	if _, err := io.ReadFull(io.NewSectionReader(r, rd.pos, 16), scratch); err != nil {
		return nil, fmt.Errorf("%w: root scratch pad: %w", ErrMalformed, err)
	}
	if cacheType == 1 {
		sb.rootBTreeAddr = int64(binary.LittleEndian.Uint64(scratch[0:8]))
		sb.rootHeapAddr = int64(binary.LittleEndian.Uint64(scratch[8:16]))
	} else {
		sb.rootBTreeAddr = -1
		sb.rootHeapAddr = -1
	}

	return sb, nil
}

func readSuperblockV2(r io.ReaderAt, off int64, version int) (*superblock, error) {
	head := make([]byte, 12)
	if _, err := io.ReadFull(io.NewSectionReader(r, off, 12), head); err != nil {
		return nil, fmt.Errorf("%w: superblock: %w", ErrMalformed, err)
	}

	sb := &superblock{
		version:       version,
		offsetSize:    int(head[9]),
		lengthSize:    int(head[10]),
		rootBTreeAddr: -1,
		rootHeapAddr:  -1,
	}
	if !validFieldSize(sb.offsetSize) || !validFieldSize(sb.lengthSize) {
		return nil, fmt.Errorf("%w: offset size %d, length size %d", ErrMalformed, sb.offsetSize, sb.lengthSize)
	}

	rd := &fieldReader{r: r, pos: off + 12, offsetSize: sb.offsetSize, lengthSize: sb.lengthSize}
	base, err := rd.offset()
	if err != nil {
		return nil, err
	}
	if _, err := rd.offset(); err != nil { // superblock extension address
		return nil, err
	}
	if _, err := rd.offset(); err != nil { // end of file address
		return nil, err
	}
	rootAddr, err := rd.offset()
	if err != nil {
		return nil, err
	}

	sb.base = asAddr(base, sb.offsetSize)
	sb.rootAddr = asAddr(rootAddr, sb.offsetSize)
	return sb, nil
}

func validFieldSize(n int) bool {
	return n == 2 || n == 4 || n == 8
}

// -----------------------------------------------------------------------------
// Field reader
// -----------------------------------------------------------------------------

// fieldReader reads little-endian fields of superblock-declared widths at
// a tracked position.
type fieldReader struct {
	r          io.ReaderAt
	pos        int64
	offsetSize int
	lengthSize int
}

func (f *fieldReader) bytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, f.pos, int64(n)), buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	f.pos += int64(n)
	return buf, nil
}

func (f *fieldReader) uint(n int) (uint64, error) {
	buf, err := f.bytes(n)
	if err != nil {
		return 0, err
	}
	return decodeUint(buf), nil
}

func (f *fieldReader) offset() (uint64, error) { return f.uint(f.offsetSize) }

func (f *fieldReader) length() (uint64, error) { return f.uint(f.lengthSize) }

// decodeUint decodes a little-endian unsigned integer of arbitrary width.
func decodeUint(buf []byte) uint64 {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

// undefined reports whether a field holds the all-ones "undefined address"
// marker for the given width.
func undefined(v uint64, size int) bool {
	mask := ^uint64(0)
	if size < 8 {
		mask = (uint64(1) << (8 * size)) - 1
	}
	return v == mask
}

// asAddr converts a raw offset field to a signed address, mapping the
// undefined marker to -1.
func asAddr(v uint64, size int) int64 {
	if undefined(v, size) {
		return -1
	}
	return int64(v)
}
