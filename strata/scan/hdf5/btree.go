package hdf5

import (
	"encoding/binary"
	"fmt"
	"io"
)

// -----------------------------------------------------------------------------
// Local heaps
// -----------------------------------------------------------------------------

var heapSignature = []byte{'H', 'E', 'A', 'P'}

// localHeap is a version 0 local heap holding link names for old-style
// groups.
type localHeap struct {
	dataAddr int64
	dataSize int64
}

func (f *file) readLocalHeap(addr int64) (*localHeap, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, addr, 8), head); err != nil {
		return nil, fmt.Errorf("%w: local heap header: %w", ErrMalformed, err)
	}
	if string(head[:4]) != string(heapSignature) {
		return nil, fmt.Errorf("%w: bad local heap signature at %d", ErrMalformed, addr)
	}
	if head[4] != 0 {
		return nil, fmt.Errorf("%w: local heap version %d", ErrUnsupportedFeature, head[4])
	}

	rd := &fieldReader{r: f.r, pos: addr + 8, offsetSize: f.sb.offsetSize, lengthSize: f.sb.lengthSize}
	size, err := rd.length()
	if err != nil {
		return nil, err
	}
	if _, err := rd.length(); err != nil { // free list head offset
		return nil, err
	}
	dataAddr, err := rd.offset()
	if err != nil {
		return nil, err
	}

	return &localHeap{dataAddr: asAddr(dataAddr, f.sb.offsetSize), dataSize: int64(size)}, nil
}

// name returns the NUL-terminated string at the given heap offset.
func (f *file) heapName(h *localHeap, offset int64) (string, error) {
	if offset < 0 || offset >= h.dataSize {
		return "", fmt.Errorf("%w: heap offset %d out of range", ErrMalformed, offset)
	}
	// Names are short; read in modest chunks until the terminator.
	var name []byte
	buf := make([]byte, 64)
	pos := h.dataAddr + offset
	remaining := h.dataSize - offset
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		if _, err := io.ReadFull(io.NewSectionReader(f.r, pos, n), buf[:n]); err != nil {
			return "", fmt.Errorf("%w: heap data: %w", ErrMalformed, err)
		}
		for i := int64(0); i < n; i++ {
			if buf[i] == 0 {
				return string(append(name, buf[:i]...)), nil
			}
		}
		name = append(name, buf[:n]...)
		pos += n
		remaining -= n
	}
	return "", fmt.Errorf("%w: unterminated heap string", ErrMalformed)
}

// -----------------------------------------------------------------------------
// Version 1 B-trees
// -----------------------------------------------------------------------------

var treeSignature = []byte{'T', 'R', 'E', 'E'}

type btreeNode struct {
	nodeType int
	level    int
	entries  int
	body     []byte // keys and child pointers, past the fixed header
}

func (f *file) readBTreeNode(addr int64) (*btreeNode, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, addr, 8), head); err != nil {
		return nil, fmt.Errorf("%w: b-tree node header: %w", ErrMalformed, err)
	}
	if string(head[:4]) != string(treeSignature) {
		return nil, fmt.Errorf("%w: bad b-tree signature at %d", ErrMalformed, addr)
	}
	node := &btreeNode{
		nodeType: int(head[4]),
		level:    int(head[5]),
		entries:  int(binary.LittleEndian.Uint16(head[6:8])),
	}

	// Skip the left/right sibling pointers; read the key/pointer area in
	// one generous slab sized from the entry count.
	bodyStart := addr + 8 + int64(2*f.sb.offsetSize)
	bodySize := int64(node.entries+1)*int64(f.sb.lengthSize+f.sb.offsetSize+64) + 64
	body := make([]byte, bodySize)
	n, err := io.NewSectionReader(f.r, bodyStart, bodySize).Read(body)
	if n == 0 && err != nil {
		return nil, fmt.Errorf("%w: b-tree node body: %w", ErrMalformed, err)
	}
	node.body = body[:n]
	return node, nil
}

// walkGroupBTree visits every symbol table node reachable from the group
// B-tree at addr, resolving names through the heap, and calls visit for
// each link.
func (f *file) walkGroupBTree(addr int64, heap *localHeap, visit func(link) error) error {
	node, err := f.readBTreeNode(addr)
	if err != nil {
		return err
	}
	if node.nodeType != 0 {
		return fmt.Errorf("%w: expected group b-tree node, got type %d", ErrMalformed, node.nodeType)
	}

	// Group node layout: key 0, child 0, key 1, child 1, ... key N. Keys
	// are heap offsets of length-field width.
	pos := 0
	for i := 0; i < node.entries; i++ {
		pos += f.sb.lengthSize // key: smallest name in child, unused here
		if len(node.body) < pos+f.sb.offsetSize {
			return fmt.Errorf("%w: group b-tree node truncated", ErrMalformed)
		}
		child := asAddr(decodeUint(node.body[pos:pos+f.sb.offsetSize]), f.sb.offsetSize)
		pos += f.sb.offsetSize
		if child < 0 {
			return fmt.Errorf("%w: undefined b-tree child", ErrMalformed)
		}

		if node.level > 0 {
			if err := f.walkGroupBTree(child, heap, visit); err != nil {
				return err
			}
			continue
		}
		if err := f.walkSymbolTableNode(child, heap, visit); err != nil {
			return err
		}
	}
	return nil
}

var snodSignature = []byte{'S', 'N', 'O', 'D'}

// walkSymbolTableNode reads a SNOD leaf and calls visit for each entry.
func (f *file) walkSymbolTableNode(addr int64, heap *localHeap, visit func(link) error) error {
	head := make([]byte, 8)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, addr, 8), head); err != nil {
		return fmt.Errorf("%w: symbol table node: %w", ErrMalformed, err)
	}
	if string(head[:4]) != string(snodSignature) {
		return fmt.Errorf("%w: bad symbol table node signature at %d", ErrMalformed, addr)
	}
	if head[4] != 1 {
		return fmt.Errorf("%w: symbol table node version %d", ErrUnsupportedFeature, head[4])
	}
	count := int(binary.LittleEndian.Uint16(head[6:8]))

	// Entry: link name offset, object header address, cache type u32,
	// reserved u32, 16-byte scratch pad.
	entrySize := int64(2*f.sb.offsetSize + 4 + 4 + 16)
	buf := make([]byte, entrySize*int64(count))
	if _, err := io.ReadFull(io.NewSectionReader(f.r, addr+8, int64(len(buf))), buf); err != nil {
		return fmt.Errorf("%w: symbol table entries: %w", ErrMalformed, err)
	}

	for i := 0; i < count; i++ {
		entry := buf[int64(i)*entrySize:]
		nameOff := asAddr(decodeUint(entry[:f.sb.offsetSize]), f.sb.offsetSize)
		objAddr := asAddr(decodeUint(entry[f.sb.offsetSize:2*f.sb.offsetSize]), f.sb.offsetSize)
		if objAddr < 0 {
			continue
		}
		name, err := f.heapName(heap, nameOff)
		if err != nil {
			return err
		}
		if err := visit(link{name: name, addr: objAddr}); err != nil {
			return err
		}
	}
	return nil
}

// chunkRef is one raw chunk located by the chunk B-tree.
type chunkRef struct {
	offsets    []int64 // logical offset of the chunk in each dimension
	addr       int64
	size       int64
	filterMask uint32
}

// walkChunkBTree visits every chunk reachable from the raw-data B-tree at
// addr. rank is the dataset rank; chunk keys carry rank+1 offsets, the
// last always zero.
func (f *file) walkChunkBTree(addr int64, rank int, visit func(chunkRef) error) error {
	node, err := f.readBTreeNode(addr)
	if err != nil {
		return err
	}
	if node.nodeType != 1 {
		return fmt.Errorf("%w: expected chunk b-tree node, got type %d", ErrMalformed, node.nodeType)
	}

	// Chunk key: chunk size u32, filter mask u32, offsets u64 * (rank+1).
	keySize := 8 + 8*(rank+1)
	pos := 0
	for i := 0; i < node.entries; i++ {
		if len(node.body) < pos+keySize+f.sb.offsetSize {
			return fmt.Errorf("%w: chunk b-tree node truncated", ErrMalformed)
		}
		key := node.body[pos : pos+keySize]
		pos += keySize
		child := asAddr(decodeUint(node.body[pos:pos+f.sb.offsetSize]), f.sb.offsetSize)
		pos += f.sb.offsetSize
		if child < 0 {
			return fmt.Errorf("%w: undefined chunk b-tree child", ErrMalformed)
		}

		if node.level > 0 {
			if err := f.walkChunkBTree(child, rank, visit); err != nil {
				return err
			}
			continue
		}

		ref := chunkRef{
			size:       int64(binary.LittleEndian.Uint32(key[0:4])),
			filterMask: binary.LittleEndian.Uint32(key[4:8]),
			addr:       child,
			offsets:    make([]int64, rank),
		}
		for d := 0; d < rank; d++ {
			ref.offsets[d] = int64(binary.LittleEndian.Uint64(key[8+8*d : 16+8*d]))
		}
		if err := visit(ref); err != nil {
			return err
		}
	}
	return nil
}
