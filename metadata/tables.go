package metadata

import (
	"errors"
	"fmt"

	bin "github.com/wippyai/ildecode/internal/binary"
)

// Heap size flags of the tables stream header.
const (
	heapStringsWide = 0x01
	heapGUIDWide    = 0x02
	heapBlobWide    = 0x04
	heapExtraData   = 0x40
)

// ErrUnknownTable is returned when the valid mask names a table this
// package has no schema for.
var ErrUnknownTable = errors.New("unknown metadata table")

// Tables is the parsed "#~" (or uncompressed "#-") stream.
type Tables struct {
	data      []byte
	Rows      [numTables]uint32
	rowSize   [numTables]int
	offset    [numTables]int
	colSizes  [numTables][]int
	Valid     uint64
	Sorted    uint64
	HeapSizes byte
	Major     byte
	Minor     byte
}

func parseTables(data []byte) (*Tables, error) {
	r := bin.NewReader(data)
	t := &Tables{data: data}

	if err := r.Skip(4); err != nil {
		return nil, r.WrapError("tables header", err)
	}
	hdr, err := r.ReadBytes(4)
	if err != nil {
		return nil, r.WrapError("tables header", err)
	}
	t.Major, t.Minor, t.HeapSizes = hdr[0], hdr[1], hdr[2]
	if t.Valid, err = r.ReadU64(); err != nil {
		return nil, r.WrapError("tables header", err)
	}
	if t.Sorted, err = r.ReadU64(); err != nil {
		return nil, r.WrapError("tables header", err)
	}

	for i := 0; i < 64; i++ {
		if t.Valid&(1<<uint(i)) == 0 {
			continue
		}
		n, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("row counts", err)
		}
		if i >= numTables {
			if n == 0 {
				continue
			}
			return nil, r.WrapError("row counts", fmt.Errorf("%w 0x%02x", ErrUnknownTable, i))
		}
		t.Rows[i] = n
	}
	if t.HeapSizes&heapExtraData != 0 {
		if err := r.Skip(4); err != nil {
			return nil, r.WrapError("row counts", err)
		}
	}

	t.computeSizes()

	pos := r.Position()
	for i := 0; i < numTables; i++ {
		t.offset[i] = pos
		pos += t.rowSize[i] * int(t.Rows[i])
	}
	if pos > len(data) {
		return nil, &bin.ParseError{
			Section:  "tables",
			Position: len(data),
			Err:      fmt.Errorf("table data needs %d bytes, stream has %d", pos, len(data)),
		}
	}
	return t, nil
}

func (t *Tables) computeSizes() {
	for i := 0; i < numTables; i++ {
		cols := schemas[i]
		sizes := make([]int, len(cols))
		total := 0
		for j, c := range cols {
			sizes[j] = t.columnSize(c)
			total += sizes[j]
		}
		t.colSizes[i] = sizes
		t.rowSize[i] = total
	}
}

func (t *Tables) columnSize(c column) int {
	switch c.kind {
	case colFixed:
		return c.size
	case colString:
		return t.heapIndexSize(heapStringsWide)
	case colGUID:
		return t.heapIndexSize(heapGUIDWide)
	case colBlob:
		return t.heapIndexSize(heapBlobWide)
	case colIndex:
		if t.Rows[c.table] < 1<<16 {
			return 2
		}
		return 4
	case colCoded:
		var maxRows uint32
		for _, tbl := range c.coded.tables {
			if tbl != tableNone && t.Rows[tbl] > maxRows {
				maxRows = t.Rows[tbl]
			}
		}
		if maxRows < 1<<(16-c.coded.bits) {
			return 2
		}
		return 4
	}
	return 0
}

func (t *Tables) heapIndexSize(flag byte) int {
	if t.HeapSizes&flag != 0 {
		return 4
	}
	return 2
}

// Present reports how many tables have at least one row.
func (t *Tables) Present() int {
	n := 0
	for _, r := range t.Rows {
		if r > 0 {
			n++
		}
	}
	return n
}

// RowSize returns the byte width of one row of tbl.
func (t *Tables) RowSize(tbl Table) int {
	return t.rowSize[tbl]
}

// Row decodes row rid (1-based) of tbl into raw column values.
func (t *Tables) Row(tbl Table, rid uint32) ([]uint32, error) {
	if tbl >= numTables {
		return nil, fmt.Errorf("%w 0x%02x", ErrUnknownTable, byte(tbl))
	}
	if rid == 0 || rid > t.Rows[tbl] {
		return nil, fmt.Errorf("%s row %d out of range (rows %d)", tbl, rid, t.Rows[tbl])
	}
	r := bin.NewReader(t.data)
	if err := r.Seek(t.offset[tbl] + int(rid-1)*t.rowSize[tbl]); err != nil {
		return nil, err
	}
	sizes := t.colSizes[tbl]
	vals := make([]uint32, len(sizes))
	for i, size := range sizes {
		var err error
		switch size {
		case 1:
			var b byte
			b, err = r.ReadByte()
			vals[i] = uint32(b)
		case 2, 4:
			vals[i], err = r.ReadIndex(size)
		}
		if err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// decodeCoded decodes column col of a row of tbl as a coded index token.
func decodeCoded(tbl Table, col int, v uint32) (Token, error) {
	c := schemas[tbl][col].coded
	tok, ok := c.Decode(v)
	if !ok {
		return 0, fmt.Errorf("%s column %d: invalid coded index 0x%x", tbl, col, v)
	}
	return tok, nil
}
