package metadata

import (
	"errors"
	"fmt"

	bin "github.com/wippyai/ildecode/internal/binary"
)

// Signature is the magic at the start of a metadata root ("BSJB").
const Signature = 0x424A5342

// Stream names.
const (
	StreamTables             = "#~"
	StreamTablesUncompressed = "#-"
	StreamStrings            = "#Strings"
	StreamUserStrings        = "#US"
	StreamBlob               = "#Blob"
	StreamGUID               = "#GUID"
)

// ErrInvalidSignature is returned when the metadata root magic is wrong.
var ErrInvalidSignature = errors.New("invalid metadata signature")

// StreamHeader locates one stream relative to the metadata root.
type StreamHeader struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Metadata is a parsed metadata block.
type Metadata struct {
	raw         []byte
	version     []byte // padded version field, kept verbatim
	Streams     []StreamHeader
	Tables      *Tables
	Strings     StringHeap
	Blobs       BlobHeap
	UserStrings *UserStrings
	Version     string
	Major       uint16
	Minor       uint16
	Flags       uint16

	nested map[uint32]uint32
}

// Parse parses a metadata block starting at its root.
func Parse(data []byte) (*Metadata, error) {
	r := bin.NewReader(data)
	m := &Metadata{raw: data}

	sig, err := r.ReadU32()
	if err != nil {
		return nil, r.WrapError("metadata root", err)
	}
	if sig != Signature {
		return nil, ErrInvalidSignature
	}
	if m.Major, err = r.ReadU16(); err != nil {
		return nil, r.WrapError("metadata root", err)
	}
	if m.Minor, err = r.ReadU16(); err != nil {
		return nil, r.WrapError("metadata root", err)
	}
	if err := r.Skip(4); err != nil {
		return nil, r.WrapError("metadata root", err)
	}
	vlen, err := r.ReadU32()
	if err != nil {
		return nil, r.WrapError("metadata root", err)
	}
	if vlen > 255 || vlen%4 != 0 {
		return nil, r.WrapError("metadata root", fmt.Errorf("version length %d", vlen))
	}
	if m.version, err = r.ReadBytes(int(vlen)); err != nil {
		return nil, r.WrapError("metadata root", err)
	}
	m.Version = cstring(m.version)
	if m.Flags, err = r.ReadU16(); err != nil {
		return nil, r.WrapError("metadata root", err)
	}
	count, err := r.ReadU16()
	if err != nil {
		return nil, r.WrapError("metadata root", err)
	}

	m.Streams = make([]StreamHeader, 0, count)
	for i := 0; i < int(count); i++ {
		var h StreamHeader
		if h.Offset, err = r.ReadU32(); err != nil {
			return nil, r.WrapError("stream header", err)
		}
		if h.Size, err = r.ReadU32(); err != nil {
			return nil, r.WrapError("stream header", err)
		}
		if h.Name, err = r.ReadCString(); err != nil {
			return nil, r.WrapError("stream header", err)
		}
		if err := r.Align(4); err != nil {
			return nil, r.WrapError("stream header", err)
		}
		if uint64(h.Offset)+uint64(h.Size) > uint64(len(data)) {
			return nil, r.WrapError("stream header", fmt.Errorf("stream %s [0x%x+0x%x] outside metadata (size 0x%x)", h.Name, h.Offset, h.Size, len(data)))
		}
		m.Streams = append(m.Streams, h)
	}

	var tables []byte
	for _, h := range m.Streams {
		body := data[h.Offset : h.Offset+h.Size]
		switch h.Name {
		case StreamTables, StreamTablesUncompressed:
			tables = body
		case StreamStrings:
			m.Strings = StringHeap(body)
		case StreamBlob:
			m.Blobs = BlobHeap(body)
		case StreamUserStrings:
			m.UserStrings = NewUserStrings(body)
		}
	}
	if tables == nil {
		return nil, fmt.Errorf("metadata: missing %s stream", StreamTables)
	}
	if m.Tables, err = parseTables(tables); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if m.UserStrings == nil {
		m.UserStrings = NewUserStrings(nil)
	}
	return m, nil
}

// Modified reports whether Serialize would produce a different block.
func (m *Metadata) Modified() bool {
	return m.UserStrings.Grown()
}

// Raw returns the metadata block as parsed.
func (m *Metadata) Raw() []byte {
	return m.raw
}

// Serialize rebuilds the metadata block: same root and stream order, every
// stream copied verbatim except "#US", which carries the added strings.
func (m *Metadata) Serialize() []byte {
	headers := append([]StreamHeader(nil), m.Streams...)
	hasUS := false
	for _, h := range headers {
		if h.Name == StreamUserStrings {
			hasUS = true
		}
	}
	if !hasUS && m.UserStrings.Grown() {
		headers = append(headers, StreamHeader{Name: StreamUserStrings})
	}

	bodies := make([][]byte, len(headers))
	for i, h := range headers {
		if h.Name == StreamUserStrings {
			bodies[i] = m.UserStrings.Bytes()
			continue
		}
		bodies[i] = m.raw[h.Offset : h.Offset+h.Size]
	}

	headerSize := 16 + len(m.version) + 4
	for _, h := range headers {
		headerSize += 8 + int(bin.AlignUp(uint32(len(h.Name)+1), 4))
	}

	offset := uint32(headerSize)
	for i := range headers {
		headers[i].Offset = offset
		headers[i].Size = bin.AlignUp(uint32(len(bodies[i])), 4)
		offset += headers[i].Size
	}

	w := bin.NewWriter()
	w.WriteU32(Signature)
	w.WriteU16(m.Major)
	w.WriteU16(m.Minor)
	w.WriteU32(0)
	w.WriteU32(uint32(len(m.version)))
	w.WriteBytes(m.version)
	w.WriteU16(m.Flags)
	w.WriteU16(uint16(len(headers)))
	for _, h := range headers {
		w.WriteU32(h.Offset)
		w.WriteU32(h.Size)
		w.WriteBytes([]byte(h.Name))
		w.Byte(0)
		w.Align(4)
	}
	for _, b := range bodies {
		w.WriteBytes(b)
		w.Align(4)
	}
	return w.Bytes()
}

// UserString returns the string an ldstr token refers to.
func (m *Metadata) UserString(tok Token) (string, error) {
	if tok.Table() != TableUserString {
		return "", fmt.Errorf("token %s is not a user string", tok)
	}
	return m.UserStrings.Get(tok.RID())
}

// AddUserString appends s to the user string heap and returns its token.
func (m *Metadata) AddUserString(s string) (Token, error) {
	off, err := m.UserStrings.Add(s)
	if err != nil {
		return 0, err
	}
	return NewToken(TableUserString, off), nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
