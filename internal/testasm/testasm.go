// Package testasm builds small but well-formed .NET assemblies for tests.
//
// The builder emits a PE image with one .text section holding the CLI
// header, method bodies and a metadata block with Module, TypeRef, TypeDef,
// MethodDef, MemberRef, AssemblyRef and NestedClass tables. The section
// table keeps room for two more section headers unless CscLayout is set.
package testasm

import (
	"encoding/binary"

	bin "github.com/wippyai/ildecode/internal/binary"
	"github.com/wippyai/ildecode/metadata"
	"github.com/wippyai/ildecode/pe"
)

// Method signatures.
var (
	SigVoid           = []byte{0x00, 0x00, 0x01}
	SigStringToBytes  = []byte{0x00, 0x01, 0x1D, 0x05, 0x0E}
	SigStringToString = []byte{0x00, 0x01, 0x0E, 0x0E}
	SigStringToInt    = []byte{0x00, 0x01, 0x08, 0x0E}
	SigStringsToBytes = []byte{0x00, 0x02, 0x1D, 0x05, 0x0E, 0x0E}
	SigInstanceToStr  = []byte{0x20, 0x01, 0x0E, 0x1D, 0x05}
)

const (
	fileAlign  = 0x200
	sectAlign  = 0x2000
	textRVA    = 0x2000
	cliSize    = 72
	snSize     = 128
	lfanew     = 0x80
	coffOffset = lfanew + 4
	optOffset  = coffOffset + 20

	methodPublicStatic = 0x0096
	typePublic         = 0x00100001
	implNative         = 0x0001
)

type typeDef struct {
	ns, name    string
	extends     uint32
	methodStart uint32
}

type method struct {
	name  string
	body  []byte
	alias uint32
	impl  uint16
	sig   uint32
}

type row []uint32

// Builder accumulates metadata and method bodies.
type Builder struct {
	// PE64 selects a PE32+ optional header.
	PE64 bool
	// Checksum stores a PE checksum in the optional header.
	Checksum bool
	// StrongName marks the assembly as strong-name signed and attaches a
	// dummy certificate table.
	StrongName bool
	// NoUserStrings omits the "#US" stream. Only valid when no strings
	// were added.
	NoUserStrings bool
	// CscLayout adds .rsrc and .reloc after .text the way csc lays out an
	// AnyCPU assembly. A PE32 section table then has 16 bytes of slack and
	// a PE32+ one none.
	CscLayout bool

	strings  []byte
	strIndex map[string]uint32
	blobs    []byte
	us       *metadata.UserStrings

	typeRefs   []row
	memberRefs []row
	nested     []row
	types      []typeDef
	methods    []method
	object     metadata.Token
}

// New returns a builder holding the <Module> type.
func New() *Builder {
	b := &Builder{
		strings:  []byte{0},
		strIndex: map[string]uint32{"": 0},
		blobs:    []byte{0},
		us:       metadata.NewUserStrings(nil),
	}
	b.types = append(b.types, typeDef{name: "<Module>", methodStart: 1})
	return b
}

func (b *Builder) str(s string) uint32 {
	if off, ok := b.strIndex[s]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.strings = append(append(b.strings, s...), 0)
	b.strIndex[s] = off
	return off
}

func (b *Builder) blob(data []byte) uint32 {
	off := uint32(len(b.blobs))
	w := bin.NewWriter()
	w.WriteCompressedU32(uint32(len(data)))
	w.WriteBytes(data)
	b.blobs = append(b.blobs, w.Bytes()...)
	return off
}

// String adds s to the user string heap and returns its ldstr token.
func (b *Builder) String(s string) metadata.Token {
	off, err := b.us.Add(s)
	if err != nil {
		panic(err)
	}
	return metadata.NewToken(metadata.TableUserString, off)
}

// TypeRef adds a reference to a type in mscorlib.
func (b *Builder) TypeRef(ns, name string) metadata.Token {
	// ResolutionScope: AssemblyRef row 1
	b.typeRefs = append(b.typeRefs, row{1<<2 | 2, b.str(name), b.str(ns)})
	return metadata.NewToken(metadata.TableTypeRef, uint32(len(b.typeRefs)))
}

// NestedTypeRef adds a reference to a type nested in outer.
func (b *Builder) NestedTypeRef(outer metadata.Token, name string) metadata.Token {
	b.typeRefs = append(b.typeRefs, row{outer.RID()<<2 | 3, b.str(name), b.str("")})
	return metadata.NewToken(metadata.TableTypeRef, uint32(len(b.typeRefs)))
}

// MemberRef adds a method reference on class.
func (b *Builder) MemberRef(class metadata.Token, name string, sig []byte) metadata.Token {
	var parent uint32
	switch class.Table() {
	case metadata.TableTypeDef:
		parent = class.RID() << 3
	case metadata.TableTypeRef:
		parent = class.RID()<<3 | 1
	case metadata.TableMethodDef:
		parent = class.RID()<<3 | 3
	default:
		panic("testasm: unsupported MemberRef parent " + class.String())
	}
	b.memberRefs = append(b.memberRefs, row{parent, b.str(name), b.blob(sig)})
	return metadata.NewToken(metadata.TableMemberRef, uint32(len(b.memberRefs)))
}

// FromBase64String returns a reference to System.Convert::FromBase64String.
func (b *Builder) FromBase64String() metadata.Token {
	return b.MemberRef(b.TypeRef("System", "Convert"), "FromBase64String", SigStringToBytes)
}

// Type starts a new type. Methods added afterwards belong to it.
func (b *Builder) Type(ns, name string) metadata.Token {
	if b.object == 0 {
		b.object = b.TypeRef("System", "Object")
	}
	b.types = append(b.types, typeDef{
		ns:          ns,
		name:        name,
		extends:     b.object.RID()<<2 | 1,
		methodStart: uint32(len(b.methods) + 1),
	})
	return metadata.NewToken(metadata.TableTypeDef, uint32(len(b.types)))
}

// Nested starts a new type nested in outer.
func (b *Builder) Nested(outer metadata.Token, name string) metadata.Token {
	tok := b.Type("", name)
	b.nested = append(b.nested, row{tok.RID(), outer.RID()})
	return tok
}

// Method adds a static method with the given IL code, wrapped in a tiny
// header when it fits and a fat one otherwise.
func (b *Builder) Method(name string, code []byte) metadata.Token {
	return b.MethodBody(name, Header(code))
}

// MethodBody adds a static method with a complete body, header included.
func (b *Builder) MethodBody(name string, body []byte) metadata.Token {
	b.methods = append(b.methods, method{name: name, body: body, sig: b.blob(SigVoid)})
	return metadata.NewToken(metadata.TableMethodDef, uint32(len(b.methods)))
}

// Alias adds a method sharing target's body.
func (b *Builder) Alias(name string, target metadata.Token) metadata.Token {
	b.methods = append(b.methods, method{name: name, alias: target.RID(), sig: b.blob(SigVoid)})
	return metadata.NewToken(metadata.TableMethodDef, uint32(len(b.methods)))
}

// Abstract adds a method without a body.
func (b *Builder) Abstract(name string) metadata.Token {
	b.methods = append(b.methods, method{name: name, sig: b.blob(SigVoid)})
	return metadata.NewToken(metadata.TableMethodDef, uint32(len(b.methods)))
}

// Native adds a method whose RVA points at native code.
func (b *Builder) Native(name string) metadata.Token {
	b.methods = append(b.methods, method{name: name, body: []byte{0xC3}, impl: implNative, sig: b.blob(SigVoid)})
	return metadata.NewToken(metadata.TableMethodDef, uint32(len(b.methods)))
}

// Bytes lays out and returns the assembly file.
func (b *Builder) Bytes() []byte {
	text := bin.NewWriter()
	text.WriteBytes(make([]byte, cliSize))
	var snRVA uint32
	if b.StrongName {
		snRVA = textRVA + uint32(text.Len())
		text.WriteBytes(make([]byte, snSize))
	}

	rvas := make([]uint32, len(b.methods))
	for i, m := range b.methods {
		if m.body == nil {
			continue
		}
		text.Align(4)
		rvas[i] = textRVA + uint32(text.Len())
		text.WriteBytes(m.body)
	}
	for i, m := range b.methods {
		if m.alias != 0 {
			rvas[i] = rvas[m.alias-1]
		}
	}

	text.Align(4)
	mdRVA := textRVA + uint32(text.Len())
	md := b.metadataBlock(rvas)
	text.WriteBytes(md)

	section := append([]byte(nil), text.Bytes()...)
	flags := uint32(0x1) // ILONLY
	if b.StrongName {
		flags |= 0x8
	}
	le := binary.LittleEndian
	le.PutUint32(section[0:], cliSize)
	le.PutUint16(section[4:], 2)
	le.PutUint16(section[6:], 5)
	le.PutUint32(section[8:], mdRVA)
	le.PutUint32(section[12:], uint32(len(md)))
	le.PutUint32(section[16:], flags)
	if b.StrongName {
		le.PutUint32(section[32:], snRVA)
		le.PutUint32(section[36:], snSize)
	}

	return b.image(section)
}

// Contents of the sections CscLayout adds.
var (
	// RsrcData is an empty resource directory followed by filler.
	RsrcData = append(make([]byte, 16), "VS_VERSION_INFO"...)
	// RelocData is one base relocation block for the .text page.
	RelocData = []byte{0x00, 0x20, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x00, 0x00, 0x30, 0x00, 0x00}
)

type sectionSpec struct {
	name  string
	data  []byte
	rva   uint32
	raw   uint32
	flags uint32
}

func (b *Builder) layout(text []byte) []sectionSpec {
	secs := []sectionSpec{{name: ".text", data: text, rva: textRVA, flags: 0x60000020}}
	if b.CscLayout {
		secs = append(secs,
			sectionSpec{name: ".rsrc", data: RsrcData, flags: 0x40000040},
			sectionSpec{name: ".reloc", data: RelocData, flags: 0x42000040},
		)
	}
	raw := uint32(fileAlign)
	for i := range secs {
		if i > 0 {
			prev := secs[i-1]
			secs[i].rva = bin.AlignUp(prev.rva+uint32(len(prev.data)), sectAlign)
		}
		secs[i].raw = raw
		raw += bin.AlignUp(uint32(len(secs[i].data)), fileAlign)
	}
	return secs
}

func (b *Builder) image(text []byte) []byte {
	le := binary.LittleEndian
	optSize := 224
	if b.PE64 {
		optSize = 240
	}
	secs := b.layout(text)
	last := secs[len(secs)-1]
	file := make([]byte, last.raw+bin.AlignUp(uint32(len(last.data)), fileAlign))
	var initData uint32
	for _, sec := range secs {
		copy(file[sec.raw:], sec.data)
		if sec.name != ".text" {
			initData += bin.AlignUp(uint32(len(sec.data)), fileAlign)
		}
	}

	file[0], file[1] = 'M', 'Z'
	le.PutUint32(file[0x3C:], lfanew)
	copy(file[lfanew:], "PE\x00\x00")

	coff := file[coffOffset:]
	characteristics := uint16(0x0102)
	if b.PE64 {
		le.PutUint16(coff[0:], 0x8664)
		characteristics = 0x0022
	} else {
		le.PutUint16(coff[0:], 0x014C)
	}
	le.PutUint16(coff[2:], uint16(len(secs)))
	le.PutUint16(coff[16:], uint16(optSize))
	le.PutUint16(coff[18:], characteristics)

	opt := file[optOffset:]
	dirCount, dirs := 92, 96
	if b.PE64 {
		le.PutUint16(opt[0:], 0x20B)
		le.PutUint64(opt[24:], 0x180000000)
		le.PutUint64(opt[72:], 0x400000)
		le.PutUint64(opt[80:], 0x4000)
		le.PutUint64(opt[88:], 0x100000)
		le.PutUint64(opt[96:], 0x2000)
		dirCount, dirs = 108, 112
	} else {
		le.PutUint16(opt[0:], 0x10B)
		le.PutUint32(opt[24:], textRVA)
		le.PutUint32(opt[28:], 0x400000)
		le.PutUint32(opt[72:], 0x100000)
		le.PutUint32(opt[76:], 0x1000)
		le.PutUint32(opt[80:], 0x100000)
		le.PutUint32(opt[84:], 0x1000)
	}
	opt[2] = 8
	le.PutUint32(opt[4:], bin.AlignUp(uint32(len(text)), fileAlign))
	le.PutUint32(opt[8:], initData)
	le.PutUint32(opt[20:], textRVA)
	le.PutUint32(opt[32:], sectAlign)
	le.PutUint32(opt[36:], fileAlign)
	le.PutUint16(opt[40:], 4)
	le.PutUint16(opt[48:], 4)
	le.PutUint32(opt[56:], bin.AlignUp(last.rva+uint32(len(last.data)), sectAlign))
	le.PutUint32(opt[60:], fileAlign)
	le.PutUint16(opt[68:], 3)
	le.PutUint16(opt[70:], 0x8540)
	le.PutUint32(opt[dirCount:], 16)
	le.PutUint32(opt[dirs+pe.DirCLR*8:], textRVA)
	le.PutUint32(opt[dirs+pe.DirCLR*8+4:], cliSize)
	for _, sec := range secs[1:] {
		dir := pe.DirResource
		if sec.name == ".reloc" {
			dir = pe.DirBaseReloc
		}
		le.PutUint32(opt[dirs+dir*8:], sec.rva)
		le.PutUint32(opt[dirs+dir*8+4:], uint32(len(sec.data)))
	}

	for i, sec := range secs {
		sh := file[optOffset+optSize+i*40:]
		copy(sh[0:8], sec.name)
		le.PutUint32(sh[8:], uint32(len(sec.data)))
		le.PutUint32(sh[12:], sec.rva)
		le.PutUint32(sh[16:], bin.AlignUp(uint32(len(sec.data)), fileAlign))
		le.PutUint32(sh[20:], sec.raw)
		le.PutUint32(sh[36:], sec.flags)
	}

	if b.StrongName {
		// The certificate table is addressed by file offset and lives
		// outside every section.
		cert := make([]byte, 16)
		le.PutUint32(cert[0:], 16)
		le.PutUint16(cert[4:], 0x0200)
		le.PutUint16(cert[6:], 0x0002)
		le.PutUint32(opt[dirs+pe.DirSecurity*8:], uint32(len(file)))
		le.PutUint32(opt[dirs+pe.DirSecurity*8+4:], uint32(len(cert)))
		file = append(file, cert...)
		opt = file[optOffset:]
	}

	if b.Checksum {
		le.PutUint32(opt[64:], pe.Checksum(file, optOffset+64))
	}
	return file
}

func (b *Builder) metadataBlock(rvas []uint32) []byte {
	guid := make([]byte, 16)
	for i := range guid {
		guid[i] = byte(i + 1)
	}

	type stream struct {
		name string
		data []byte
	}
	// Tables first: laying them out interns the remaining names.
	tables := b.tablesStream(rvas)
	streams := []stream{
		{metadata.StreamTables, tables},
		{metadata.StreamStrings, pad4(b.strings)},
	}
	if !b.NoUserStrings {
		streams = append(streams, stream{metadata.StreamUserStrings, b.us.Bytes()})
	}
	streams = append(streams,
		stream{metadata.StreamGUID, guid},
		stream{metadata.StreamBlob, pad4(b.blobs)},
	)

	version := pad4(append([]byte("v4.0.30319"), 0))
	headerSize := 16 + len(version) + 4
	for _, s := range streams {
		headerSize += 8 + int(bin.AlignUp(uint32(len(s.name)+1), 4))
	}

	w := bin.NewWriter()
	w.WriteU32(metadata.Signature)
	w.WriteU16(1)
	w.WriteU16(1)
	w.WriteU32(0)
	w.WriteU32(uint32(len(version)))
	w.WriteBytes(version)
	w.WriteU16(0)
	w.WriteU16(uint16(len(streams)))
	off := uint32(headerSize)
	for _, s := range streams {
		w.WriteU32(off)
		w.WriteU32(uint32(len(s.data)))
		w.WriteBytes([]byte(s.name))
		w.Byte(0)
		w.Align(4)
		off += uint32(len(s.data))
	}
	for _, s := range streams {
		w.WriteBytes(s.data)
	}
	return w.Bytes()
}

func (b *Builder) tablesStream(rvas []uint32) []byte {
	counts := map[metadata.Table]int{
		metadata.TableModule:      1,
		metadata.TableTypeRef:     len(b.typeRefs),
		metadata.TableTypeDef:     len(b.types),
		metadata.TableMethodDef:   len(b.methods),
		metadata.TableMemberRef:   len(b.memberRefs),
		metadata.TableNestedClass: len(b.nested),
		metadata.TableAssemblyRef: 1,
	}
	order := []metadata.Table{
		metadata.TableModule,
		metadata.TableTypeRef,
		metadata.TableTypeDef,
		metadata.TableMethodDef,
		metadata.TableMemberRef,
		metadata.TableAssemblyRef,
		metadata.TableNestedClass,
	}

	var valid uint64
	for _, t := range order {
		if counts[t] > 0 {
			valid |= 1 << uint(t)
		}
	}

	w := bin.NewWriter()
	w.WriteU32(0)
	w.Byte(2)
	w.Byte(0)
	w.Byte(0) // narrow heap indexes
	w.Byte(1)
	w.WriteU64(valid)
	w.WriteU64(1 << uint(metadata.TableNestedClass))
	for _, t := range order {
		if counts[t] > 0 {
			w.WriteU32(uint32(counts[t]))
		}
	}

	// Every table and heap is small, so all indexes are 2 bytes wide.
	u16 := func(vs ...uint32) {
		for _, v := range vs {
			w.WriteIndex(2, v)
		}
	}

	// Module: Generation, Name, Mvid, EncId, EncBaseId
	u16(0, b.str("test.dll"), 1, 0, 0)

	for _, r := range b.typeRefs {
		u16(r...)
	}

	for i, t := range b.types {
		flags := uint32(typePublic)
		if i == 0 {
			flags = 0
		}
		w.WriteU32(flags)
		u16(b.str(t.name), b.str(t.ns), t.extends, 1, t.methodStart)
	}

	for i, m := range b.methods {
		w.WriteU32(rvas[i])
		w.WriteU16(m.impl)
		w.WriteU16(methodPublicStatic)
		u16(b.str(m.name), m.sig, 1)
	}

	for _, r := range b.memberRefs {
		u16(r...)
	}

	// AssemblyRef: version 4.0.0.0, mscorlib
	u16(4, 0, 0, 0)
	w.WriteU32(0)
	u16(0, b.str("mscorlib"), 0, 0)

	for _, r := range b.nested {
		u16(r...)
	}

	return pad4(w.Bytes())
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}
