package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/wippyai/ildecode/internal/binary"
)

// Parsing errors returned by Parse.
var (
	ErrInvalidDOS       = errors.New("invalid DOS header")
	ErrInvalidSignature = errors.New("invalid PE signature")
	ErrInvalidOptional  = errors.New("invalid optional header magic")
	ErrRVA              = errors.New("rva not mapped by any section")
	ErrNoHeaderSpace    = errors.New("no room for another section header")
	ErrLayout           = errors.New("unsupported section layout")
)

const (
	magicPE32     = 0x10b
	magicPE32Plus = 0x20b

	coffHeaderSize    = 20
	sectionHeaderSize = 40
	maxSections       = 96
)

// Data directory indices.
const (
	DirExport      = 0
	DirImport      = 1
	DirResource    = 2
	DirException   = 3
	DirSecurity    = 4
	DirBaseReloc   = 5
	DirDebug       = 6
	DirCLR         = 14
	numDirectories = 16
)

// Section characteristics used by AddSection callers.
const (
	ScnCntInitializedData = 0x00000040
	ScnMemRead            = 0x40000000

	scnMemDiscardable = 0x02000000
)

// DataDirectory is an (RVA, size) pair from the optional header.
type DataDirectory struct {
	RVA  uint32
	Size uint32
}

// Section is one entry of the section table.
type Section struct {
	Name             string
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

// end returns the first RVA past the section in memory.
func (s Section) end() uint32 {
	size := s.VirtualSize
	if s.SizeOfRawData > size {
		size = s.SizeOfRawData
	}
	return s.VirtualAddress + size
}

// Image is a parsed PE32/PE32+ file. It owns a private copy of the file
// bytes; Patch and AddSection mutate that copy.
type Image struct {
	data             []byte
	Sections         []Section
	dirs             []DataDirectory
	optOffset        int
	sectionTable     int
	dirOffset        int
	checksum         uint32
	FileAlignment    uint32
	SectionAlignment uint32
	SizeOfHeaders    uint32
	is64             bool
	modified         bool
}

// Parse parses a PE image. The input slice is copied.
func Parse(data []byte) (*Image, error) {
	img := &Image{data: bytes.Clone(data)}
	r := bin.NewReader(img.data)

	mz, err := r.ReadU16()
	if err != nil || mz != 0x5A4D {
		return nil, ErrInvalidDOS
	}
	if err := r.Seek(0x3C); err != nil {
		return nil, ErrInvalidDOS
	}
	lfanew, err := r.ReadU32()
	if err != nil {
		return nil, ErrInvalidDOS
	}
	if err := r.Seek(int(lfanew)); err != nil {
		return nil, ErrInvalidSignature
	}
	sig, err := r.ReadU32()
	if err != nil || sig != 0x00004550 {
		return nil, ErrInvalidSignature
	}

	// COFF header
	if err := r.Skip(2); err != nil { // Machine
		return nil, r.WrapError("coff header", err)
	}
	numSections, err := r.ReadU16()
	if err != nil {
		return nil, r.WrapError("coff header", err)
	}
	if numSections > maxSections {
		return nil, r.WrapError("coff header", fmt.Errorf("%d sections exceeds limit %d", numSections, maxSections))
	}
	if err := r.Skip(12); err != nil { // TimeDateStamp, PointerToSymbolTable, NumberOfSymbols
		return nil, r.WrapError("coff header", err)
	}
	optSize, err := r.ReadU16()
	if err != nil {
		return nil, r.WrapError("coff header", err)
	}
	if err := r.Skip(2); err != nil { // Characteristics
		return nil, r.WrapError("coff header", err)
	}

	img.optOffset = r.Position()
	img.sectionTable = img.optOffset + int(optSize)
	if err := img.parseOptionalHeader(r, int(optSize)); err != nil {
		return nil, err
	}

	if err := r.Seek(img.sectionTable); err != nil {
		return nil, r.WrapError("section table", err)
	}
	img.Sections = make([]Section, 0, numSections)
	for i := 0; i < int(numSections); i++ {
		s, err := readSection(r)
		if err != nil {
			return nil, r.WrapError("section table", err)
		}
		img.Sections = append(img.Sections, s)
	}

	return img, nil
}

func (img *Image) parseOptionalHeader(r *bin.Reader, optSize int) error {
	magic, err := r.ReadU16()
	if err != nil {
		return r.WrapError("optional header", err)
	}
	var dirCountOffset int
	switch magic {
	case magicPE32:
		dirCountOffset = 92
	case magicPE32Plus:
		img.is64 = true
		dirCountOffset = 108
	default:
		return ErrInvalidOptional
	}
	if optSize < dirCountOffset+4 {
		return r.WrapError("optional header", fmt.Errorf("size %d too small", optSize))
	}

	fields := []struct {
		off int
		dst *uint32
	}{
		{32, &img.SectionAlignment},
		{36, &img.FileAlignment},
		{60, &img.SizeOfHeaders},
		{64, &img.checksum},
	}
	for _, f := range fields {
		if err := r.Seek(img.optOffset + f.off); err != nil {
			return r.WrapError("optional header", err)
		}
		v, err := r.ReadU32()
		if err != nil {
			return r.WrapError("optional header", err)
		}
		*f.dst = v
	}

	if err := r.Seek(img.optOffset + dirCountOffset); err != nil {
		return r.WrapError("optional header", err)
	}
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("optional header", err)
	}
	if count > numDirectories {
		count = numDirectories
	}
	img.dirOffset = r.Position()
	if img.dirOffset+int(count)*8 > img.optOffset+optSize {
		return r.WrapError("data directories", fmt.Errorf("%d directories overflow optional header", count))
	}
	img.dirs = make([]DataDirectory, count)
	for i := range img.dirs {
		rva, err := r.ReadU32()
		if err != nil {
			return r.WrapError("data directories", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return r.WrapError("data directories", err)
		}
		img.dirs[i] = DataDirectory{RVA: rva, Size: size}
	}
	return nil
}

func readSection(r *bin.Reader) (Section, error) {
	name, err := r.ReadBytes(8)
	if err != nil {
		return Section{}, err
	}
	var s Section
	s.Name = string(bytes.TrimRight(name, "\x00"))
	vals := []*uint32{&s.VirtualSize, &s.VirtualAddress, &s.SizeOfRawData, &s.PointerToRawData}
	for _, v := range vals {
		if *v, err = r.ReadU32(); err != nil {
			return Section{}, err
		}
	}
	// PointerToRelocations, PointerToLinenumbers, NumberOfRelocations, NumberOfLinenumbers
	if err := r.Skip(12); err != nil {
		return Section{}, err
	}
	if s.Characteristics, err = r.ReadU32(); err != nil {
		return Section{}, err
	}
	return s, nil
}

// Is64 reports whether the image has a PE32+ optional header.
func (img *Image) Is64() bool {
	return img.is64
}

// Directory returns data directory i, or a zero directory if absent.
func (img *Image) Directory(i int) DataDirectory {
	if i < 0 || i >= len(img.dirs) {
		return DataDirectory{}
	}
	return img.dirs[i]
}

// SetDirectory overwrites data directory i.
func (img *Image) SetDirectory(i int, d DataDirectory) error {
	if i < 0 || i >= len(img.dirs) {
		return fmt.Errorf("data directory %d not present", i)
	}
	img.dirs[i] = d
	off := img.dirOffset + i*8
	binary.LittleEndian.PutUint32(img.data[off:], d.RVA)
	binary.LittleEndian.PutUint32(img.data[off+4:], d.Size)
	img.modified = true
	return nil
}

// RVAToOffset maps a relative virtual address to a file offset.
func (img *Image) RVAToOffset(rva uint32) (int, error) {
	if rva < img.SizeOfHeaders {
		return int(rva), nil
	}
	for _, s := range img.Sections {
		if rva >= s.VirtualAddress && rva < s.end() {
			delta := rva - s.VirtualAddress
			if delta >= s.SizeOfRawData {
				return 0, fmt.Errorf("rva 0x%x: %w (uninitialized data in %s)", rva, ErrRVA, s.Name)
			}
			return int(s.PointerToRawData + delta), nil
		}
	}
	return 0, fmt.Errorf("rva 0x%x: %w", rva, ErrRVA)
}

// Slice returns size bytes starting at rva. The result aliases the image.
func (img *Image) Slice(rva, size uint32) ([]byte, error) {
	off, err := img.RVAToOffset(rva)
	if err != nil {
		return nil, err
	}
	end := off + int(size)
	if end > len(img.data) || end < off {
		return nil, fmt.Errorf("rva 0x%x size 0x%x: past end of file", rva, size)
	}
	return img.data[off:end], nil
}

// From returns the bytes from rva to the end of its section's raw data.
func (img *Image) From(rva uint32) ([]byte, error) {
	off, err := img.RVAToOffset(rva)
	if err != nil {
		return nil, err
	}
	end := len(img.data)
	for _, s := range img.Sections {
		if rva >= s.VirtualAddress && rva < s.end() {
			end = int(s.PointerToRawData + s.SizeOfRawData)
			break
		}
	}
	if end > len(img.data) {
		end = len(img.data)
	}
	if off > end {
		return nil, fmt.Errorf("rva 0x%x: past end of file", rva)
	}
	return img.data[off:end], nil
}

// Patch overwrites bytes at rva.
func (img *Image) Patch(rva uint32, b []byte) error {
	dst, err := img.Slice(rva, uint32(len(b)))
	if err != nil {
		return err
	}
	copy(dst, b)
	img.modified = true
	return nil
}

// Modified reports whether the image has been changed since Parse.
func (img *Image) Modified() bool {
	return img.modified
}

// Bytes returns the image file bytes. When the image was modified and the
// original carried a checksum, the checksum is recomputed.
func (img *Image) Bytes() []byte {
	if img.modified && img.checksum != 0 {
		off := img.optOffset + 64
		sum := Checksum(img.data, off)
		binary.LittleEndian.PutUint32(img.data[off:], sum)
	}
	return img.data
}
