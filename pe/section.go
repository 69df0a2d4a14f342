package pe

import (
	"encoding/binary"
	"fmt"

	bin "github.com/wippyai/ildecode/internal/binary"
)

// AddSection appends a section holding data to the end of the image and
// returns its header. The section table must have slack for one more entry
// before the first section's raw data.
func (img *Image) AddSection(name string, data []byte, characteristics uint32) (Section, error) {
	if len(name) > 8 {
		return Section{}, fmt.Errorf("section name %q longer than 8 bytes", name)
	}
	if len(img.Sections) >= maxSections {
		return Section{}, ErrNoHeaderSpace
	}

	slot := img.sectionTable + len(img.Sections)*sectionHeaderSize
	limit := int(img.SizeOfHeaders)
	var lastVA uint32
	for _, s := range img.Sections {
		if s.SizeOfRawData > 0 && int(s.PointerToRawData) < limit {
			limit = int(s.PointerToRawData)
		}
		if e := s.end(); e > lastVA {
			lastVA = e
		}
	}
	if slot+sectionHeaderSize > limit {
		return Section{}, ErrNoHeaderSpace
	}
	for _, b := range img.data[slot : slot+sectionHeaderSize] {
		if b != 0 {
			return Section{}, fmt.Errorf("%w: section table slack is in use", ErrNoHeaderSpace)
		}
	}
	if lastVA < img.SizeOfHeaders {
		lastVA = img.SizeOfHeaders
	}

	s := Section{
		Name:             name,
		VirtualSize:      uint32(len(data)),
		VirtualAddress:   bin.AlignUp(lastVA, img.SectionAlignment),
		SizeOfRawData:    bin.AlignUp(uint32(len(data)), img.FileAlignment),
		PointerToRawData: bin.AlignUp(uint32(len(img.data)), img.FileAlignment),
		Characteristics:  characteristics,
	}

	grown := make([]byte, s.PointerToRawData+s.SizeOfRawData)
	copy(grown, img.data)
	copy(grown[s.PointerToRawData:], data)
	img.data = grown

	img.Sections = append(img.Sections, s)
	img.writeSectionHeader(len(img.Sections) - 1)

	// NumberOfSections lives 2 bytes into the COFF header, which ends at optOffset.
	coff := img.optOffset - coffHeaderSize
	binary.LittleEndian.PutUint16(img.data[coff+2:], uint16(len(img.Sections)))

	img.setSizeOfImage(s)
	if characteristics&ScnCntInitializedData != 0 {
		img.addInitializedData(s.SizeOfRawData)
	}

	img.modified = true
	return s, nil
}

// ExtendLastSection appends data to the section with the highest virtual
// address and returns the RVA of data, 16-byte aligned. It serves images
// whose section table has no slack for AddSection. The section must also
// hold the last raw data in the file; trailing bytes such as a certificate
// table move back by the growth and the security directory follows them.
// The section becomes readable initialized data and loses the discardable
// flag.
func (img *Image) ExtendLastSection(data []byte) (uint32, error) {
	if len(img.Sections) == 0 {
		return 0, fmt.Errorf("%w: image has no sections", ErrLayout)
	}
	last := 0
	for i, s := range img.Sections {
		if s.VirtualAddress > img.Sections[last].VirtualAddress {
			last = i
		}
	}
	s := img.Sections[last]
	rawEnd := s.PointerToRawData + s.SizeOfRawData
	if int(rawEnd) > len(img.data) {
		return 0, fmt.Errorf("%w: section %s runs past end of file", ErrLayout, s.Name)
	}
	for i, o := range img.Sections {
		if i != last && o.SizeOfRawData > 0 && o.PointerToRawData >= rawEnd {
			return 0, fmt.Errorf("%w: section %s follows %s in the file", ErrLayout, o.Name, s.Name)
		}
	}

	start := bin.AlignUp(max(s.VirtualSize, s.SizeOfRawData), 16)
	virtualSize := start + uint32(len(data))
	rawSize := bin.AlignUp(virtualSize, img.FileAlignment)
	growth := rawSize - s.SizeOfRawData

	grown := make([]byte, len(img.data)+int(growth))
	copy(grown, img.data[:rawEnd])
	copy(grown[s.PointerToRawData+start:], data)
	copy(grown[rawEnd+growth:], img.data[rawEnd:])
	img.data = grown

	s.VirtualSize = virtualSize
	s.SizeOfRawData = rawSize
	s.Characteristics = s.Characteristics&^scnMemDiscardable | ScnCntInitializedData | ScnMemRead
	img.Sections[last] = s
	img.writeSectionHeader(last)

	img.setSizeOfImage(s)
	img.addInitializedData(growth)
	if sec := img.Directory(DirSecurity); sec.Size != 0 && sec.RVA >= rawEnd {
		sec.RVA += growth
		if err := img.SetDirectory(DirSecurity, sec); err != nil {
			return 0, err
		}
	}

	img.modified = true
	return s.VirtualAddress + start, nil
}

func (img *Image) writeSectionHeader(i int) {
	s := img.Sections[i]
	w := bin.NewWriter()
	var nameBuf [8]byte
	copy(nameBuf[:], s.Name)
	w.WriteBytes(nameBuf[:])
	w.WriteU32(s.VirtualSize)
	w.WriteU32(s.VirtualAddress)
	w.WriteU32(s.SizeOfRawData)
	w.WriteU32(s.PointerToRawData)
	// Relocation and line number fields are kept as they are.
	hdr := img.data[img.sectionTable+i*sectionHeaderSize:]
	copy(hdr, w.Bytes())
	binary.LittleEndian.PutUint32(hdr[36:], s.Characteristics)
}

// setSizeOfImage raises SizeOfImage to cover s.
func (img *Image) setSizeOfImage(s Section) {
	off := img.optOffset + 56
	size := bin.AlignUp(s.VirtualAddress+s.VirtualSize, img.SectionAlignment)
	if size > binary.LittleEndian.Uint32(img.data[off:]) {
		binary.LittleEndian.PutUint32(img.data[off:], size)
	}
}

func (img *Image) addInitializedData(n uint32) {
	off := img.optOffset + 8
	v := binary.LittleEndian.Uint32(img.data[off:])
	binary.LittleEndian.PutUint32(img.data[off:], v+n)
}

// Checksum computes the PE image checksum, treating the 4 bytes at
// checksumOffset as zero.
func Checksum(data []byte, checksumOffset int) uint32 {
	var sum uint64
	n := len(data)
	for i := 0; i < n; i += 2 {
		if i >= checksumOffset && i < checksumOffset+4 {
			continue
		}
		var word uint64
		if i+1 < n {
			word = uint64(binary.LittleEndian.Uint16(data[i:]))
		} else {
			word = uint64(data[i])
		}
		sum += word
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return uint32(sum) + uint32(n)
}
