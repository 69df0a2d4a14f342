package pe_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/wippyai/ildecode/internal/testasm"
	"github.com/wippyai/ildecode/pe"
)

func build(t *testing.T, configure func(*testasm.Builder)) []byte {
	t.Helper()
	b := testasm.New()
	b.Type("Demo", "Program")
	b.Method("Main", testasm.Ret)
	if configure != nil {
		configure(b)
	}
	return b.Bytes()
}

func TestParse(t *testing.T) {
	for _, is64 := range []bool{false, true} {
		data := build(t, func(b *testasm.Builder) { b.PE64 = is64 })
		img, err := pe.Parse(data)
		if err != nil {
			t.Fatalf("PE64=%v: %v", is64, err)
		}
		if img.Is64() != is64 {
			t.Errorf("Is64() = %v, want %v", img.Is64(), is64)
		}
		if len(img.Sections) != 1 || img.Sections[0].Name != ".text" {
			t.Errorf("sections = %+v", img.Sections)
		}
		clr := img.Directory(pe.DirCLR)
		if clr.RVA != 0x2000 || clr.Size != 72 {
			t.Errorf("CLR directory = %+v", clr)
		}
		if img.Directory(99) != (pe.DataDirectory{}) {
			t.Error("out of range directory should be zero")
		}
		if !bytes.Equal(img.Bytes(), data) {
			t.Error("unmodified image does not round-trip")
		}
	}
}

func TestParseErrors(t *testing.T) {
	valid := build(t, nil)

	badMZ := bytes.Clone(valid)
	badMZ[0] = 'X'
	badSig := bytes.Clone(valid)
	badSig[0x80] = 'X'
	badMagic := bytes.Clone(valid)
	binary.LittleEndian.PutUint16(badMagic[0x98:], 0x999)

	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"empty", nil, pe.ErrInvalidDOS},
		{"text", []byte("hello world, this is not an assembly"), pe.ErrInvalidDOS},
		{"bad mz", badMZ, pe.ErrInvalidDOS},
		{"bad signature", badSig, pe.ErrInvalidSignature},
		{"bad magic", badMagic, pe.ErrInvalidOptional},
		{"truncated", valid[:0x100], nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pe.Parse(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestRVAMapping(t *testing.T) {
	img, err := pe.Parse(build(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	off, err := img.RVAToOffset(0x2004)
	if err != nil || off != 0x204 {
		t.Errorf("RVAToOffset(0x2004) = %#x, %v", off, err)
	}
	if off, err := img.RVAToOffset(0x10); err != nil || off != 0x10 {
		t.Errorf("header rva = %#x, %v", off, err)
	}
	if _, err := img.RVAToOffset(0x9000); !errors.Is(err, pe.ErrRVA) {
		t.Errorf("unmapped rva error = %v", err)
	}

	cli, err := img.Slice(0x2000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(cli) != 72 {
		t.Errorf("CLI header cb = %d", binary.LittleEndian.Uint32(cli))
	}
	rest, err := img.From(0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != int(img.Sections[0].SizeOfRawData) {
		t.Errorf("From() len = %d, want section raw size %d", len(rest), img.Sections[0].SizeOfRawData)
	}
}

func TestPatch(t *testing.T) {
	data := build(t, nil)
	img, err := pe.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Patch(0x2010, []byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	if !img.Modified() {
		t.Error("Modified() = false after Patch")
	}
	out := img.Bytes()
	if out[0x210] != 0xAA || out[0x211] != 0xBB {
		t.Errorf("patched bytes = %x", out[0x210:0x212])
	}
	if data[0x210] == 0xAA {
		t.Error("Parse did not copy its input")
	}
}

func TestAddSection(t *testing.T) {
	img, err := pe.Parse(build(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{0x5A}, 0x300)
	s, err := img.AddSection(".meta", payload, pe.ScnCntInitializedData|pe.ScnMemRead)
	if err != nil {
		t.Fatal(err)
	}
	if s.VirtualAddress != 0x4000 {
		t.Errorf("VirtualAddress = %#x, want 0x4000", s.VirtualAddress)
	}
	if s.SizeOfRawData != 0x400 || s.PointerToRawData%0x200 != 0 {
		t.Errorf("raw layout = %+v", s)
	}

	again, err := pe.Parse(img.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Sections) != 2 || again.Sections[1].Name != ".meta" {
		t.Fatalf("sections = %+v", again.Sections)
	}
	got, err := again.Slice(s.VirtualAddress, uint32(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("section data mismatch")
	}
	sizeOfImage := binary.LittleEndian.Uint32(img.Bytes()[0x98+56:])
	if sizeOfImage != 0x6000 {
		t.Errorf("SizeOfImage = %#x, want 0x6000", sizeOfImage)
	}

	// Two free slots in the test image's section table.
	if _, err := img.AddSection(".b", []byte{1}, pe.ScnMemRead); err != nil {
		t.Fatal(err)
	}
	if _, err := img.AddSection(".c", []byte{1}, pe.ScnMemRead); !errors.Is(err, pe.ErrNoHeaderSpace) {
		t.Errorf("third section error = %v, want ErrNoHeaderSpace", err)
	}
}

func TestAddSectionFullTable(t *testing.T) {
	for _, is64 := range []bool{false, true} {
		data := build(t, func(b *testasm.Builder) { b.CscLayout, b.PE64 = true, is64 })
		img, err := pe.Parse(data)
		if err != nil {
			t.Fatal(err)
		}
		if len(img.Sections) != 3 {
			t.Fatalf("sections = %d", len(img.Sections))
		}
		if _, err := img.AddSection(".meta", []byte{1}, pe.ScnMemRead); !errors.Is(err, pe.ErrNoHeaderSpace) {
			t.Errorf("PE64=%v: error = %v, want ErrNoHeaderSpace", is64, err)
		}
	}
}

func TestExtendLastSection(t *testing.T) {
	data := build(t, func(b *testasm.Builder) { b.CscLayout, b.StrongName = true, true })
	orig, err := pe.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	cert := orig.Directory(pe.DirSecurity)
	certBytes := bytes.Clone(data[cert.RVA : cert.RVA+cert.Size])

	img, err := pe.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{0xA5}, 0x2000)
	rva, err := img.ExtendLastSection(payload)
	if err != nil {
		t.Fatal(err)
	}
	if rva != 0x6200 {
		t.Errorf("rva = %#x, want 0x6200", rva)
	}

	out := img.Bytes()
	again, err := pe.Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	reloc := again.Sections[2]
	if reloc.VirtualSize != 0x2200 || reloc.SizeOfRawData != 0x2200 {
		t.Errorf(".reloc = %+v", reloc)
	}
	if reloc.Characteristics&0x02000000 != 0 || reloc.Characteristics&pe.ScnMemRead == 0 {
		t.Errorf("characteristics = %#x", reloc.Characteristics)
	}
	got, err := again.Slice(rva, uint32(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch")
	}
	relocDir := again.Directory(pe.DirBaseReloc)
	if got, _ := again.Slice(relocDir.RVA, relocDir.Size); !bytes.Equal(got, testasm.RelocData) {
		t.Errorf("relocations = %x", got)
	}
	if size := binary.LittleEndian.Uint32(out[0x98+56:]); size != 0xA000 {
		t.Errorf("SizeOfImage = %#x, want 0xa000", size)
	}

	moved := again.Directory(pe.DirSecurity)
	if moved.RVA != cert.RVA+0x2000 || moved.Size != cert.Size {
		t.Fatalf("security directory = %+v, was %+v", moved, cert)
	}
	if !bytes.Equal(out[moved.RVA:moved.RVA+moved.Size], certBytes) {
		t.Error("certificate table not carried over")
	}
}

func TestExtendLastSectionLayout(t *testing.T) {
	data := build(t, func(b *testasm.Builder) { b.CscLayout = true })
	// Swap the raw data of .rsrc and .reloc so the last section in memory
	// is not the last one in the file.
	const rsrcPtr, relocPtr = 0x178 + 40 + 20, 0x178 + 80 + 20
	le := binary.LittleEndian
	a, b := le.Uint32(data[rsrcPtr:]), le.Uint32(data[relocPtr:])
	le.PutUint32(data[rsrcPtr:], b)
	le.PutUint32(data[relocPtr:], a)

	img, err := pe.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.ExtendLastSection([]byte{1}); !errors.Is(err, pe.ErrLayout) {
		t.Errorf("error = %v, want ErrLayout", err)
	}
}

func TestChecksum(t *testing.T) {
	data := build(t, func(b *testasm.Builder) { b.Checksum = true })
	const off = 0x98 + 64
	stored := binary.LittleEndian.Uint32(data[off:])
	if stored == 0 {
		t.Fatal("builder did not store a checksum")
	}
	if got := pe.Checksum(data, off); got != stored {
		t.Errorf("Checksum() = %#x, want %#x", got, stored)
	}

	img, err := pe.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Patch(0x2010, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	out := img.Bytes()
	if got := binary.LittleEndian.Uint32(out[off:]); got != pe.Checksum(out, off) {
		t.Errorf("checksum not recomputed: %#x", got)
	}

	plain := build(t, nil)
	img, err = pe.Parse(plain)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Patch(0x2010, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(img.Bytes()[off:]); got != 0 {
		t.Errorf("zero checksum was filled in: %#x", got)
	}
}

func TestSetDirectory(t *testing.T) {
	img, err := pe.Parse(build(t, func(b *testasm.Builder) { b.StrongName = true }))
	if err != nil {
		t.Fatal(err)
	}
	if img.Directory(pe.DirSecurity).Size == 0 {
		t.Fatal("expected a certificate table")
	}
	if err := img.SetDirectory(pe.DirSecurity, pe.DataDirectory{}); err != nil {
		t.Fatal(err)
	}
	again, err := pe.Parse(img.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if again.Directory(pe.DirSecurity) != (pe.DataDirectory{}) {
		t.Errorf("security directory = %+v", again.Directory(pe.DirSecurity))
	}
}
