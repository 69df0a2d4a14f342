package assembly_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wippyai/ildecode/assembly"
	ierrors "github.com/wippyai/ildecode/errors"
	"github.com/wippyai/ildecode/il"
	"github.com/wippyai/ildecode/internal/testasm"
	"github.com/wippyai/ildecode/metadata"
	"github.com/wippyai/ildecode/pe"
)

func load(t *testing.T, data []byte) *assembly.Module {
	t.Helper()
	m, err := assembly.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(text, []byte("just some text, not an assembly\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A valid PE without a CLI header.
	noCLR := testasm.New().Bytes()
	binary.LittleEndian.PutUint32(noCLR[0x98+96+pe.DirCLR*8:], 0)
	binary.LittleEndian.PutUint32(noCLR[0x98+96+pe.DirCLR*8+4:], 0)
	noCLRPath := filepath.Join(dir, "native.dll")
	if err := os.WriteFile(noCLRPath, noCLR, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		kind ierrors.Kind
	}{
		{"missing file", filepath.Join(dir, "missing.dll"), ierrors.KindIO},
		{"text file", text, ierrors.KindInvalidData},
		{"no CLI header", noCLRPath, ierrors.KindInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := assembly.Load(tt.path)
			var e *ierrors.Error
			if !errors.As(err, &e) {
				t.Fatalf("error = %v, want *errors.Error", err)
			}
			if e.Phase != ierrors.PhaseLoad || e.Kind != tt.kind {
				t.Errorf("error = %v, want load/%s", err, tt.kind)
			}
		})
	}
}

func TestMethods(t *testing.T) {
	b := testasm.New()
	b.Type("Demo", "Program")
	main := b.Method("Main", testasm.Ret)
	b.Alias("Shared", main)
	b.Abstract("Abstract")
	b.Native("Native")
	b.MethodBody("Broken", []byte{0x0E, 0x72}) // tiny header claims 3 bytes
	m := load(t, b.Bytes())

	if len(m.Methods) != 5 {
		t.Fatalf("methods = %d", len(m.Methods))
	}
	tests := []struct {
		name     string
		full     string
		hasBody  bool
		hasError bool
	}{
		{"Main", "Demo.Program::Main", true, false},
		{"Shared", "Demo.Program::Shared", true, false},
		{"Abstract", "Demo.Program::Abstract", false, false},
		{"Native", "Demo.Program::Native", false, false},
		{"Broken", "Demo.Program::Broken", false, true},
	}
	for i, tt := range tests {
		method := m.Methods[i]
		if method.FullName() != tt.full {
			t.Errorf("method %d = %q, want %q", i, method.FullName(), tt.full)
		}
		if (method.Body != nil) != tt.hasBody {
			t.Errorf("%s: body = %v", tt.name, method.Body)
		}
		if (method.BodyErr != nil) != tt.hasError {
			t.Errorf("%s: body error = %v", tt.name, method.BodyErr)
		}
	}
	if m.Methods[0].Body != m.Methods[1].Body {
		t.Error("methods sharing an RVA should share a body")
	}
}

func TestMethodsOfNestedTypes(t *testing.T) {
	b := testasm.New()
	outer := b.Type("Demo", "Outer")
	b.Method("Run", testasm.Ret)
	inner := b.Nested(outer, "Inner")
	b.Method("Run", testasm.Ret)
	b.Nested(inner, "Deep")
	b.Method("Run", testasm.Ret)
	m := load(t, b.Bytes())

	want := []string{"Demo.Outer::Run", "Demo.Outer/Inner::Run", "Demo.Outer/Inner/Deep::Run"}
	if len(m.Methods) != len(want) {
		t.Fatalf("methods = %d", len(m.Methods))
	}
	for i, w := range want {
		if got := m.Methods[i].FullName(); got != w {
			t.Errorf("method %d = %q, want %q", i, got, w)
		}
	}
}

func TestUnmodifiedRoundTrip(t *testing.T) {
	data := testasm.New().Bytes()
	m := load(t, data)
	out, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Error("unmodified module is not byte-identical")
	}

	path := filepath.Join(t.TempDir(), "out.dll")
	if err := m.Write(path); err != nil {
		t.Fatal(err)
	}
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, data) {
		t.Error("written module is not byte-identical")
	}
}

func TestResolveMethod(t *testing.T) {
	b := testasm.New()
	decode := b.FromBase64String()
	env := b.TypeRef("System", "Environment")
	nested := b.NestedTypeRef(env, "Helper")
	nestedCall := b.MemberRef(nested, "Run", testasm.SigStringToString)
	prog := b.Type("Demo", "Program")
	helper := b.Method("Helper", testasm.Ret)
	local := b.MemberRef(prog, "Local", testasm.SigStringToString)
	m := load(t, b.Bytes())

	tests := []struct {
		tok  metadata.Token
		want string
		sig  string
	}{
		{decode, "System.Convert::FromBase64String", "uint8[](string)"},
		{nestedCall, "System.Environment/Helper::Run", "string(string)"},
		{helper, "Demo.Program::Helper", "void()"},
		{local, "Demo.Program::Local", "string(string)"},
	}
	for _, tt := range tests {
		ref, err := m.ResolveMethod(tt.tok)
		if err != nil {
			t.Errorf("ResolveMethod(%s): %v", tt.tok, err)
			continue
		}
		if ref.FullName() != tt.want {
			t.Errorf("ResolveMethod(%s) = %q, want %q", tt.tok, ref.FullName(), tt.want)
		}
		if ref.Signature.String() != tt.sig {
			t.Errorf("signature = %s, want %s", ref.Signature, tt.sig)
		}
	}

	for _, tok := range []metadata.Token{
		metadata.NewToken(metadata.TableMethodDef, 99),
		metadata.NewToken(metadata.TableTypeRef, 1),
	} {
		if _, err := m.ResolveMethod(tok); err == nil {
			t.Errorf("ResolveMethod(%s) should fail", tok)
		}
	}
}

func TestPatchAndWrite(t *testing.T) {
	for _, opts := range []struct {
		name       string
		pe64       bool
		checksum   bool
		strongName bool
		csc        bool
	}{
		{"pe32", false, false, false, false},
		{"pe32+", true, false, false, false},
		{"signed", false, true, true, false},
		{"csc pe32", false, false, false, true},
		{"csc pe32+", true, false, false, true},
		{"csc signed", false, true, true, true},
	} {
		t.Run(opts.name, func(t *testing.T) {
			b := testasm.New()
			b.PE64, b.Checksum, b.StrongName = opts.pe64, opts.checksum, opts.strongName
			b.CscLayout = opts.csc
			lit := b.String("SGVsbG8=")
			decode := b.FromBase64String()
			b.Type("Demo", "Program")
			b.Method("Main", testasm.Code(testasm.Ldstr(lit), testasm.Call(decode), testasm.Pop, testasm.Ret))
			m := load(t, b.Bytes())

			method := m.Methods[0]
			tok, err := m.AddUserString("Hello")
			if err != nil {
				t.Fatal(err)
			}
			ins := method.Body.Instructions
			method.Body.Instructions = append([]*il.Instruction{{Opcode: il.OpLdstr, Operand: tok}}, ins[2:]...)
			m.MarkDirty(method)

			out, err := m.Bytes()
			if err != nil {
				t.Fatal(err)
			}
			again := load(t, out)
			body := again.Methods[0].Body
			if len(body.Instructions) != 3 || body.Instructions[0].Opcode != il.OpLdstr {
				t.Fatalf("instructions = %v", body.Instructions)
			}
			got, _ := body.Instructions[0].Token()
			if s, err := again.UserString(got); err != nil || s != "Hello" {
				t.Errorf("patched literal = %q, %v", s, err)
			}
			if s, err := again.UserString(lit); err != nil || s != "SGVsbG8=" {
				t.Errorf("original literal = %q, %v", s, err)
			}

			img, err := pe.Parse(out)
			if err != nil {
				t.Fatal(err)
			}
			last := img.Sections[len(img.Sections)-1]
			if opts.csc {
				checkExtendedReloc(t, img)
			} else if last.Name != assembly.MetadataSection {
				t.Errorf("last section = %q", last.Name)
			}
			if img.Directory(pe.DirSecurity).Size != 0 {
				t.Error("certificate table not cleared")
			}
			cli, _ := img.Slice(img.Directory(pe.DirCLR).RVA, 72)
			if flags := binary.LittleEndian.Uint32(cli[16:]); flags&0x8 != 0 {
				t.Errorf("strong name flag still set: 0x%x", flags)
			}
			if opts.checksum {
				const off = 0x98 + 64
				if got := binary.LittleEndian.Uint32(out[off:]); got != pe.Checksum(out, off) {
					t.Errorf("checksum %#x not recomputed", got)
				}
			}

			second, err := m.Bytes()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(second, out) {
				t.Error("Bytes is not repeatable")
			}
		})
	}
}

// checkExtendedReloc verifies that a full section table led to metadata
// being appended to .reloc with the existing sections intact.
func checkExtendedReloc(t *testing.T, img *pe.Image) {
	t.Helper()
	if len(img.Sections) != 3 {
		t.Fatalf("sections = %d, want 3", len(img.Sections))
	}
	reloc := img.Sections[2]
	if reloc.Name != ".reloc" {
		t.Fatalf("last section = %q", reloc.Name)
	}
	if reloc.Characteristics&0x02000000 != 0 {
		t.Error(".reloc still discardable")
	}

	for _, tt := range []struct {
		dir  int
		want []byte
	}{
		{pe.DirResource, testasm.RsrcData},
		{pe.DirBaseReloc, testasm.RelocData},
	} {
		d := img.Directory(tt.dir)
		got, err := img.Slice(d.RVA, d.Size)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("directory %d = %x, want %x", tt.dir, got, tt.want)
		}
	}

	cli, _ := img.Slice(img.Directory(pe.DirCLR).RVA, 72)
	mdRVA := binary.LittleEndian.Uint32(cli[8:])
	mdSize := binary.LittleEndian.Uint32(cli[12:])
	if mdRVA < reloc.VirtualAddress+uint32(len(testasm.RelocData)) || mdRVA+mdSize > reloc.VirtualAddress+reloc.VirtualSize {
		t.Errorf("metadata [%#x,+%#x) outside extended .reloc %+v", mdRVA, mdSize, reloc)
	}
	if mdRVA%4 != 0 {
		t.Errorf("metadata rva %#x not aligned", mdRVA)
	}
}

func TestAddUserStringOverflow(t *testing.T) {
	m := load(t, testasm.New().Bytes())

	// 2^23 UTF-16 chars need 16 MiB of heap, past the 24-bit offset range.
	huge := strings.Repeat("A", 1<<23)
	_, err := m.AddUserString(huge)
	var e *ierrors.Error
	if !errors.As(err, &e) || e.Phase != ierrors.PhasePatch || e.Kind != ierrors.KindOverflow {
		t.Fatalf("error = %v, want patch/overflow", err)
	}
	if e.Value != len(huge) || e.Cause == nil {
		t.Errorf("value = %v, cause = %v", e.Value, e.Cause)
	}
	if strings.Contains(e.Error(), huge[:64]) {
		t.Error("error message must not embed the literal")
	}

	if _, err := m.AddUserString("Hello"); err != nil {
		t.Errorf("small string after overflow: %v", err)
	}
}

func TestWriteRejectsGrownBody(t *testing.T) {
	b := testasm.New()
	b.Type("Demo", "Program")
	b.Method("Main", testasm.Ret)
	m := load(t, b.Bytes())

	method := m.Methods[0]
	nop := &il.Instruction{Opcode: il.OpNop}
	method.Body.Instructions = append([]*il.Instruction{nop, nop}, method.Body.Instructions...)
	m.MarkDirty(method)

	_, err := m.Bytes()
	var e *ierrors.Error
	if !errors.As(err, &e) || e.Phase != ierrors.PhaseWrite || e.Kind != ierrors.KindOverflow {
		t.Errorf("error = %v, want write/overflow", err)
	}
}

func TestWriteError(t *testing.T) {
	m := load(t, testasm.New().Bytes())
	err := m.Write(filepath.Join(t.TempDir(), "missing", "dir", "out.dll"))
	var e *ierrors.Error
	if !errors.As(err, &e) || e.Phase != ierrors.PhaseWrite {
		t.Errorf("error = %v, want write error", err)
	}
}
