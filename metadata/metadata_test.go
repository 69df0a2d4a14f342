package metadata_test

import (
	"encoding/binary"
	"testing"

	"github.com/wippyai/ildecode/internal/testasm"
	"github.com/wippyai/ildecode/metadata"
	"github.com/wippyai/ildecode/pe"
)

func parse(t *testing.T, b *testasm.Builder) *metadata.Metadata {
	t.Helper()
	img, err := pe.Parse(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	cli, err := img.Slice(img.Directory(pe.DirCLR).RVA, 72)
	if err != nil {
		t.Fatal(err)
	}
	block, err := img.Slice(binary.LittleEndian.Uint32(cli[8:]), binary.LittleEndian.Uint32(cli[12:]))
	if err != nil {
		t.Fatal(err)
	}
	md, err := metadata.Parse(block)
	if err != nil {
		t.Fatal(err)
	}
	return md
}

func TestParse(t *testing.T) {
	b := testasm.New()
	hello := b.String("hello")
	decode := b.FromBase64String()
	b.Type("Demo", "Program")
	b.Method("Main", testasm.Code(testasm.Ldstr(hello), testasm.Call(decode), testasm.Pop, testasm.Ret))
	md := parse(t, b)

	if md.Version != "v4.0.30319" {
		t.Errorf("Version = %q", md.Version)
	}
	if len(md.Streams) != 5 {
		t.Errorf("streams = %d", len(md.Streams))
	}
	if got := md.Tables.Rows[metadata.TableMethodDef]; got != 1 {
		t.Errorf("MethodDef rows = %d", got)
	}
	if got := md.Tables.Rows[metadata.TableTypeDef]; got != 2 {
		t.Errorf("TypeDef rows = %d", got)
	}

	s, err := md.UserString(hello)
	if err != nil || s != "hello" {
		t.Errorf("UserString = %q, %v", s, err)
	}

	ref, err := md.MemberRef(decode.RID())
	if err != nil {
		t.Fatal(err)
	}
	if ref.Name != "FromBase64String" {
		t.Errorf("MemberRef name = %q", ref.Name)
	}
	owner, err := md.TypeName(ref.Class)
	if err != nil || owner != "System.Convert" {
		t.Errorf("owner = %q, %v", owner, err)
	}
	sig, err := metadata.ParseMethodSig(ref.Signature)
	if err != nil {
		t.Fatal(err)
	}
	if sig.String() != "uint8[](string)" {
		t.Errorf("signature = %s", sig)
	}

	m, err := md.MethodDef(1)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "Main" || !m.IsIL() || m.RVA == 0 {
		t.Errorf("MethodDef = %+v", m)
	}
}

func TestTypeNames(t *testing.T) {
	b := testasm.New()
	outerRef := b.TypeRef("System", "Environment")
	innerRef := b.NestedTypeRef(outerRef, "SpecialFolder")
	outer := b.Type("Demo", "Outer")
	b.Method("A", testasm.Ret)
	inner := b.Nested(outer, "Inner")
	b.Method("B", testasm.Ret)
	b.Abstract("C")
	md := parse(t, b)

	tests := []struct {
		tok  metadata.Token
		want string
	}{
		{outerRef, "System.Environment"},
		{innerRef, "System.Environment/SpecialFolder"},
		{outer, "Demo.Outer"},
		{inner, "Demo.Outer/Inner"},
	}
	for _, tt := range tests {
		got, err := md.TypeName(tt.tok)
		if err != nil {
			t.Errorf("TypeName(%s): %v", tt.tok, err)
			continue
		}
		if got != tt.want {
			t.Errorf("TypeName(%s) = %q, want %q", tt.tok, got, tt.want)
		}
	}

	if _, err := md.TypeName(metadata.NewToken(metadata.TableMethodDef, 1)); err == nil {
		t.Error("expected error for non-type token")
	}

	owners, err := md.MethodOwners()
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{0, outer.RID(), inner.RID(), inner.RID()}
	for rid, o := range want[1:] {
		if owners[rid+1] != o {
			t.Errorf("owner of method %d = %d, want %d", rid+1, owners[rid+1], o)
		}
	}

	c, err := md.MethodDef(3)
	if err != nil {
		t.Fatal(err)
	}
	if c.IsIL() {
		t.Error("abstract method reported as IL")
	}
}

func TestSerialize(t *testing.T) {
	b := testasm.New()
	old := b.String("SGVsbG8=")
	b.Type("Demo", "Program")
	b.Method("Main", testasm.Code(testasm.Ldstr(old), testasm.Pop, testasm.Ret))
	md := parse(t, b)

	if md.Modified() {
		t.Fatal("fresh metadata reports modified")
	}
	tok, err := md.AddUserString("Hello")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Table() != metadata.TableUserString || tok.RID() <= old.RID() {
		t.Errorf("new token = %s", tok)
	}
	if !md.Modified() {
		t.Fatal("Modified() = false after AddUserString")
	}

	again, err := metadata.Parse(md.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	for tok, want := range map[metadata.Token]string{old: "SGVsbG8=", tok: "Hello"} {
		got, err := again.UserString(tok)
		if err != nil || got != want {
			t.Errorf("UserString(%s) = %q, %v; want %q", tok, got, err, want)
		}
	}
	if again.Tables.Rows != md.Tables.Rows {
		t.Error("tables stream changed")
	}
}

func TestSerializeAddsUserStrings(t *testing.T) {
	b := testasm.New()
	b.NoUserStrings = true
	b.Type("Demo", "Program")
	b.Method("Main", testasm.Ret)
	md := parse(t, b)

	tok, err := md.AddUserString("x")
	if err != nil {
		t.Fatal(err)
	}
	again, err := metadata.Parse(md.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Streams) != len(md.Streams)+1 {
		t.Errorf("streams = %d, want %d", len(again.Streams), len(md.Streams)+1)
	}
	if s, err := again.UserString(tok); err != nil || s != "x" {
		t.Errorf("UserString = %q, %v", s, err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad signature", []byte("XXXX\x01\x00\x01\x00\x00\x00\x00\x00")},
		{"truncated", []byte{0x42, 0x53, 0x4A, 0x42, 0x01, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := metadata.Parse(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}
