package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wippyai/ildecode/assembly"
	"github.com/wippyai/ildecode/il"
	"github.com/wippyai/ildecode/internal/testasm"
)

// sample builds an assembly whose Main decodes two literals.
func sample() []byte {
	b := testasm.New()
	hello := b.String("SGVsbG8=")
	world := b.String("V29ybGQ=")
	decode := b.FromBase64String()
	b.Type("Demo", "Program")
	b.Method("Main", testasm.Code(
		testasm.Ldstr(hello), testasm.Call(decode), testasm.Pop,
		testasm.Ldstr(world), testasm.Call(decode), testasm.Pop,
		testasm.Ret,
	))
	return b.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(args ...string) result {
	var stdout, stderr bytes.Buffer
	code := execute(args, strings.NewReader(""), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func ldstrValues(t *testing.T, path string) []string {
	t.Helper()
	m, err := assembly.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, meth := range m.Methods {
		if meth.Body == nil {
			continue
		}
		for _, in := range meth.Body.Instructions {
			if in.Opcode != il.OpLdstr {
				continue
			}
			tok, _ := in.Token()
			s, err := m.UserString(tok)
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, s)
		}
	}
	return out
}

func hasCall(t *testing.T, path string) bool {
	t.Helper()
	m, err := assembly.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, meth := range m.Methods {
		if meth.Body == nil {
			continue
		}
		for _, in := range meth.Body.Instructions {
			if in.Opcode == il.OpCall {
				return true
			}
		}
	}
	return false
}

func TestDecodeWritesDefaultOutput(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "app.exe", sample())

	r := runCLI(input)
	if r.code != exitOK {
		t.Fatalf("exit %d, stderr: %s", r.code, r.stderr)
	}

	output := filepath.Join(dir, "app_decoded.exe")
	for _, want := range []string{"Encoded Base64", "Decoded Value", "SGVsbG8=", "Hello", "World", "Decoded 2 string(s)", output} {
		if !strings.Contains(r.stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, r.stdout)
		}
	}

	got := ldstrValues(t, output)
	if strings.Join(got, ",") != "Hello,World" {
		t.Errorf("ldstr values = %q", got)
	}
	if hasCall(t, output) {
		t.Error("decode call left in output")
	}

	orig, err := os.ReadFile(input)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(orig, sample()) {
		t.Error("input modified")
	}
}

func TestOutputFlag(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "lib.dll", sample())
	output := filepath.Join(dir, "out", "clean.dll")
	if err := os.Mkdir(filepath.Dir(output), 0o755); err != nil {
		t.Fatal(err)
	}

	r := runCLI("-o", output, input)
	if r.code != exitOK {
		t.Fatalf("exit %d, stderr: %s", r.code, r.stderr)
	}
	if _, err := os.Stat(output); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "lib_decoded.dll")); !os.IsNotExist(err) {
		t.Error("default output written despite -o")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "app.exe", sample())

	r := runCLI("--dry-run", input)
	if r.code != exitOK {
		t.Fatalf("exit %d, stderr: %s", r.code, r.stderr)
	}
	if !strings.Contains(r.stdout, "Would decode 2 string(s)") {
		t.Errorf("stdout:\n%s", r.stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, "app_decoded.exe")); !os.IsNotExist(err) {
		t.Error("dry run wrote output")
	}
}

func TestNoMatchExitCode(t *testing.T) {
	b := testasm.New()
	plain := b.String("plain")
	b.Type("Demo", "Program")
	b.Method("Main", testasm.Code(testasm.Ldstr(plain), testasm.Pop, testasm.Ret))

	dir := t.TempDir()
	input := writeFile(t, dir, "app.exe", b.Bytes())

	r := runCLI(input)
	if r.code != exitNoMatch {
		t.Fatalf("exit %d, want %d", r.code, exitNoMatch)
	}
	if !strings.Contains(r.stdout, "System.Convert::FromBase64String") {
		t.Errorf("stdout:\n%s", r.stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, "app_decoded.exe")); !os.IsNotExist(err) {
		t.Error("output written with nothing decoded")
	}
}

func TestNothingDecodable(t *testing.T) {
	b := testasm.New()
	bad := b.String("not-base64!!")
	decode := b.FromBase64String()
	b.Type("Demo", "Program")
	b.Method("Main", testasm.Code(testasm.Ldstr(bad), testasm.Call(decode), testasm.Pop, testasm.Ret))

	dir := t.TempDir()
	input := writeFile(t, dir, "app.exe", b.Bytes())

	r := runCLI(input)
	if r.code != exitNoMatch {
		t.Fatalf("exit %d, want %d", r.code, exitNoMatch)
	}
	if !strings.Contains(r.stdout, "Skipped 1 literal(s)") {
		t.Errorf("stdout:\n%s", r.stdout)
	}
	if !strings.Contains(r.stderr, "not-base64!!") {
		t.Errorf("warning not logged:\n%s", r.stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "app_decoded.exe")); !os.IsNotExist(err) {
		t.Error("output written with nothing decoded")
	}
}

func TestFatalErrors(t *testing.T) {
	dir := t.TempDir()
	text := writeFile(t, dir, "notes.txt", []byte("just some text"))
	good := writeFile(t, dir, "app.exe", sample())

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"not an assembly", []string{text}, "load"},
		{"missing file", []string{filepath.Join(dir, "missing.exe")}, "missing.exe"},
		{"no arguments", nil, "accepts 1 arg"},
		{"bad encoding", []string{"-e", "ebcdic", good}, "ebcdic"},
		{"bad target", []string{"-m", "FromBase64String", good}, "FromBase64String"},
		{"missing config", []string{"-c", filepath.Join(dir, "none.toml"), good}, "none.toml"},
		{"unwritable output", []string{"-o", filepath.Join(dir, "no", "such", "dir.exe"), good}, "write"},
		{"interactive without terminal", []string{"-i", good}, "terminal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := runCLI(tt.args...)
			if r.code != exitFatal {
				t.Fatalf("exit %d, want %d", r.code, exitFatal)
			}
			if !strings.Contains(r.stderr, tt.want) {
				t.Errorf("stderr missing %q:\n%s", tt.want, r.stderr)
			}
		})
	}
	if _, err := os.Stat(filepath.Join(dir, "notes_decoded.txt")); !os.IsNotExist(err) {
		t.Error("output written for invalid input")
	}
}

func TestWriteFailurePrintsNoTable(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "app.exe", sample())

	r := runCLI("-o", filepath.Join(dir, "no", "such", "dir.exe"), input)
	if r.code != exitFatal {
		t.Fatalf("exit %d, want %d", r.code, exitFatal)
	}
	for _, unwanted := range []string{"Decoded Value", "Hello", "Modified binary saved as"} {
		if strings.Contains(r.stdout, unwanted) {
			t.Errorf("stdout has %q after a failed write:\n%s", unwanted, r.stdout)
		}
	}
	if !strings.Contains(r.stderr, "write") {
		t.Errorf("stderr:\n%s", r.stderr)
	}
}

func TestMethodFlag(t *testing.T) {
	b := testasm.New()
	lit := b.String("SGVsbG8=")
	custom := b.MemberRef(b.TypeRef("Obf", "Strings"), "Get", testasm.SigStringToString)
	b.Type("Demo", "Program")
	b.Method("Main", testasm.Code(testasm.Ldstr(lit), testasm.Call(custom), testasm.Pop, testasm.Ret))

	dir := t.TempDir()
	input := writeFile(t, dir, "app.exe", b.Bytes())

	if r := runCLI(input); r.code != exitNoMatch {
		t.Fatalf("default targets: exit %d", r.code)
	}
	r := runCLI("-m", "Obf.Strings::Get", input)
	if r.code != exitOK {
		t.Fatalf("exit %d, stderr: %s", r.code, r.stderr)
	}
	if got := ldstrValues(t, filepath.Join(dir, "app_decoded.exe")); len(got) != 1 || got[0] != "Hello" {
		t.Errorf("ldstr values = %q", got)
	}
}

func TestEncodingFlag(t *testing.T) {
	b := testasm.New()
	// "Hi" as UTF-16LE
	lit := b.String("SABpAA==")
	decode := b.FromBase64String()
	b.Type("Demo", "Program")
	b.Method("Main", testasm.Code(testasm.Ldstr(lit), testasm.Call(decode), testasm.Pop, testasm.Ret))

	dir := t.TempDir()
	input := writeFile(t, dir, "app.exe", b.Bytes())

	r := runCLI("-e", "utf-16le", input)
	if r.code != exitOK {
		t.Fatalf("exit %d, stderr: %s", r.code, r.stderr)
	}
	if got := ldstrValues(t, filepath.Join(dir, "app_decoded.exe")); len(got) != 1 || got[0] != "Hi" {
		t.Errorf("ldstr values = %q", got)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "app", sample())
	cfg := writeFile(t, dir, "ildecode.toml", []byte(`
[output]
suffix = ".clean"
extension = "bin"

[log]
level = "error"
`))

	r := runCLI("-c", cfg, input)
	if r.code != exitOK {
		t.Fatalf("exit %d, stderr: %s", r.code, r.stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "app.clean.bin")); err != nil {
		t.Fatal(err)
	}
}

func TestDebugLogging(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "app.exe", sample())

	r := runCLI("-d", "--dry-run", input)
	if r.code != exitOK {
		t.Fatalf("exit %d, stderr: %s", r.code, r.stderr)
	}
	if !strings.Contains(r.stderr, "scan complete") {
		t.Errorf("debug log missing:\n%s", r.stderr)
	}
}

func TestPrintable(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"a\nb\tc\r", `a\nb\tc\r`},
		{"\x00\x7f", `\x00\x7f`},
		{"héllo", "héllo"},
		{strings.Repeat("x", maxCell+5), strings.Repeat("x", maxCell) + "…"},
		{strings.Repeat("x", maxCell), strings.Repeat("x", maxCell)},
	}
	for _, tt := range tests {
		if got := printable(tt.in); got != tt.want {
			t.Errorf("printable(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
