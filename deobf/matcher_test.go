package deobf

import "testing"

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]string{"Obf.Strings::*", "*::Unhide", " A.B::C "})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		typeName string
		method   string
		want     bool
	}{
		{"Obf.Strings", "Anything", true},
		{"Other.Type", "Unhide", true},
		{"A.B", "C", true},
		{"A.B", "D", false},
		{"System.Convert", "FromBase64String", false},
		{"Obf", "Strings", false},
	}
	for _, tt := range tests {
		if got := m.Match(tt.typeName, tt.method); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.typeName, tt.method, got, tt.want)
		}
	}
	if got := m.Patterns(); len(got) != 3 || got[2] != "A.B::C" {
		t.Errorf("Patterns() = %v", got)
	}
}

func TestMatcherDefault(t *testing.T) {
	m, err := NewMatcher(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match("System.Convert", "FromBase64String") {
		t.Error("default target not matched")
	}
	if m.Match("System.Convert", "ToBase64String") {
		t.Error("unexpected match")
	}
}

func TestMatcherInvalid(t *testing.T) {
	for _, p := range []string{"FromBase64String", "System.Convert::", "::Foo", "*::*", "A.B.C"} {
		if _, err := NewMatcher([]string{p}); err == nil {
			t.Errorf("NewMatcher(%q) should fail", p)
		}
	}
}
