package xid

import (
	"strings"
	"testing"
)

func TestNewUsesPrefixAndIsUnique(t *testing.T) {
	a := New("dsp")
	b := New("dsp")
	if !strings.HasPrefix(a, "dsp-") {
		t.Fatalf("expected dsp- prefix, got %q", a)
	}
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
	if got := New(""); strings.Contains(got, "-") {
		t.Fatalf("expected bare id without prefix, got %q", got)
	}
}
