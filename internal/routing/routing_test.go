package routing

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name string
		msg  string
		want Route
	}{
		{"short", "hello work", Fast},
		{"empty", "", Fast},
		{"exactly limit", strings.Repeat("a", 500), Fast},
		{"over limit", strings.Repeat("a", 600), Heavy},
		{"keyword", "Could you analyze step three for me, please?", Heavy},
		{"keyword uppercase", "GENERATE the steps", Heavy},
		{"keyword inside word", "I need a detailed answer", Heavy},
		{"report", "send me a report", Heavy},
		{"no keyword", "We approve invoices every morning.", Fast},
		{"multibyte under limit", strings.Repeat("ş", 400), Fast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Classify(tt.msg); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	p := DefaultPolicy()
	msg := "a 50-character message that asks us to analyze it"
	first := p.Classify(msg)
	for i := 0; i < 100; i++ {
		if got := p.Classify(msg); got != first {
			t.Fatalf("iteration %d: %q != %q", i, got, first)
		}
	}
	if first != Heavy {
		t.Errorf("Classify = %q, want heavy", first)
	}
}

func TestClassify_CustomPolicy(t *testing.T) {
	p := Policy{MaxFastLength: 10, HeavyKeywords: []string{" Export "}}
	if p.Classify("short") != Fast {
		t.Error("short message should be fast")
	}
	if p.Classify("this is longer than ten") != Heavy {
		t.Error("long message should be heavy")
	}
	if p.Classify("export") != Heavy {
		t.Error("trimmed keyword should match")
	}
	if (Policy{}).Classify(strings.Repeat("x", 10000)) != Fast {
		t.Error("zero policy should never route heavy")
	}
}
