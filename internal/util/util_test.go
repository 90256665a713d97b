package util

import (
	"strings"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"05321234567", "+905321234567"},
		{"5321234567", "+905321234567"},
		{"905321234567", "+905321234567"},
		{"+90 532 123 45 67", "+905321234567"},
		{"0532 123 45 67", "+905321234567"},
		{"(0532) 123-45-67", "+905321234567"},
		{"4915112345678", "+4915112345678"},
		{"", ""},
		{"abc", ""},
	}
	for _, c := range cases {
		if got := NormalizePhone(c.in); got != c.want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNewLogID(t *testing.T) {
	a := NewLogID()
	b := NewLogID()
	if !strings.HasPrefix(a, "log_") {
		t.Fatalf("expected log_ prefix, got %q", a)
	}
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
}
