package web

import (
	"errors"
	"strings"
	"testing"

	"github.com/cabewaldrop/logfs/internal/fserr"
	"github.com/cabewaldrop/logfs/internal/rowspec"
)

func TestIsValidKey(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"temp", true},
		{"Time (ms)", true},
		{strings.Repeat("k", MaxKeyLength), true},
		{"", false},
		{"\xff", false},
		{strings.Repeat("k", MaxKeyLength+1), false},
	}

	for _, tt := range tests {
		if got := IsValidKey(tt.input); got != tt.want {
			t.Errorf("IsValidKey(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestValidateRow(t *testing.T) {
	if err := validateRow([]rowspec.Pair{{Key: "a", Value: "1"}}); err != nil {
		t.Errorf("expected valid row, got %v", err)
	}

	bad := [][]rowspec.Pair{
		nil,
		{{Key: "", Value: "1"}},
		{{Key: "a", Value: strings.Repeat("v", MaxValueLength+1)}},
	}
	for _, pairs := range bad {
		if err := validateRow(pairs); !errors.Is(err, fserr.ErrInvalidParameter) {
			t.Errorf("validateRow(%v): expected ErrInvalidParameter, got %v", pairs, err)
		}
	}
}

func TestValidateText(t *testing.T) {
	if err := validateText("x\n"); err != nil {
		t.Errorf("expected valid text, got %v", err)
	}
	for _, s := range []string{"", strings.Repeat("x", MaxTextLength+1)} {
		if err := validateText(s); !errors.Is(err, fserr.ErrInvalidParameter) {
			t.Errorf("expected ErrInvalidParameter for %d bytes, got %v", len(s), err)
		}
	}
}
