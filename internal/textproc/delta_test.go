package textproc

import (
	"strings"
	"testing"
)

func TestComputeDelta_Extension(t *testing.T) {
	if got := ComputeDelta("今天", "今天天气"); got != "天气" {
		t.Errorf(`ComputeDelta("今天", "今天天气") = %q, want "天气"`, got)
	}
}

func TestComputeDelta_NoOverlap(t *testing.T) {
	if got := ComputeDelta("今天", "明天天气"); got != "明天天气" {
		t.Errorf(`ComputeDelta("今天", "明天天气") = %q, want "明天天气"`, got)
	}
}

func TestComputeDelta_EmptyPrev(t *testing.T) {
	if got := ComputeDelta("", "你好"); got != "你好" {
		t.Errorf(`ComputeDelta("", "你好") = %q, want "你好"`, got)
	}
}

func TestComputeDelta_SuffixOverlap(t *testing.T) {
	// The recognizer re-emits trailing context: only the remainder after
	// the overlap should be returned.
	if got := ComputeDelta("大家好今天", "今天天气不错"); got != "天气不错" {
		t.Errorf("Expected suffix-overlap remainder %q, got %q", "天气不错", got)
	}
}

func TestComputeDelta_IdenticalText(t *testing.T) {
	if got := ComputeDelta("你好", "你好"); got != "" {
		t.Errorf("Expected empty delta for identical text, got %q", got)
	}
}

func TestComputeDelta_WindowBound(t *testing.T) {
	// Overlap beyond the 64-rune window is not found; the full new text
	// comes back rather than a wrong splice.
	prev := strings.Repeat("甲", 100) + "乙"
	curr := strings.Repeat("甲", 100) + "乙丙"
	if got := ComputeDelta(prev, curr); got != "丙" {
		// prefix fast-path still catches the pure extension
		t.Errorf("Expected prefix fast-path delta, got %q", got)
	}

	// The longest suffix inside the window is 64 runes, so the remainder
	// after that overlap comes back.
	prev2 := "x" + strings.Repeat("甲", 80)
	curr2 := strings.Repeat("甲", 80) + "乙"
	want := strings.Repeat("甲", 16) + "乙"
	if got := ComputeDelta(prev2, curr2); got != want {
		t.Errorf("Expected windowed overlap remainder %q, got %q", want, got)
	}
}
