package logging

import (
	"errors"
	"strings"
	"testing"
)

func TestFormatWithoutFieldsOmitsSeparator(t *testing.T) {
	l := New("test")
	got := l.format("hello", nil)
	if got != "[test] hello" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatSortsFieldsForStableOutput(t *testing.T) {
	l := New("test")
	got := l.format("hello", map[string]any{"b": 2, "a": 1})
	want := "[test] hello | a=1 b=2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWithComposesTagHierarchy(t *testing.T) {
	l := New("server").With("rest")
	if l.tag != "server:rest" {
		t.Fatalf("expected composed tag server:rest, got %s", l.tag)
	}
}

func TestErrorFoldsErrIntoFields(t *testing.T) {
	l := New("test")
	got := l.format("failed", map[string]any{"err": errors.New("boom")})
	if !strings.Contains(got, "err=boom") {
		t.Fatalf("expected err field in output, got %q", got)
	}
}
