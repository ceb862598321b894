package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLineEditorEditing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello\r", "hello"},
		{"backspace", "helo\x7f\x7fllo\r", "hello"},
		{"insert after left arrow", "hllo\x1b[D\x1b[D\x1b[De\r", "hello"},
		{"home and end", "ello\x01h\x05!\r", "hello!"},
		{"delete word back", "hello big world\x17\x17there\r", "hello there"},
		{"word left", "one three\x1b[1;5Dtwo \r", "one two three"},
		{"delete under cursor", "abc\x1b[D\x1b[D\x1b[3~\r", "ac"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newLineEditor(io.Discard)
			got, err := e.readLine(strings.NewReader(tc.input), "> ")
			if err != nil {
				t.Fatalf("readLine: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLineEditorHistory(t *testing.T) {
	t.Parallel()
	e := newLineEditor(io.Discard)
	for _, in := range []string{"first\r", "second\r", "   \r"} {
		if _, err := e.readLine(strings.NewReader(in), "> "); err != nil {
			t.Fatal(err)
		}
	}
	if len(e.history) != 2 {
		t.Fatalf("blank lines must not enter the history: %q", e.history)
	}

	got, err := e.readLine(strings.NewReader("draft\x1b[A\x1b[A\r"), "> ")
	if err != nil || got != "first" {
		t.Fatalf("two ups: got %q, %v", got, err)
	}
	got, err = e.readLine(strings.NewReader("draft\x1b[A\x1b[B\r"), "> ")
	if err != nil || got != "draft" {
		t.Fatalf("up then down should restore the draft: got %q, %v", got, err)
	}
}

func TestLineEditorEOF(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	e := newLineEditor(&out)
	if _, err := e.readLine(strings.NewReader("\x04"), "> "); !errors.Is(err, io.EOF) {
		t.Fatalf("Ctrl+D on empty line: %v", err)
	}
	if _, err := e.readLine(strings.NewReader("abc\x03"), "> "); !errors.Is(err, io.EOF) {
		t.Fatalf("Ctrl+C: %v", err)
	}
	if _, err := e.readLine(strings.NewReader("abc"), "> "); !errors.Is(err, io.EOF) {
		t.Fatalf("input ending mid line: %v", err)
	}
	if !strings.HasPrefix(out.String(), "> ") {
		t.Fatalf("prompt not printed: %q", out.String())
	}
}

func TestTrimTrailingNewline(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"a\r\n": "a", "b\n": "b", "c": "c", "": ""} {
		if got := trimTrailingNewline(in); got != want {
			t.Errorf("trimTrailingNewline(%q) = %q, want %q", in, got, want)
		}
	}
}
