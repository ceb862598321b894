package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/strand/internal/inference"
)

type lines []string

func (l *lines) ReadLine(string) (string, error) {
	if len(*l) == 0 {
		return "", io.EOF
	}
	s := (*l)[0]
	*l = (*l)[1:]
	return s, nil
}

type echoAsker struct {
	asked  []string
	resets int
	fail   bool
}

func (a *echoAsker) Ask(_ context.Context, prompt string, stream inference.StreamFunc) (inference.Stats, error) {
	a.asked = append(a.asked, prompt)
	if a.fail {
		stream("par")
		return inference.Stats{}, errors.New("worker gone")
	}
	stream("re: " + prompt)
	stream("")
	return inference.Stats{TokensGenerated: 1}, nil
}

func (a *echoAsker) Reset() error {
	a.resets++
	return nil
}

func TestREPL(t *testing.T) {
	t.Parallel()
	in := lines{"hi", "  ", "/reset", "again", "q", "never"}
	a := &echoAsker{}
	var out, report bytes.Buffer

	if err := repl(context.Background(), &in, a, NewStreamWriter(&out, StreamInstant), &report); err != nil {
		t.Fatalf("repl: %v", err)
	}
	if diff := cmp.Diff([]string{"hi", "again"}, a.asked); diff != "" {
		t.Fatalf("asked (-want +got):\n%s", diff)
	}
	if a.resets != 1 {
		t.Fatalf("resets = %d", a.resets)
	}
	if out.String() != "re: hi\nre: again\n" {
		t.Fatalf("output = %q", out.String())
	}
	if !strings.Contains(report.String(), "1 tokens generated") || !strings.Contains(report.String(), "conversation cleared") {
		t.Fatalf("report = %q", report.String())
	}
}

func TestREPLStopsOnEOFAndErrors(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	in := lines{"/exit"}
	if err := repl(context.Background(), &in, &echoAsker{}, NewStreamWriter(&out, StreamInstant), io.Discard); err != nil {
		t.Fatalf("/exit: %v", err)
	}
	empty := lines{}
	if err := repl(context.Background(), &empty, &echoAsker{}, NewStreamWriter(&out, StreamInstant), io.Discard); err != nil {
		t.Fatalf("EOF: %v", err)
	}

	out.Reset()
	failing := lines{"boom"}
	err := repl(context.Background(), &failing, &echoAsker{fail: true}, NewStreamWriter(&out, StreamInstant), io.Discard)
	if err == nil || err.Error() != "worker gone" {
		t.Fatalf("err = %v", err)
	}
	if out.String() != "par\n" {
		t.Fatalf("partial output should end with a newline, got %q", out.String())
	}
}
