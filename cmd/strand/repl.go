package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samcharles93/strand/internal/inference"
)

// asker is the part of inference.Master the REPL drives.
type asker interface {
	Ask(ctx context.Context, prompt string, stream inference.StreamFunc) (inference.Stats, error)
	Reset() error
}

type lineReader interface {
	ReadLine(prompt string) (string, error)
}

// prompter reads lines from a terminal with editing, or plainly from a pipe.
type prompter struct {
	in     *os.File
	out    io.Writer
	tty    bool
	editor *lineEditor
	plain  *bufio.Reader
}

func newPrompter(in *os.File, out io.Writer) *prompter {
	return &prompter{
		in:     in,
		out:    out,
		tty:    isTerminal(in),
		editor: newLineEditor(out),
		plain:  bufio.NewReader(in),
	}
}

func (p *prompter) ReadLine(prompt string) (string, error) {
	if p.tty {
		if restore, err := rawMode(int(p.in.Fd())); err == nil {
			defer restore()
			return p.editor.readLine(p.in, prompt)
		}
	}
	_, _ = fmt.Fprint(p.out, prompt)
	s, err := p.plain.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || s == "") {
		return "", err
	}
	return trimTrailingNewline(s), nil
}

// repl asks one question per input line until the input ends or the user
// quits with "q" or "/exit". "/reset" forgets the conversation.
func repl(ctx context.Context, in lineReader, m asker, sw *StreamWriter, report io.Writer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := in.ReadLine("> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch q := strings.TrimSpace(line); q {
		case "":
			continue
		case "q", "/exit":
			return nil
		case "/reset":
			if err := m.Reset(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(report, "conversation cleared")
		default:
			stats, err := m.Ask(ctx, q, sw.Write)
			sw.Flush()
			sw.EndLine()
			if err != nil {
				return err
			}
			writeReport(report, stats)
		}
	}
}
