package main

import (
	"fmt"
	"io"
	"strings"
)

// lineEditor is a minimal readline: cursor movement, word motions, deletion
// and history browsing. Bytes are fed one at a time; the terminal is expected
// to be in non-canonical mode.
type lineEditor struct {
	out    io.Writer
	prompt string

	line   []byte
	cursor int

	history  []string
	histPos  int
	browsing bool
	draft    string

	esc    int
	escBuf strings.Builder
}

func newLineEditor(out io.Writer) *lineEditor {
	return &lineEditor{out: out}
}

// start begins a new line with prompt.
func (e *lineEditor) start(prompt string) {
	e.prompt = prompt
	e.line = e.line[:0]
	e.cursor = 0
	e.histPos = len(e.history)
	e.browsing = false
	e.esc = 0
	_, _ = fmt.Fprint(e.out, prompt)
}

// feed handles one input byte. done is set when the line is complete; err is
// io.EOF on Ctrl+C or on Ctrl+D at an empty line.
func (e *lineEditor) feed(b byte) (line string, done bool, err error) {
	if e.esc != 0 {
		e.escape(b)
		return "", false, nil
	}
	switch b {
	case 27:
		e.esc = 1
	case '\r', '\n':
		_, _ = fmt.Fprint(e.out, "\r\n")
		out := string(e.line)
		if strings.TrimSpace(out) != "" {
			e.history = append(e.history, out)
		}
		return out, true, nil
	case 3:
		_, _ = fmt.Fprint(e.out, "^C\r\n")
		return "", true, io.EOF
	case 4:
		if len(e.line) == 0 {
			_, _ = fmt.Fprint(e.out, "\r\n")
			return "", true, io.EOF
		}
	case 127, 8:
		if e.cursor > 0 {
			e.line = append(e.line[:e.cursor-1], e.line[e.cursor:]...)
			e.cursor--
			e.redraw()
		}
	case 1:
		e.move(0)
	case 5:
		e.move(len(e.line))
	case 23:
		e.deleteWordBack()
	default:
		if b >= 32 {
			e.insert(b)
		}
	}
	return "", false, nil
}

func (e *lineEditor) escape(b byte) {
	if e.esc == 2 {
		e.escBuf.WriteByte(b)
		if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '~' {
			e.csi(e.escBuf.String())
			e.esc = 0
		}
		return
	}
	e.esc = 0
	switch b {
	case '[':
		e.esc = 2
		e.escBuf.Reset()
	case 'b', 'B':
		e.move(e.wordLeft())
	case 'f', 'F':
		e.move(e.wordRight())
	case 127:
		e.deleteWordBack()
	}
}

func (e *lineEditor) csi(seq string) {
	switch seq {
	case "A":
		e.historyUp()
	case "B":
		e.historyDown()
	case "D":
		if e.cursor > 0 {
			e.move(e.cursor - 1)
		}
	case "C":
		if e.cursor < len(e.line) {
			e.move(e.cursor + 1)
		}
	case "H":
		e.move(0)
	case "F":
		e.move(len(e.line))
	case "3~":
		if e.cursor < len(e.line) {
			e.line = append(e.line[:e.cursor], e.line[e.cursor+1:]...)
			e.redraw()
		}
	case "1;5D", "5D":
		e.move(e.wordLeft())
	case "1;5C", "5C":
		e.move(e.wordRight())
	case "3;5~":
		end := e.wordRight()
		e.line = append(e.line[:e.cursor], e.line[end:]...)
		e.redraw()
	}
}

func (e *lineEditor) insert(b byte) {
	e.line = append(e.line, 0)
	copy(e.line[e.cursor+1:], e.line[e.cursor:])
	e.line[e.cursor] = b
	e.cursor++
	e.redraw()
}

func (e *lineEditor) move(to int) {
	if to == e.cursor {
		return
	}
	e.cursor = to
	e.redraw()
}

func isBlank(b byte) bool { return b == ' ' || b == '\t' }

func (e *lineEditor) wordLeft() int {
	i := e.cursor
	for i > 0 && isBlank(e.line[i-1]) {
		i--
	}
	for i > 0 && !isBlank(e.line[i-1]) {
		i--
	}
	return i
}

func (e *lineEditor) wordRight() int {
	i := e.cursor
	for i < len(e.line) && isBlank(e.line[i]) {
		i++
	}
	for i < len(e.line) && !isBlank(e.line[i]) {
		i++
	}
	return i
}

func (e *lineEditor) deleteWordBack() {
	start := e.wordLeft()
	if start == e.cursor {
		return
	}
	e.line = append(e.line[:start], e.line[e.cursor:]...)
	e.cursor = start
	e.redraw()
}

func (e *lineEditor) historyUp() {
	if len(e.history) == 0 {
		return
	}
	if !e.browsing {
		e.draft = string(e.line)
		e.browsing = true
		e.histPos = len(e.history)
	}
	if e.histPos > 0 {
		e.histPos--
		e.replace(e.history[e.histPos])
	}
}

func (e *lineEditor) historyDown() {
	if !e.browsing {
		return
	}
	if e.histPos < len(e.history)-1 {
		e.histPos++
		e.replace(e.history[e.histPos])
		return
	}
	e.histPos = len(e.history)
	e.browsing = false
	e.replace(e.draft)
}

func (e *lineEditor) replace(s string) {
	e.line = append(e.line[:0], s...)
	e.cursor = len(e.line)
	e.redraw()
}

func (e *lineEditor) redraw() {
	_, _ = fmt.Fprintf(e.out, "\r%s%s\x1b[K", e.prompt, e.line)
	if e.cursor < len(e.line) {
		_, _ = fmt.Fprintf(e.out, "\r%s%s", e.prompt, e.line[:e.cursor])
	}
}

// readLine feeds bytes from r until a line is complete.
func (e *lineEditor) readLine(r io.Reader, prompt string) (string, error) {
	e.start(prompt)
	var buf [16]byte
	for {
		n, err := r.Read(buf[:])
		for i := 0; i < n; i++ {
			if line, done, ferr := e.feed(buf[i]); done {
				return line, ferr
			}
		}
		if err != nil {
			return "", err
		}
	}
}

func trimTrailingNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
