// Package chat keeps the dialog history and renders it into the Llama 3
// prompt format.
package chat

import (
	"fmt"
	"strings"
)

// Role is the speaker of a message.
type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
)

// ParseRole accepts the three known role names.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case System, User, Assistant:
		return r, nil
	default:
		return "", fmt.Errorf("unknown chat role %q", s)
	}
}

// Message is one turn of the dialog.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

func NewSystem(content string) Message    { return Message{Role: System, Content: content} }
func NewUser(content string) Message      { return Message{Role: User, Content: content} }
func NewAssistant(content string) Message { return Message{Role: Assistant, Content: content} }

const (
	beginOfText = "<|begin_of_text|>"
	startHeader = "<|start_header_id|>"
	endHeader   = "<|end_header_id|>"
	endOfTurn   = "<|eot_id|>"
)

// History is an ordered dialog.
type History struct {
	messages []Message
}

// Push appends a message.
func (h *History) Push(m Message) { h.messages = append(h.messages, m) }

// Pop removes and returns the last message. ok is false when h is empty.
func (h *History) Pop() (m Message, ok bool) {
	n := len(h.messages)
	if n == 0 {
		return Message{}, false
	}
	m = h.messages[n-1]
	h.messages = h.messages[:n-1]
	return m, true
}

// Clear drops every message.
func (h *History) Clear() { h.messages = h.messages[:0] }

// Len is the number of messages.
func (h *History) Len() int { return len(h.messages) }

// Messages returns a copy of the dialog.
func (h *History) Messages() []Message {
	return append([]Message(nil), h.messages...)
}

// Render produces the prompt text, ending with an open assistant header so
// the model continues as the assistant.
func (h *History) Render() string {
	var sb strings.Builder
	sb.WriteString(beginOfText)
	for _, m := range h.messages {
		writeHeader(&sb, m.Role)
		sb.WriteString(strings.TrimSpace(m.Content))
		sb.WriteString(endOfTurn)
	}
	writeHeader(&sb, Assistant)
	return sb.String()
}

func writeHeader(sb *strings.Builder, role Role) {
	sb.WriteString(startHeader)
	sb.WriteString(string(role))
	sb.WriteString(endHeader)
	sb.WriteString("\n\n")
}
