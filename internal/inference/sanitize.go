package inference

import "strings"

// endMarkers are chat control tokens a model may spell out in its reply.
var endMarkers = []string{
	"<|eot_id|>",
	"<|end_of_text|>",
	"<|endoftext|>",
	"<|start_header_id|>",
	"<|end_header_id|>",
	"</s>",
}

// SanitizeAssistantForContext cleans a streamed reply before it is stored
// in the history: reasoning blocks, chat markers and placeholder text for
// undecodable tokens are removed.
func SanitizeAssistantForContext(text string) string {
	s := stripBlocks(text, "<think>", "</think>")
	for _, marker := range endMarkers {
		s = strings.ReplaceAll(s, marker, "")
	}
	s = stripPlaceholders(s)
	return strings.TrimSpace(s)
}

// stripBlocks drops every openTag...closeTag span, matching tags case
// insensitively. An unclosed block swallows the rest of the text.
func stripBlocks(text, openTag, closeTag string) string {
	lower := strings.ToLower(text)
	var b strings.Builder
	cursor := 0
	for cursor < len(text) {
		start := strings.Index(lower[cursor:], openTag)
		if start < 0 {
			b.WriteString(text[cursor:])
			break
		}
		start += cursor
		b.WriteString(text[cursor:start])

		end := strings.Index(lower[start+len(openTag):], closeTag)
		if end < 0 {
			break
		}
		cursor = start + len(openTag) + end + len(closeTag)
	}
	return b.String()
}

// stripPlaceholders removes "<token N>" fragments.
func stripPlaceholders(text string) string {
	const prefix = "<token "
	var b strings.Builder
	for {
		i := strings.Index(text, prefix)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		j := i + len(prefix)
		for j < len(text) && text[j] >= '0' && text[j] <= '9' {
			j++
		}
		if j == i+len(prefix) || j >= len(text) || text[j] != '>' {
			b.WriteString(text[:i+len(prefix)])
			text = text[i+len(prefix):]
			continue
		}
		b.WriteString(text[:i])
		text = text[j+1:]
	}
}
