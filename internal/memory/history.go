// Package memory provides bounded conversation memory: a persisted log of
// user/assistant exchanges, importance-weighted trimming to a token
// budget, periodic identity reinforcement, and assembly of the outbound
// request text.
package memory

import (
	"fmt"
	"strings"
)

const (
	userPrefix      = "User: "
	assistantPrefix = "Assistant: "

	// escapePrefix guards continuation lines that would otherwise read
	// as the start of a turn.
	escapePrefix = `\`

	// exchangeSeparator separates serialized exchanges (and the optional
	// leading marker line) in the history file.
	exchangeSeparator = "\n\n"
)

// Exchange is one user message and the assistant reply to it.
type Exchange struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// String renders the exchange in its persisted two-line form.
// Continuation lines that begin with a turn prefix or a backslash gain a
// leading backslash, which Parse strips.
func (e Exchange) String() string {
	return userPrefix + escapeTurn(e.User) + "\n" + assistantPrefix + escapeTurn(e.Assistant)
}

func escapeTurn(text string) string {
	if !strings.Contains(text, "\n") {
		return text
	}
	lines := strings.Split(text, "\n")
	for i := 1; i < len(lines); i++ {
		if needsEscape(lines[i]) {
			lines[i] = escapePrefix + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

func needsEscape(line string) bool {
	return strings.HasPrefix(line, userPrefix) ||
		strings.HasPrefix(line, assistantPrefix) ||
		strings.HasPrefix(line, escapePrefix)
}

// unescapeLines reverses escapeTurn for the continuation lines of one turn.
func unescapeLines(lines []string) []string {
	out := make([]string, len(lines))
	copy(out, lines)
	for i := 1; i < len(out); i++ {
		out[i] = strings.TrimPrefix(out[i], escapePrefix)
	}
	return out
}

// History is an ordered conversation log. Slice order is chronological
// order. Marker is an optional single line that precedes the exchanges;
// trimming uses it to note context that did not fit.
type History struct {
	Marker    string
	Exchanges []Exchange
}

// IsEmpty reports whether the history has neither exchanges nor a marker.
func (h History) IsEmpty() bool {
	return h.Marker == "" && len(h.Exchanges) == 0
}

// Len returns the number of exchanges.
func (h History) Len() int {
	return len(h.Exchanges)
}

// Serialize renders the history as alternating User/Assistant blocks
// separated by blank lines.
func (h History) Serialize() string {
	parts := make([]string, 0, len(h.Exchanges)+1)
	if h.Marker != "" {
		parts = append(parts, h.Marker)
	}
	for _, ex := range h.Exchanges {
		parts = append(parts, ex.String())
	}
	return strings.Join(parts, exchangeSeparator)
}

// clone returns a history whose exchange slice does not alias h.
func (h History) clone() History {
	out := History{Marker: h.Marker}
	if len(h.Exchanges) > 0 {
		out.Exchanges = make([]Exchange, len(h.Exchanges))
		copy(out.Exchanges, h.Exchanges)
	}
	return out
}

// ParseError reports exchange blocks that Parse skipped because they had
// no "Assistant: " line. It is informational: the History returned
// alongside it holds every well-formed exchange.
type ParseError struct {
	// Lines holds the 1-based line number where each skipped block began.
	Lines []int
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("skipped %d malformed exchange(s) starting at line(s) %v", len(e.Lines), e.Lines)
}

// Parse reads the persisted history format. Text before the first
// "User: " line becomes the marker. A new exchange begins at every line
// starting with "User: "; the first "Assistant: " line inside it starts
// the reply. A leading backslash on any other line is an escape and is
// removed. Blocks without a reply are skipped and reported through a
// *ParseError, while the returned History is still valid.
func Parse(text string) (History, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var h History
	var preamble []string
	var block []string
	blockStart := 0
	var skipped []int

	flush := func() {
		if block == nil {
			return
		}
		ex, ok := parseBlock(block)
		if ok {
			h.Exchanges = append(h.Exchanges, ex)
		} else {
			skipped = append(skipped, blockStart)
		}
		block = nil
	}

	for i, line := range lines {
		if strings.HasPrefix(line, userPrefix) {
			flush()
			block = []string{line}
			blockStart = i + 1
			continue
		}
		if block == nil {
			preamble = append(preamble, line)
			continue
		}
		block = append(block, line)
	}
	flush()

	h.Marker = strings.TrimSpace(strings.Join(preamble, "\n"))

	if len(skipped) > 0 {
		return h, &ParseError{Lines: skipped}
	}
	return h, nil
}

// parseBlock splits one "User: ..." block at its first "Assistant: " line.
func parseBlock(block []string) (Exchange, bool) {
	for j := 1; j < len(block); j++ {
		if !strings.HasPrefix(block[j], assistantPrefix) {
			continue
		}
		user := strings.Join(unescapeLines(block[:j]), "\n")
		assistant := strings.Join(unescapeLines(block[j:]), "\n")
		return Exchange{
			User:      strings.TrimRight(strings.TrimPrefix(user, userPrefix), "\n"),
			Assistant: strings.TrimRight(strings.TrimPrefix(assistant, assistantPrefix), "\n"),
		}, true
	}
	return Exchange{}, false
}
