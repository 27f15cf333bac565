package orchestrator

import (
	"regexp"
	"strings"
)

// DefaultCodeLanguages are the fence tags whose blocks are executed.
var DefaultCodeLanguages = []string{"repl", "python", "code"}

var fenceRe = regexp.MustCompile("(?s)```([A-Za-z0-9_+.-]*)[^\\n]*\\n(.*?)```")

// ExtractCodeBlocks returns, in order, the bodies of fenced blocks whose tag
// is one of langs (case-insensitive).
func ExtractCodeBlocks(text string, langs []string) []string {
	allowed := make(map[string]bool, len(langs))
	for _, l := range langs {
		allowed[strings.ToLower(l)] = true
	}

	var blocks []string
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if !allowed[strings.ToLower(m[1])] {
			continue
		}
		code := strings.TrimRight(m[2], " \t\n")
		if strings.TrimSpace(code) != "" {
			blocks = append(blocks, code)
		}
	}
	return blocks
}

// stripCodeBlocks removes every fenced block so markers inside code are not
// mistaken for answers.
func stripCodeBlocks(text string) string {
	return fenceRe.ReplaceAllString(text, "")
}

// FinalAnswerParser detects a terminal answer in a model turn.
type FinalAnswerParser interface {
	ParseFinal(text string) (answer string, ok bool)
}

// FinalAnswerFunc adapts a function to FinalAnswerParser.
type FinalAnswerFunc func(text string) (string, bool)

// ParseFinal calls f.
func (f FinalAnswerFunc) ParseFinal(text string) (string, bool) {
	return f(text)
}

// MarkerParser recognizes Marker(answer) at the start of a line outside
// fenced code. The answer ends at the parenthesis that balances the
// marker's own, so it may span lines and contain nested parentheses, and
// prose after it is ignored. If the parentheses never balance, the answer
// runs to the last ")" that ends a line.
type MarkerParser struct {
	Marker string
}

// DefaultFinalParser recognizes FINAL(answer).
var DefaultFinalParser FinalAnswerParser = MarkerParser{Marker: "FINAL"}

// ParseFinal implements FinalAnswerParser.
func (p MarkerParser) ParseFinal(text string) (string, bool) {
	prose := stripCodeBlocks(text)
	open := p.Marker + "("

	offset := 0
	for _, line := range strings.SplitAfter(prose, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, open) {
			start := offset + len(line) - len(trimmed) + len(open)
			answer, ok := closeMarker(prose[start:])
			if !ok {
				return "", false
			}
			return strings.TrimSpace(answer), true
		}
		offset += len(line)
	}
	return "", false
}

// closeMarker returns rest up to the ")" matching an already consumed "(".
func closeMarker(rest string) (string, bool) {
	depth := 1
	for i, r := range rest {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return rest[:i], true
			}
		}
	}

	end := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == ')' && endsLine(rest[i+1:]) {
			end = i
		}
	}
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// endsLine reports whether s holds only blanks before a newline or the end.
func endsLine(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\r':
		case '\n':
			return true
		default:
			return false
		}
	}
	return true
}
