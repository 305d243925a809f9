package extractor

import (
	"regexp"
	"strings"
)

// Strategy is one step of the JSON recovery chain. It returns the rewritten
// input and whether it produced anything.
type Strategy func(string) (string, bool)

// Extractors locate a JSON object inside free text. The first hit wins.
var Extractors = []Strategy{extractFenced, extractBalanced, extractGreedy}

// Repairs are applied cumulatively, with a parse attempt after each one.
var Repairs = []Strategy{escapeControlInStrings, stripTrailingCommas, joinAdjacentValues, truncateToLastBalanced}

var (
	fencedRe = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)```")
	greedyRe = regexp.MustCompile(`(?s)\{.*\}`)
)

func extractFenced(s string) (string, bool) {
	m := fencedRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	body := strings.TrimSpace(m[1])
	return body, body != ""
}

// extractBalanced returns the object starting at the first '{' whose braces
// close, ignoring braces inside string literals.
func extractBalanced(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inStr, esc := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func extractGreedy(s string) (string, bool) {
	m := greedyRe.FindString(s)
	return m, m != ""
}

// escapeControlInStrings escapes raw newlines and tabs inside string
// literals and drops other control characters there.
func escapeControlInStrings(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s) + 16)
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if esc {
				esc = false
				b.WriteByte(ch)
				continue
			}
			switch {
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			case ch == '\n':
				b.WriteString(`\n`)
				continue
			case ch == '\t':
				b.WriteString(`\t`)
				continue
			case ch < 0x20:
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if ch == '"' {
			inStr = true
		}
		b.WriteByte(ch)
	}
	out := b.String()
	return out, out != s
}

// stripTrailingCommas removes a comma that directly precedes '}' or ']'.
func stripTrailingCommas(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	changed := false
	scan(s, func(i int, ch byte, inStr bool) {
		if !inStr && ch == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				changed = true
				return
			}
		}
		b.WriteByte(ch)
	})
	return b.String(), changed
}

// joinAdjacentValues inserts the missing comma in "}{" and between two
// string values separated only by a line break.
func joinAdjacentValues(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s) + 8)
	changed := false
	inStr, esc := false, false
	var prev byte // last significant byte outside a string
	newline := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inStr {
			b.WriteByte(ch)
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
				prev = '"'
				newline = false
			}
			continue
		}
		switch {
		case isSpace(ch):
			if ch == '\n' {
				newline = true
			}
			b.WriteByte(ch)
			continue
		case ch == '{' && prev == '}':
			b.WriteByte(',')
			changed = true
		case ch == '"' && prev == '"' && newline:
			b.WriteByte(',')
			changed = true
		}
		b.WriteByte(ch)
		if ch == '"' {
			inStr = true
		}
		prev = ch
		newline = false
	}
	return b.String(), changed
}

// truncateToLastBalanced cuts an unterminated document back to the last
// point where the top-level object closed.
func truncateToLastBalanced(s string) (string, bool) {
	depth, lastValid := 0, 0
	scan(s, func(i int, ch byte, inStr bool) {
		if inStr {
			return
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				lastValid = i + 1
			}
		}
	})
	if depth > 0 && lastValid > 0 {
		return s[:lastValid], true
	}
	return s, false
}

// scan walks s byte by byte reporting whether each byte sits inside a
// string literal. Quotes that open and close a string are reported with
// inStr true.
func scan(s string, fn func(i int, ch byte, inStr bool)) {
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inStr {
			fn(i, ch, true)
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		if ch == '"' {
			inStr = true
			fn(i, ch, true)
			continue
		}
		fn(i, ch, false)
	}
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\r' || ch == '\t'
}
