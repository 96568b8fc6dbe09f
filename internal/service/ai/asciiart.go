package ai

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	fence = "```"
	// symbolRatio is the share of non-alphanumeric, non-space characters above
	// which a fenced block counts as art rather than code.
	symbolRatio = 0.3
	// maxSymbolRun is the longest run of one repeated symbol that survives.
	maxSymbolRun = 3
)

const artSymbols = "|_-\\/[]{}=+#@$%^&*()`~"

var blankRuns = regexp.MustCompile(`\n{3,}`)

// StripASCIIArt removes banner-style decoration from model output:
// symbol-heavy fenced blocks, lines made only of symbols, and runs of more
// than three identical symbols. Fenced blocks that look like code are kept
// verbatim. Blank line runs collapse to one blank line.
func StripASCIIArt(text string) string {
	var b strings.Builder
	rest := text
	for {
		open := strings.Index(rest, fence)
		if open < 0 {
			b.WriteString(cleanProse(rest))
			break
		}
		closeAt := strings.Index(rest[open+len(fence):], fence)
		if closeAt < 0 {
			b.WriteString(cleanProse(rest))
			break
		}
		b.WriteString(cleanProse(rest[:open]))

		end := open + len(fence) + closeAt + len(fence)
		body := rest[open+len(fence) : end-len(fence)]
		if !symbolHeavy(body) {
			b.WriteString(rest[open:end])
		}
		rest = rest[end:]
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(b.String(), "\n\n"))
}

func symbolHeavy(body string) bool {
	total, symbols := 0, 0
	for _, r := range body {
		total++
		if !isASCIIAlnum(r) && !unicode.IsSpace(r) {
			symbols++
		}
	}
	return float64(symbols) > float64(total)*symbolRatio
}

func cleanProse(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = dropSymbolRuns(line)
		if symbolOnly(line) {
			line = ""
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// symbolOnly reports whether line has no content besides whitespace and art symbols.
func symbolOnly(line string) bool {
	seen := false
	for _, r := range line {
		switch {
		case unicode.IsSpace(r):
		case strings.ContainsRune(artSymbols, r):
			seen = true
		default:
			return false
		}
	}
	return seen || (line != "" && strings.TrimSpace(line) == "")
}

// dropSymbolRuns removes runs of more than maxSymbolRun identical art
// symbols, repeating until removal creates no new run.
func dropSymbolRuns(line string) string {
	for {
		out, changed := dropSymbolRunsOnce(line)
		if !changed {
			return out
		}
		line = out
	}
}

func dropSymbolRunsOnce(line string) (string, bool) {
	runes := []rune(line)
	var b strings.Builder
	changed := false
	for i := 0; i < len(runes); {
		j := i + 1
		for j < len(runes) && runes[j] == runes[i] {
			j++
		}
		if j-i > maxSymbolRun && strings.ContainsRune(artSymbols, runes[i]) {
			changed = true
		} else {
			b.WriteString(string(runes[i:j]))
		}
		i = j
	}
	return b.String(), changed
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
