package terminal

import "strings"

// CommandPrefix marks a line as a command rather than chat.
const CommandPrefix = "/"

// ParseResult is one line of input split into a command and its arguments.
type ParseResult struct {
	// IsCommand is set when the line starts with CommandPrefix.
	IsCommand bool
	// Command is the first word without the prefix, lowercased.
	Command string
	// Args are the remaining words.
	Args []string
	// RawArgs is the text after the command with inner spacing kept.
	RawArgs string
	// Text is the trimmed line, used for chat.
	Text string
}

// Parse splits a line. Lines without the prefix are chat and only Text is set.
func Parse(line string) ParseResult {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, CommandPrefix) {
		return ParseResult{Text: line}
	}

	body := strings.TrimPrefix(line, CommandPrefix)
	res := ParseResult{IsCommand: true, Text: line}
	word, rest, _ := strings.Cut(body, " ")
	res.Command = strings.ToLower(word)
	res.RawArgs = strings.TrimSpace(rest)
	if res.RawArgs != "" {
		res.Args = strings.Fields(res.RawArgs)
	}
	return res
}
