package ai

import "strings"

// directiveMarker is the substring that shows a prompt already forbids ASCII art.
const directiveMarker = "Never respond with ASCII art"

// Directive is appended to system prompts that lack the marker.
const Directive = "\n\nIMPORTANT: Never respond with ASCII art or text banners. Keep responses direct and concise."

// AugmentSystemPrompt appends Directive unless system already carries it.
// Empty prompts stay empty.
func AugmentSystemPrompt(system string) string {
	if system == "" || strings.Contains(system, directiveMarker) {
		return system
	}
	return system + Directive
}
