package persona

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultID is the persona used when a request names none.
const DefaultID = "carnage"

// Persona captures an agent voice: label, immutable system prompt and
// post-processing policy.
type Persona struct {
	ID            string   `json:"id" yaml:"id"`
	Label         string   `json:"label" yaml:"label"`
	Title         string   `json:"title" yaml:"title"`
	Color         string   `json:"color,omitempty" yaml:"color"`
	Aliases       []string `json:"aliases,omitempty" yaml:"aliases"`
	StripASCIIArt bool     `json:"stripAsciiArt" yaml:"stripAsciiArt"`
	SystemPrompt  string   `json:"-" yaml:"systemPrompt"`
}

type personaFile struct {
	Personas []Persona `yaml:"personas"`
}

//go:embed personas.yaml
var seedYAML []byte

// Seed returns the built-in persona set.
func Seed() []Persona {
	items, err := Parse(seedYAML)
	if err != nil {
		panic(fmt.Sprintf("parsing embedded personas: %v", err))
	}
	return items
}

// LoadFile reads a persona set from a YAML file with the same layout as the
// embedded one.
func LoadFile(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading persona file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a persona document.
//
// Postcondition: every persona has a unique lowercase id, a label and a system prompt.
func Parse(data []byte) ([]Persona, error) {
	var doc personaFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding personas: %w", err)
	}
	if len(doc.Personas) == 0 {
		return nil, fmt.Errorf("persona document defines no personas")
	}

	seen := make(map[string]bool)
	for i := range doc.Personas {
		p := &doc.Personas[i]
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		p.SystemPrompt = strings.TrimSpace(p.SystemPrompt)
		if p.ID == "" {
			return nil, fmt.Errorf("persona %d has no id", i)
		}
		if p.Label == "" {
			p.Label = strings.ToUpper(p.ID)
		}
		if p.SystemPrompt == "" {
			return nil, fmt.Errorf("persona %q has no system prompt", p.ID)
		}
		names := append([]string{p.ID}, p.Aliases...)
		for j, name := range names {
			name = strings.ToLower(strings.TrimSpace(name))
			if seen[name] {
				return nil, fmt.Errorf("duplicate persona name %q", name)
			}
			seen[name] = true
			if j > 0 {
				p.Aliases[j-1] = name
			}
		}
	}
	return doc.Personas, nil
}
