package terminal

import (
	"fmt"
	"sort"
	"strings"
)

// Registry maps command names and aliases to commands.
type Registry struct {
	commands map[string]*Command
	aliases  map[string]string
}

// NewRegistry indexes cmds. Names and aliases are case-insensitive and must
// not collide.
func NewRegistry(cmds []Command) (*Registry, error) {
	r := &Registry{
		commands: make(map[string]*Command, len(cmds)),
		aliases:  make(map[string]string),
	}
	for i := range cmds {
		cmd := &cmds[i]
		cmd.Name = strings.ToLower(cmd.Name)
		if cmd.Name == "" {
			return nil, fmt.Errorf("command %d has no name", i)
		}
		if _, exists := r.commands[cmd.Name]; exists {
			return nil, fmt.Errorf("duplicate command name: %q", cmd.Name)
		}
		if owner, exists := r.aliases[cmd.Name]; exists {
			return nil, fmt.Errorf("command name %q conflicts with an alias of %q", cmd.Name, owner)
		}
		r.commands[cmd.Name] = cmd

		for j, alias := range cmd.Aliases {
			alias = strings.ToLower(alias)
			cmd.Aliases[j] = alias
			if _, exists := r.commands[alias]; exists {
				return nil, fmt.Errorf("alias %q conflicts with a command name", alias)
			}
			if owner, exists := r.aliases[alias]; exists {
				return nil, fmt.Errorf("duplicate alias %q: used by %q and %q", alias, owner, cmd.Name)
			}
			r.aliases[alias] = cmd.Name
		}
	}
	return r, nil
}

// Resolve looks a command up by name or alias.
func (r *Registry) Resolve(name string) (*Command, bool) {
	name = strings.ToLower(name)
	if cmd, ok := r.commands[name]; ok {
		return cmd, true
	}
	if canonical, ok := r.aliases[name]; ok {
		return r.commands[canonical], true
	}
	return nil, false
}

// Commands returns every command sorted by name.
func (r *Registry) Commands() []*Command {
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CommandsByCategory groups commands, each group sorted by name.
func (r *Registry) CommandsByCategory() map[string][]*Command {
	groups := make(map[string][]*Command)
	for _, cmd := range r.Commands() {
		groups[cmd.Category] = append(groups[cmd.Category], cmd)
	}
	return groups
}

// Help renders the command table.
func (r *Registry) Help() string {
	var b strings.Builder
	b.WriteString("AVAILABLE COMMANDS:\n")
	groups := r.CommandsByCategory()
	for _, category := range categoryOrder {
		cmds := groups[category]
		if len(cmds) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s COMMANDS:\n", strings.ToUpper(category))
		for _, cmd := range cmds {
			usage := CommandPrefix + cmd.Name
			if cmd.Args != "" {
				usage += " " + cmd.Args
			}
			fmt.Fprintf(&b, "%s - %s", usage, cmd.Help)
			if len(cmd.Aliases) > 0 {
				fmt.Fprintf(&b, " (also %s%s)", CommandPrefix, strings.Join(cmd.Aliases, ", "+CommandPrefix))
			}
			b.WriteByte('\n')
		}
	}
	b.WriteString("\nAnything else is sent as chat, or to the default agent when you are not in a session.")
	return b.String()
}
