// Package terminal turns input lines into session operations and agent
// prompts for the line-based client.
package terminal

import (
	"sort"

	"github.com/zhouzirui/carnage/backend/internal/model/persona"
)

// Categories used to group help output.
const (
	CategoryChat        = "chat"
	CategoryMultiplayer = "multiplayer"
	CategoryDiagnostic  = "diagnostic"
	CategorySystem      = "system"
)

var categoryOrder = []string{CategoryChat, CategoryMultiplayer, CategoryDiagnostic, CategorySystem}

// Handler identifiers.
const (
	HandlerHelp    = "help"
	HandlerPersona = "persona"
	HandlerName    = "name"
	HandlerCreate  = "create"
	HandlerJoin    = "join"
	HandlerLeave   = "leave"
	HandlerUsers   = "users"
	HandlerClear   = "clear"
	HandlerTest    = "test"
	HandlerAPI     = "api"
	HandlerQuit    = "quit"
)

// Command is one entry of the command table.
type Command struct {
	Name     string
	Aliases  []string
	Args     string
	Help     string
	Category string
	Handler  string
	// Persona is set for persona commands.
	Persona string
}

// BuiltinCommands returns the fixed commands plus one command per persona,
// named after the persona id and carrying its aliases.
func BuiltinCommands(personas persona.Store) []Command {
	cmds := []Command{
		{Name: "help", Aliases: []string{"?"}, Help: "Show this help message", Category: CategoryChat, Handler: HandlerHelp},

		{Name: "create", Help: "Create a new session", Category: CategoryMultiplayer, Handler: HandlerCreate},
		{Name: "join", Args: "[id]", Help: "Join a session", Category: CategoryMultiplayer, Handler: HandlerJoin},
		{Name: "leave", Help: "Leave the current session", Category: CategoryMultiplayer, Handler: HandlerLeave},
		{Name: "name", Args: "[username]", Help: "Set your username", Category: CategoryMultiplayer, Handler: HandlerName},
		{Name: "users", Aliases: []string{"who"}, Help: "List the members of the current session", Category: CategoryMultiplayer, Handler: HandlerUsers},

		{Name: "test", Help: "Test API connection", Category: CategoryDiagnostic, Handler: HandlerTest},
		{Name: "api", Help: "Check base API endpoint", Category: CategoryDiagnostic, Handler: HandlerAPI},

		{Name: "clear", Aliases: []string{"cls"}, Help: "Clear the screen", Category: CategorySystem, Handler: HandlerClear},
		{Name: "quit", Aliases: []string{"exit"}, Help: "Leave the session and exit", Category: CategorySystem, Handler: HandlerQuit},
	}
	if personas == nil {
		return cmds
	}
	items := personas.List()
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	for _, p := range items {
		cmds = append(cmds, Command{
			Name:     p.ID,
			Aliases:  append([]string(nil), p.Aliases...),
			Args:     "[message]",
			Help:     "Ask " + p.Label,
			Category: CategoryChat,
			Handler:  HandlerPersona,
			Persona:  p.ID,
		})
	}
	return cmds
}
