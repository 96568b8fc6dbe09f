package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/client/api"
	"github.com/zhouzirui/carnage/backend/internal/client/session"
	"github.com/zhouzirui/carnage/backend/internal/model/persona"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

// SessionClient is the part of session.Client the router drives.
type SessionClient interface {
	Create(ctx context.Context) error
	Join(ctx context.Context, sessionID string) error
	Leave(ctx context.Context) error
	Rename(ctx context.Context, username string) error
	SendMessage(ctx context.Context, text string, askAgent bool, personaID string) (session.SendResult, error)
	State() session.State
	Members() []session.MemberView
}

// Diagnostics backs /test and /api.
type Diagnostics interface {
	Test(ctx context.Context) (api.TestResult, error)
	BaseInfo(ctx context.Context) (json.RawMessage, error)
}

// Screen is where the router writes. Clear wipes the visible transcript.
type Screen interface {
	session.View
	Clear()
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDefaultPersona sets the persona answering plain chat outside a session.
func WithDefaultPersona(id string) RouterOption {
	return func(r *Router) {
		if id != "" {
			r.defaultPersona = id
		}
	}
}

// WithQuit sets the callback for /quit.
func WithQuit(fn func()) RouterOption {
	return func(r *Router) { r.quit = fn }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l *zap.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// Router dispatches input lines. Network work runs in the background so the
// input loop is never blocked by a slow request.
type Router struct {
	registry       *Registry
	session        SessionClient
	diag           Diagnostics
	asker          session.Asker
	personas       persona.Store
	screen         Screen
	defaultPersona string
	quit           func()
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu   sync.Mutex
	last string
}

// NewRouter builds a router whose command table includes one command per persona.
func NewRouter(sc SessionClient, diag Diagnostics, asker session.Asker, personas persona.Store, screen Screen, opts ...RouterOption) (*Router, error) {
	registry, err := NewRegistry(BuiltinCommands(personas))
	if err != nil {
		return nil, fmt.Errorf("building command table: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		registry:       registry,
		session:        sc,
		diag:           diag,
		asker:          asker,
		personas:       personas,
		screen:         screen,
		defaultPersona: persona.DefaultID,
		quit:           func() {},
		logger:         zap.NewNop(),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("terminal")
	return r, nil
}

// Registry exposes the command table.
func (r *Router) Registry() *Registry { return r.registry }

// Handle dispatches one line and returns without waiting for network calls.
func (r *Router) Handle(line string) {
	in := Parse(line)
	if in.Text == "" {
		return
	}

	r.mu.Lock()
	duplicate := in.Text == r.last
	r.last = in.Text
	r.mu.Unlock()
	if duplicate {
		r.system("Duplicate input ignored")
		return
	}

	if !in.IsCommand {
		r.chat(in.Text, false, r.defaultPersona)
		return
	}
	cmd, ok := r.registry.Resolve(in.Command)
	if !ok {
		r.system("Unknown command: %s%s", CommandPrefix, in.Command)
		return
	}
	r.dispatch(cmd, in)
}

func (r *Router) dispatch(cmd *Command, in ParseResult) {
	switch cmd.Handler {
	case HandlerHelp:
		r.system("%s", r.registry.Help())
	case HandlerPersona:
		if in.RawArgs == "" {
			r.system("Please provide a message for %s", r.label(cmd.Persona))
			return
		}
		r.chat(in.RawArgs, true, cmd.Persona)
	case HandlerName:
		if in.RawArgs == "" {
			r.system("Please provide a username")
			return
		}
		r.spawn("name", func(ctx context.Context) error { return r.session.Rename(ctx, in.RawArgs) })
	case HandlerCreate:
		r.spawn("create", r.session.Create)
	case HandlerJoin:
		if len(in.Args) == 0 {
			r.system("Please provide a session ID: %sjoin [id]", CommandPrefix)
			return
		}
		r.spawn("join", func(ctx context.Context) error { return r.session.Join(ctx, in.Args[0]) })
	case HandlerLeave:
		r.spawn("leave", r.session.Leave)
	case HandlerUsers:
		r.users()
	case HandlerClear:
		r.screen.Clear()
	case HandlerTest:
		r.spawn("test", r.test)
	case HandlerAPI:
		r.spawn("api", r.baseInfo)
	case HandlerQuit:
		r.quit()
	default:
		r.logger.Error("command without handler", zap.String("command", cmd.Name), zap.String("handler", cmd.Handler))
	}
}

// chat routes text to the session when there is one, else straight to the agent.
func (r *Router) chat(text string, askAgent bool, personaID string) {
	switch r.session.State().(type) {
	case session.InServerSession, session.InLocalSession:
		r.spawn("message", func(ctx context.Context) error {
			_, err := r.session.SendMessage(ctx, text, askAgent, personaID)
			return err
		})
	default:
		r.spawn("ask", func(ctx context.Context) error { return r.ask(ctx, text, personaID) })
	}
}

func (r *Router) ask(ctx context.Context, text, personaID string) error {
	p, ok := persona.Resolve(r.personas, personaID)
	if !ok {
		r.system("Unknown persona: %s", personaID)
		return apperr.Validation("unknown persona %q", personaID)
	}
	r.screen.Print(session.Line{Kind: session.LineUser, Text: "> " + text})
	r.screen.Print(session.Line{Kind: session.LineThinking, Persona: p.ID, Text: p.Label + " IS THINKING..."})

	answer, err := r.asker.Ask(ctx, text, p.ID)
	if err != nil {
		err = apperr.FromContext(err)
		r.system("API error: %s: %v", apperr.Kind(err), err)
		return err
	}
	r.screen.Print(session.Line{Kind: session.LineAgent, Persona: p.ID, Text: p.Label + ": " + answer})
	return nil
}

func (r *Router) users() {
	id := session.SessionID(r.session.State())
	if id == "" {
		r.system("Not in a session")
		return
	}
	members := r.session.Members()
	var b strings.Builder
	fmt.Fprintf(&b, "Users in session %s (%d):", id, len(members))
	for _, m := range members {
		b.WriteString("\n  - " + m.Username)
		if m.Self {
			b.WriteString(" (you)")
		}
	}
	r.system("%s", b.String())
}

func (r *Router) test(ctx context.Context) error {
	res, err := r.diag.Test(ctx)
	if err != nil {
		r.system("API test failed: %v", err)
		return err
	}
	r.system("API test: %s (%s)", res.Message, res.APIKey)
	return nil
}

func (r *Router) baseInfo(ctx context.Context) error {
	raw, err := r.diag.BaseInfo(ctx)
	if err != nil {
		r.system("Base API check failed: %v", err)
		return err
	}
	r.system("Base API response: %s", strings.TrimSpace(string(raw)))
	return nil
}

func (r *Router) label(personaID string) string {
	if p, ok := persona.Resolve(r.personas, personaID); ok {
		return p.Label
	}
	return strings.ToUpper(personaID)
}

// spawn runs fn in the background. Failures have already been shown to the
// user by the callee and are only logged here.
func (r *Router) spawn(name string, fn func(ctx context.Context) error) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		start := time.Now()
		if err := fn(r.ctx); err != nil {
			r.logger.Debug("command failed", zap.String("command", name), zap.Duration("took", time.Since(start)), zap.Error(err))
		}
	}()
}

// Wait blocks until background commands finish or ctx ends.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels outstanding commands and waits for them.
func (r *Router) Close() {
	r.cancel()
	r.tasks.Wait()
}

func (r *Router) system(format string, args ...any) {
	r.screen.Print(session.Line{Kind: session.LineSystem, Text: "SYSTEM: " + fmt.Sprintf(format, args...)})
}
