// Package session is the client-side session engine: it decides which session
// this client is in and who else is in it, from HTTP answers, broadcast events
// and a reconciliation poll.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/broadcast"
	"github.com/zhouzirui/carnage/backend/internal/client/api"
	"github.com/zhouzirui/carnage/backend/internal/model/chat"
	"github.com/zhouzirui/carnage/backend/internal/model/persona"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

const (
	// DefaultPollInterval is the reconciliation period for server sessions.
	DefaultPollInterval = 5 * time.Second
	// DefaultLocalReplyDelay is the minimum time before an agent answer shows
	// up in a local session.
	DefaultLocalReplyDelay = 800 * time.Millisecond

	dedupeCapacity = 512
)

// ErrClosed is returned by operations started after Close.
var ErrClosed = errors.New("session client closed")

// Backend is the session API the client drives.
type Backend interface {
	Create(ctx context.Context) (api.CreateResult, error)
	Join(ctx context.Context, sessionID, clientID, username string) (api.JoinResult, error)
	Leave(ctx context.Context, sessionID, clientID string) (api.LeaveResult, error)
	Get(ctx context.Context, sessionID string) (chat.Summary, error)
	Rename(ctx context.Context, sessionID, clientID, username string) (api.RenameResult, error)
	PostMessage(ctx context.Context, req api.MessageRequest) (api.MessageResult, error)
}

// Asker answers agent prompts when the server cannot.
type Asker interface {
	Ask(ctx context.Context, text, personaID string) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithClientID fixes the client id instead of generating one.
func WithClientID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.clientID = id
		}
	}
}

// WithUsername sets the initial username.
func WithUsername(name string) Option {
	return func(c *Client) { c.username = name }
}

// WithPollInterval sets the reconciliation period. Zero or less disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithLocalReplyDelay sets the minimum perceived latency of local agent answers.
func WithLocalReplyDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.localDelay = d
		}
	}
}

// WithIDGenerator replaces uuid generation for message and request ids.
func WithIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client is the per-terminal session state machine. Its methods are safe for
// concurrent use; network calls are made without holding the state lock.
type Client struct {
	backend   Backend
	transport broadcast.Transport
	asker     Asker
	personas  persona.Store
	view      View
	logger    *zap.Logger

	pollInterval time.Duration
	localDelay   time.Duration
	newID        func() string

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	// reconcileMu keeps a rejoin from racing the server-side leave.
	reconcileMu sync.Mutex

	mu       sync.Mutex
	state    State
	gen      uint64
	clientID string
	username string
	members  map[string]string
	handle   broadcast.Handle
	stopPoll context.CancelFunc
	thinking map[string]Indicator
	seen     *seenSet
	lost     bool
	closed   bool
}

// New builds a disconnected client.
func New(backend Backend, transport broadcast.Transport, asker Asker, personas persona.Store, view View, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		backend:      backend,
		transport:    transport,
		asker:        asker,
		personas:     personas,
		view:         view,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
		localDelay:   DefaultLocalReplyDelay,
		newID:        uuid.NewString,
		ctx:          ctx,
		cancel:       cancel,
		state:        Disconnected{},
		thinking:     make(map[string]Indicator),
		seen:         newSeenSet(dedupeCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.view == nil {
		c.view = ViewFunc(func(Line) {})
	}
	if c.personas == nil {
		c.personas = persona.NewMemoryStore(persona.Seed())
	}
	if c.clientID == "" {
		c.clientID = c.newID()
	}
	if name, err := chat.NormalizeUsername(c.username); err == nil {
		c.username = name
	} else {
		c.username = chat.DefaultUsername(c.clientID)
	}
	c.logger = c.logger.Named("session-client").With(zap.String("client", c.clientID))
	return c
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase is shorthand for State().Phase().
func (c *Client) Phase() Phase { return c.State().Phase() }

// ClientID returns this client's id.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Username returns the current username.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Members returns the member list sorted by username.
func (c *Client) Members() []MemberView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MemberView, 0, len(c.members))
	for id, name := range c.members {
		out = append(out, MemberView{ClientID: id, Username: name, Self: id == c.clientID})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// Thinking returns the active thinking indicators, oldest first.
func (c *Client) Thinking() []Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Indicator, 0, len(c.thinking))
	for _, ind := range c.thinking {
		out = append(out, ind)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// Create asks the server for a new session and joins it. When the server is
// unavailable the client starts a local session instead.
func (c *Client) Create(ctx context.Context) error {
	gen, err := c.beginConnect(ctx, "")
	if err != nil {
		return err
	}
	defer c.endConnect(gen)

	c.system("Creating session...")
	created, err := c.backend.Create(ctx)
	if err != nil {
		if api.IsServerUnavailable(err) {
			c.enterLocal(gen, c.localID(), fmt.Sprintf("server unavailable: %v", err))
			return nil
		}
		c.system("Error creating session (%s): %v", apperr.Kind(err), err)
		return err
	}
	return c.join(ctx, gen, created.SessionID)
}

// Join enters sessionID. Ids are validated before any network call. A
// session the server does not know, or a server that cannot answer, yields a
// local session with that id.
func (c *Client) Join(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if err := chat.ValidateSessionID(sessionID); err != nil {
		c.system("Invalid session ID: %v", err)
		return err
	}
	gen, err := c.beginConnect(ctx, sessionID)
	if err != nil {
		return err
	}
	defer c.endConnect(gen)

	c.system("Joining session %s...", sessionID)
	return c.join(ctx, gen, sessionID)
}

func (c *Client) join(ctx context.Context, gen uint64, sessionID string) error {
	c.mu.Lock()
	clientID, username := c.clientID, c.username
	c.mu.Unlock()

	res, err := c.backend.Join(ctx, sessionID, clientID, username)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		c.enterLocal(gen, sessionID, "session not found on server")
		return nil
	case api.IsServerUnavailable(err):
		c.enterLocal(gen, sessionID, fmt.Sprintf("server unavailable: %v", err))
		return nil
	case err != nil:
		c.system("Error joining session (%s): %v", apperr.Kind(err), err)
		return err
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	c.clientID = res.ClientID
	c.username = res.Username
	c.members = make(map[string]string, len(res.Members))
	for id, m := range res.Members {
		c.members[id] = m.Username
	}
	self := broadcast.Member{ClientID: res.ClientID, Username: res.Username}
	c.mu.Unlock()

	live := false
	if c.transport != nil {
		handle, err := c.transport.Subscribe(ctx, chat.ChannelName(res.SessionID), self, c.handlers(gen, res.SessionID))
		if err != nil {
			c.logger.Warn("subscribe failed", zap.String("session", res.SessionID), zap.Error(err))
		} else {
			c.mu.Lock()
			if gen == c.gen {
				c.handle = handle
				live = true
				handle = nil
			}
			c.mu.Unlock()
			if handle != nil {
				_ = handle.Unsubscribe()
			}
		}
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	c.state = InServerSession{SessionID: res.SessionID, Live: live}
	c.lost = false
	pollCtx, stop := context.WithCancel(c.ctx)
	c.stopPoll = stop
	c.mu.Unlock()

	c.system("You joined session %s as %s", res.SessionID, res.Username)
	if !live && c.transport != nil {
		c.system("Live updates unavailable; the member list refreshes every %s", c.pollInterval)
	}
	c.startPoll(pollCtx, gen)
	c.logger.Info("joined session", zap.String("session", res.SessionID), zap.Bool("live", live))
	return nil
}

// beginConnect claims the connect guard and tears down the current session,
// if any. It returns the generation owning the attempt.
func (c *Client) beginConnect(ctx context.Context, target string) (uint64, error) {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	switch c.state.(type) {
	case Connecting, LeavingSession:
		c.mu.Unlock()
		c.system("Already connecting to a session, please wait")
		return 0, apperr.ErrAlreadyConnecting
	}
	prev := c.state
	handle := c.detachLocked()
	c.state = Connecting{Target: target}
	gen := c.gen
	c.mu.Unlock()

	if id := SessionID(prev); id != "" {
		c.teardown(ctx, prev, handle)
		c.system("You left session %s", id)
	}
	return gen, nil
}

// endConnect releases the guard if the attempt never reached a session state.
func (c *Client) endConnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if _, ok := c.state.(Connecting); ok {
		c.state = Disconnected{}
		c.members = nil
	}
}

// detachLocked invalidates the current generation and hands back the live
// subscription for the caller to release outside the lock.
func (c *Client) detachLocked() broadcast.Handle {
	c.gen++
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
	handle := c.handle
	c.handle = nil
	clear(c.thinking)
	c.seen.reset()
	return handle
}

// teardown releases a previous session. Server-side leave is best effort.
func (c *Client) teardown(ctx context.Context, prev State, handle broadcast.Handle) {
	if handle != nil {
		_ = handle.Unsubscribe()
	}
	server, ok := prev.(InServerSession)
	if !ok {
		return
	}
	c.mu.Lock()
	clientID := c.clientID
	c.mu.Unlock()
	if _, err := c.backend.Leave(ctx, server.SessionID, clientID); err != nil {
		c.logger.Warn("server leave failed", zap.String("session", server.SessionID), zap.Error(err))
		c.system("Server did not confirm leaving %s: %v", server.SessionID, err)
	}
}

func (c *Client) enterLocal(gen uint64, sessionID, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = InLocalSession{SessionID: sessionID, Reason: reason}
	c.members = map[string]string{c.clientID: c.username}
	c.mu.Unlock()

	c.logger.Info("local session", zap.String("session", sessionID), zap.String("reason", reason))
	c.system("Started LOCAL session %s (%s). Only you can see this session.", sessionID, reason)
}

func (c *Client) localID() string {
	id := strings.ReplaceAll(c.newID(), "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return chat.LocalSessionPrefix + id
}

// Leave exits the current session. Local state is always cleared, even when
// the server does not acknowledge.
func (c *Client) Leave(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	c.mu.Lock()
	prev := c.state
	id := SessionID(prev)
	switch prev.(type) {
	case InServerSession, InLocalSession:
	case Connecting:
		c.mu.Unlock()
		c.system("Still connecting, try again in a moment")
		return apperr.ErrAlreadyConnecting
	default:
		c.mu.Unlock()
		c.system("Not in a session")
		return apperr.ErrNotInSession
	}
	handle := c.detachLocked()
	c.state = LeavingSession{SessionID: id}
	c.mu.Unlock()

	c.teardown(ctx, prev, handle)

	c.mu.Lock()
	c.state = Disconnected{}
	c.members = nil
	c.mu.Unlock()

	c.system("You left session %s", id)
	c.logger.Info("left session", zap.String("session", id))
	return nil
}

// SendMessage echoes text locally, then delivers it according to the state.
// With askAgent the persona answers: directly in a local session, through the
// server relay otherwise.
func (c *Client) SendMessage(ctx context.Context, text string, askAgent bool, personaID string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, apperr.Validation("message is empty")
	}
	var agent persona.Persona
	if askAgent {
		p, ok := persona.Resolve(c.personas, personaID)
		if !ok {
			return SendResult{}, apperr.Validation("unknown persona %q", personaID)
		}
		agent = p
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return SendResult{}, ErrClosed
	}
	state := c.state
	gen := c.gen
	clientID, username := c.clientID, c.username
	handle := c.handle
	messageID := c.newID()
	c.seen.add(messageID)
	c.mu.Unlock()

	res := SendResult{MessageID: messageID}
	if askAgent {
		res.RequestID = c.newID()
	}

	switch st := state.(type) {
	case InLocalSession:
		res.Mode = ModeLocal
		c.print(Line{Kind: LineUser, Text: username + ": " + text})
		if askAgent {
			c.startThinking(gen, Indicator{RequestID: res.RequestID, Persona: agent.ID, ClientID: clientID})
			c.spawn(func(ctx context.Context) { c.answerLocally(ctx, gen, res.RequestID, text, agent) })
		}
		return res, nil
	case InServerSession:
		res.Mode = ModeServer
		c.print(Line{Kind: LineUser, Text: username + ": " + text})
		return c.sendToServer(ctx, gen, st.SessionID, clientID, username, handle, text, agent, res)
	default:
		c.system("Not in a session. Create or join a session first.")
		return SendResult{}, apperr.ErrNotInSession
	}
}

func (c *Client) sendToServer(ctx context.Context, gen uint64, sessionID, clientID, username string, handle broadcast.Handle, text string, agent persona.Persona, res SendResult) (SendResult, error) {
	askAgent := res.RequestID != ""
	if askAgent {
		c.startThinking(gen, Indicator{RequestID: res.RequestID, Persona: agent.ID, ClientID: clientID})
	}

	posted, err := c.backend.PostMessage(ctx, api.MessageRequest{
		SessionID: sessionID,
		ClientID:  clientID,
		Message:   text,
		MessageID: res.MessageID,
		AskAgent:  askAgent,
		PersonaID: agent.ID,
		RequestID: res.RequestID,
	})
	if err == nil {
		res.Logged = true
		res.Broadcast = posted.Broadcast
		if !posted.Broadcast {
			res.Broadcast = c.publishDirect(ctx, handle, c.userMessage(sessionID, clientID, username, text, res.MessageID))
		}
		return res, nil
	}

	// The log missed the line; reach already subscribed members directly.
	c.logger.Warn("message not logged", zap.String("session", sessionID), zap.Error(err))
	res.Broadcast = c.publishDirect(ctx, handle, c.userMessage(sessionID, clientID, username, text, res.MessageID))
	if res.Broadcast {
		c.system("Message not saved on server (%v); delivered to live members only", err)
	} else {
		c.system("Error sending message (%s): %v", apperr.Kind(err), err)
	}

	if askAgent {
		c.publishDirect(ctx, handle, broadcast.Thinking{
			SessionID: sessionID,
			ClientID:  clientID,
			Persona:   agent.ID,
			RequestID: res.RequestID,
		})
		c.spawn(func(ctx context.Context) {
			c.answerDirect(ctx, gen, sessionID, clientID, handle, res.RequestID, text, agent)
		})
	}
	if !res.Broadcast && !askAgent {
		return res, err
	}
	return res, nil
}

func (c *Client) userMessage(sessionID, clientID, username, text, messageID string) broadcast.UserMessage {
	return broadcast.UserMessage{
		SessionID: sessionID,
		MessageID: messageID,
		ClientID:  clientID,
		Username:  username,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// publishDirect is best effort: failures are logged and reported as false.
func (c *Client) publishDirect(ctx context.Context, handle broadcast.Handle, ev broadcast.Event) bool {
	if handle == nil {
		return false
	}
	if err := handle.Publish(ctx, ev); err != nil {
		c.logger.Warn("direct publish failed", zap.String("event", ev.EventName()), zap.Error(err))
		return false
	}
	return true
}

// answerLocally asks the persona and shows the answer no sooner than the
// local reply delay.
func (c *Client) answerLocally(ctx context.Context, gen uint64, requestID, text string, agent persona.Persona) {
	start := time.Now()
	answer, err := c.ask(ctx, text, agent.ID)
	if wait := c.localDelay - time.Since(start); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
	if err != nil {
		c.finishThinking(gen, requestID, Line{Kind: LineSystem, Persona: agent.ID, Text: agentError(agent.Label, apperr.Kind(err), err.Error())})
		return
	}
	c.finishThinking(gen, requestID, Line{Kind: LineAgent, Persona: agent.ID, Text: agent.Label + ": " + answer})
}

// answerDirect runs the agent request on this client when the server relay
// could not take it, and publishes the outcome under the same request id.
func (c *Client) answerDirect(ctx context.Context, gen uint64, sessionID, clientID string, handle broadcast.Handle, requestID, text string, agent persona.Persona) {
	answer, err := c.ask(ctx, text, agent.ID)
	if err != nil {
		err = apperr.FromContext(err)
		kind := apperr.Kind(err)
		c.publishDirect(ctx, handle, broadcast.ClaudeError{
			SessionID: sessionID,
			ClientID:  clientID,
			Persona:   agent.ID,
			RequestID: requestID,
			Kind:      kind,
			Message:   err.Error(),
		})
		c.finishThinking(gen, requestID, Line{Kind: LineSystem, Persona: agent.ID, Text: agentError(agent.Label, kind, err.Error())})
		return
	}
	c.publishDirect(ctx, handle, broadcast.ClaudeResponse{
		SessionID: sessionID,
		ClientID:  clientID,
		Persona:   agent.ID,
		RequestID: requestID,
		Text:      answer,
		Timestamp: time.Now().UTC(),
	})
	c.finishThinking(gen, requestID, Line{Kind: LineAgent, Persona: agent.ID, Text: agent.Label + ": " + answer})
}

func (c *Client) ask(ctx context.Context, text, personaID string) (string, error) {
	if c.asker == nil {
		return "", fmt.Errorf("%w: no agent configured", apperr.ErrMisconfigured)
	}
	return c.asker.Ask(ctx, text, personaID)
}

func agentError(label, kind, message string) string {
	return fmt.Sprintf("SYSTEM: %s error (%s): %s", label, kind, message)
}

// startThinking shows an indicator unless one for the request already exists.
func (c *Client) startThinking(gen uint64, ind Indicator) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if _, exists := c.thinking[ind.RequestID]; exists || c.seen.has(doneKey(ind.RequestID)) {
		c.mu.Unlock()
		return
	}
	ind.Since = time.Now()
	c.thinking[ind.RequestID] = ind
	c.mu.Unlock()
	c.print(Line{Kind: LineThinking, Persona: ind.Persona, Text: c.label(ind.Persona) + " IS THINKING..."})
}

// finishThinking clears the indicator for requestID only and prints the
// outcome once per request.
func (c *Client) finishThinking(gen uint64, requestID string, line Line) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	delete(c.thinking, requestID)
	fresh := requestID == "" || c.seen.add(doneKey(requestID))
	c.mu.Unlock()
	if fresh {
		c.print(line)
	}
}

func doneKey(requestID string) string { return "done:" + requestID }

func (c *Client) label(personaID string) string {
	if p, ok := persona.Resolve(c.personas, personaID); ok {
		return p.Label
	}
	return strings.ToUpper(personaID)
}

// Rename changes the username locally first, then tells the server. When the
// server cannot take it the change is announced as a plain system message.
func (c *Client) Rename(ctx context.Context, username string) error {
	name, err := chat.NormalizeUsername(username)
	if err != nil {
		c.system("Invalid username: %v", err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.username
	c.username = name
	if c.members != nil {
		c.members[c.clientID] = name
	}
	state := c.state
	clientID := c.clientID
	handle := c.handle
	c.mu.Unlock()

	c.system("You are now known as %s", name)

	server, ok := state.(InServerSession)
	if !ok || old == name {
		return nil
	}
	res, err := c.backend.Rename(ctx, server.SessionID, clientID, name)
	if err == nil && res.Broadcast {
		return nil
	}
	if err != nil {
		c.logger.Warn("rename not stored", zap.String("session", server.SessionID), zap.Error(err))
	}
	if !c.publishDirect(ctx, handle, broadcast.SystemNotice{
		SessionID: server.SessionID,
		Text:      fmt.Sprintf("%s is now known as %s", old, name),
	}) {
		c.logger.Info("rename announced locally only", zap.String("session", server.SessionID))
	}
	return nil
}

// Reconcile compares the server's member count with the local list and
// rejoins to fetch the authoritative list when they differ. The poll calls
// it; it is exported for tests and manual refresh.
func (c *Client) Reconcile(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	c.mu.Lock()
	server, ok := c.state.(InServerSession)
	gen := c.gen
	clientID, username := c.clientID, c.username
	local := len(c.members)
	c.mu.Unlock()
	if !ok {
		return apperr.ErrNotInSession
	}

	summary, err := c.backend.Get(ctx, server.SessionID)
	if err != nil {
		c.noteLost(gen, server.SessionID, err)
		return err
	}
	c.mu.Lock()
	if gen == c.gen {
		c.lost = false
	}
	c.mu.Unlock()
	if summary.UserCount == local {
		return nil
	}

	res, err := c.backend.Join(ctx, server.SessionID, clientID, username)
	if err != nil {
		c.noteLost(gen, server.SessionID, err)
		return err
	}

	var lines []Line
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	fresh := make(map[string]string, len(res.Members))
	for id, m := range res.Members {
		fresh[id] = m.Username
		if _, known := c.members[id]; !known && id != c.clientID {
			lines = append(lines, systemLine("%s joined the session", m.Username))
		}
	}
	for id, name := range c.members {
		if _, still := fresh[id]; !still && id != c.clientID {
			lines = append(lines, systemLine("%s left the session", name))
		}
	}
	c.members = fresh
	c.mu.Unlock()

	c.logger.Debug("members reconciled", zap.String("session", server.SessionID), zap.Int("count", len(fresh)))
	for _, l := range lines {
		c.print(l)
	}
	return nil
}

// noteLost reports a vanished server session once; the state is kept.
func (c *Client) noteLost(gen uint64, sessionID string, err error) {
	if !errors.Is(err, apperr.ErrNotFound) {
		c.logger.Debug("reconcile failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	c.mu.Lock()
	first := gen == c.gen && !c.lost
	if first {
		c.lost = true
	}
	c.mu.Unlock()
	if first {
		c.system("Session %s is gone from the server (it may have restarted). Use /leave and /create to start over.", sessionID)
	}
}

func (c *Client) startPoll(ctx context.Context, gen uint64) {
	if c.pollInterval <= 0 {
		return
	}
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.tasks.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.tasks.Done()
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				current := gen == c.gen
				c.mu.Unlock()
				if !current {
					return
				}
				_ = c.Reconcile(ctx)
			}
		}
	}()
}

// spawn runs fn in the background until Close.
func (c *Client) spawn(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.tasks.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.tasks.Done()
		fn(c.ctx)
	}()
}

// Wait blocks until background work (agent answers, polling) stops or ctx
// ends. Polling only stops on Leave or Close.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops polling, releases the subscription and cancels pending agent
// answers, leaving the client Disconnected. It does not leave the server
// session. Later operations return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handle := c.detachLocked()
	c.state = Disconnected{}
	c.members = nil
	c.mu.Unlock()

	if handle != nil {
		_ = handle.Unsubscribe()
	}
	c.cancel()
	c.tasks.Wait()
	return nil
}

func (c *Client) print(l Line) { c.view.Print(l) }

func (c *Client) system(format string, args ...any) {
	c.print(systemLine(format, args...))
}

func systemLine(format string, args ...any) Line {
	return Line{Kind: LineSystem, Text: "SYSTEM: " + fmt.Sprintf(format, args...)}
}
