// Package session holds the authoritative, in-memory session registry.
//
// State lives only as long as the process: a restart loses every session and
// clients are expected to notice through NotFound answers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/model/chat"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

// ErrIDExhausted is returned when Create cannot find a free id.
var ErrIDExhausted = errors.New("session id generation exhausted")

const defaultIDAttempts = 8

// JoinResult carries the full member map so callers can replace their view wholesale.
type JoinResult struct {
	SessionID string                 `json:"sessionId"`
	ClientID  string                 `json:"clientId"`
	Username  string                 `json:"username"`
	Members   map[string]chat.Member `json:"users"`
}

// LeaveResult reports whether the session was collected.
type LeaveResult struct {
	Username  string
	Remaining int
	Deleted   bool
}

// Option customises a Store.
type Option func(*Store)

// WithIDGenerator overrides id generation for sessions and clients.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxIDAttempts bounds the retries Create makes on id collisions.
func WithMaxIDAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.idAttempts = n
		}
	}
}

// WithMaxMessages bounds the retained transcript per session; older entries
// are dropped first. The log is unbounded unless this option is given.
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is the process-wide session registry. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Session

	newID       func() string
	now         func() time.Time
	idAttempts  int
	maxMessages int
	logger      *zap.Logger
}

// NewStore builds an empty registry.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:    make(map[string]*chat.Session),
		newID:       uuid.NewString,
		now:         func() time.Time { return time.Now().UTC() },
		idAttempts:  defaultIDAttempts,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session-store")
	return s
}

// Create allocates a fresh session with no members.
func (s *Store) Create(_ context.Context) (chat.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < s.idAttempts; attempt++ {
		id := s.newID()
		if chat.ValidateSessionID(id) != nil {
			continue
		}
		if _, taken := s.sessions[id]; taken {
			continue
		}
		sess := &chat.Session{
			ID:        id,
			CreatedAt: s.now(),
			Members:   make(map[string]chat.Member),
		}
		s.sessions[id] = sess
		s.logger.Info("session created", zap.String("session", id))
		return sess.Summary(), nil
	}
	return chat.Summary{}, fmt.Errorf("%w after %d attempts", ErrIDExhausted, s.idAttempts)
}

// Join adds or overwrites a member. An empty clientID gets a generated one; an
// empty username keeps the member's current name or falls back to the default.
func (s *Store) Join(_ context.Context, sessionID, clientID, username string) (JoinResult, error) {
	if clientID != "" {
		if err := chat.ValidateClientID(clientID); err != nil {
			return JoinResult{}, err
		}
	}
	if username != "" {
		name, err := chat.NormalizeUsername(username)
		if err != nil {
			return JoinResult{}, err
		}
		username = name
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return JoinResult{}, apperr.NotFound("session %s", sessionID)
	}
	if clientID == "" {
		clientID = s.newID()
	}

	member, existing := sess.Members[clientID]
	switch {
	case username != "":
		member.Username = username
	case !existing:
		member.Username = chat.DefaultUsername(clientID)
	}
	if !existing {
		member.JoinedAt = s.now()
	}
	sess.Members[clientID] = member

	s.logger.Info("member joined",
		zap.String("session", sessionID),
		zap.String("client", clientID),
		zap.Bool("rejoin", existing),
		zap.Int("members", len(sess.Members)))

	return JoinResult{
		SessionID: sessionID,
		ClientID:  clientID,
		Username:  member.Username,
		Members:   chat.CloneMembers(sess.Members),
	}, nil
}

// Leave removes a member and deletes the session once nobody is left.
func (s *Store) Leave(_ context.Context, sessionID, clientID string) (LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return LeaveResult{}, apperr.NotFound("session %s", sessionID)
	}
	member, ok := sess.Members[clientID]
	if !ok {
		return LeaveResult{}, apperr.NotFound("client %s in session %s", clientID, sessionID)
	}
	delete(sess.Members, clientID)

	res := LeaveResult{Username: member.Username, Remaining: len(sess.Members)}
	if res.Remaining == 0 {
		delete(s.sessions, sessionID)
		res.Deleted = true
		s.logger.Info("session collected", zap.String("session", sessionID))
	}
	s.logger.Info("member left",
		zap.String("session", sessionID),
		zap.String("client", clientID),
		zap.Int("members", res.Remaining))
	return res, nil
}

// Get returns the polling summary of one session.
func (s *Store) Get(_ context.Context, sessionID string) (chat.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return chat.Summary{}, apperr.NotFound("session %s", sessionID)
	}
	return sess.Summary(), nil
}

// List returns every live session, oldest first.
func (s *Store) List(_ context.Context) []chat.Summary {
	s.mu.RLock()
	out := make([]chat.Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Members returns a copy of the session's member map.
func (s *Store) Members(_ context.Context, sessionID string) (map[string]chat.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperr.NotFound("session %s", sessionID)
	}
	return chat.CloneMembers(sess.Members), nil
}

// AppendMessage records msg in the session log. User messages must come from
// a current member and take the member's username; agent and system messages
// only need the session. The stored message is returned with id and timestamp filled.
func (s *Store) AppendMessage(_ context.Context, sessionID string, msg chat.Message) (chat.Message, error) {
	if msg.Kind == "" {
		msg.Kind = chat.KindUser
	}
	if !msg.Kind.Valid() {
		return chat.Message{}, apperr.Validation("unknown message kind %q", msg.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return chat.Message{}, apperr.NotFound("session %s", sessionID)
	}
	if msg.Kind == chat.KindUser {
		member, ok := sess.Members[msg.ClientID]
		if !ok {
			return chat.Message{}, apperr.NotFound("client %s in session %s", msg.ClientID, sessionID)
		}
		msg.Username = member.Username
	}
	if msg.ID == "" {
		msg.ID = s.newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	sess.Messages = append(sess.Messages, msg)
	if s.maxMessages > 0 && len(sess.Messages) > s.maxMessages {
		over := len(sess.Messages) - s.maxMessages
		sess.Messages = append([]chat.Message(nil), sess.Messages[over:]...)
	}
	return msg, nil
}

// Rename changes a member's username and returns the previous one.
func (s *Store) Rename(_ context.Context, sessionID, clientID, username string) (string, error) {
	name, err := chat.NormalizeUsername(username)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", apperr.NotFound("session %s", sessionID)
	}
	member, ok := sess.Members[clientID]
	if !ok {
		return "", apperr.NotFound("client %s in session %s", clientID, sessionID)
	}
	previous := member.Username
	member.Username = name
	sess.Members[clientID] = member
	return previous, nil
}

// Transcript returns a copy of the session log.
func (s *Store) Transcript(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperr.NotFound("session %s", sessionID)
	}
	return append([]chat.Message(nil), sess.Messages...), nil
}

// Count reports the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
