// Package relay turns a posted chat line into log entries and channel events,
// including the optional agent reply.
package relay

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/broadcast"
	"github.com/zhouzirui/carnage/backend/internal/model/chat"
	"github.com/zhouzirui/carnage/backend/internal/model/persona"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

// MaxMessageLength bounds a single chat line in runes.
const MaxMessageLength = 4000

const defaultAgentTimeout = 30 * time.Second

// Store is the part of the session registry the relay writes to.
type Store interface {
	AppendMessage(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, error)
	Rename(ctx context.Context, sessionID, clientID, username string) (string, error)
}

// Asker produces an agent answer.
type Asker interface {
	Ask(ctx context.Context, text, personaID string) (string, error)
}

// PostInput is one chat line posted to a session.
type PostInput struct {
	SessionID string
	ClientID  string
	Text      string
	MessageID string
	AskAgent  bool
	PersonaID string
	RequestID string
}

// PostResult reports what happened. Broadcast is false when the user-message
// event could not be published even though the log accepted the line.
type PostResult struct {
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId,omitempty"`
	Broadcast bool   `json:"broadcast"`
}

// RenameResult reports a username change.
type RenameResult struct {
	Username  string `json:"username"`
	Previous  string `json:"previous"`
	Broadcast bool   `json:"broadcast"`
}

// Service wires the store, the publisher and the gateway together.
type Service struct {
	store        Store
	publisher    broadcast.Publisher
	asker        Asker
	personas     persona.Store
	agentTimeout time.Duration
	newID        func() string
	logger       *zap.Logger

	wg sync.WaitGroup
}

// New builds a relay. agentTimeout bounds a background agent reply; zero uses 30s.
func New(store Store, publisher broadcast.Publisher, asker Asker, personas persona.Store, agentTimeout time.Duration, logger *zap.Logger) *Service {
	if agentTimeout <= 0 {
		agentTimeout = defaultAgentTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		publisher:    publisher,
		asker:        asker,
		personas:     personas,
		agentTimeout: agentTimeout,
		newID:        uuid.NewString,
		logger:       logger.Named("relay"),
	}
}

// Post appends the line, publishes user-message and, when asked, publishes
// thinking and starts the agent reply in the background. The reply ends in
// exactly one claude-response or claude-error event.
func (s *Service) Post(ctx context.Context, in PostInput) (PostResult, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return PostResult{}, apperr.Validation("message is required")
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return PostResult{}, apperr.Validation("message longer than %d characters", MaxMessageLength)
	}
	if err := chat.ValidateSessionID(in.SessionID); err != nil {
		return PostResult{}, err
	}
	if in.MessageID != "" {
		if err := chat.ValidateClientID(in.MessageID); err != nil {
			return PostResult{}, apperr.Validation("invalid message id")
		}
	}

	var agent persona.Persona
	if in.AskAgent {
		p, ok := persona.Resolve(s.personas, in.PersonaID)
		if !ok {
			return PostResult{}, apperr.Validation("unknown persona %q", in.PersonaID)
		}
		agent = p
	}

	stored, err := s.store.AppendMessage(ctx, in.SessionID, chat.Message{
		ID:       in.MessageID,
		ClientID: in.ClientID,
		Text:     text,
		Kind:     chat.KindUser,
	})
	if err != nil {
		return PostResult{}, err
	}

	channel := chat.ChannelName(in.SessionID)
	res := PostResult{MessageID: stored.ID}
	res.Broadcast = s.publish(ctx, channel, broadcast.UserMessage{
		SessionID: in.SessionID,
		MessageID: stored.ID,
		ClientID:  stored.ClientID,
		Username:  stored.Username,
		Text:      stored.Text,
		Timestamp: stored.Timestamp,
	})

	if !in.AskAgent {
		return res, nil
	}

	requestID := in.RequestID
	if requestID == "" {
		requestID = s.newID()
	}
	res.RequestID = requestID
	s.publish(ctx, channel, broadcast.Thinking{
		SessionID: in.SessionID,
		ClientID:  in.ClientID,
		Persona:   agent.ID,
		RequestID: requestID,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.answer(context.WithoutCancel(ctx), in.SessionID, in.ClientID, requestID, text, agent)
	}()
	return res, nil
}

// answer publishes with ctx, which carries no deadline, so the final event
// still goes out after the agent call timed out.
func (s *Service) answer(ctx context.Context, sessionID, clientID, requestID, text string, agent persona.Persona) {
	askCtx, cancel := context.WithTimeout(ctx, s.agentTimeout)
	defer cancel()
	channel := chat.ChannelName(sessionID)
	log := s.logger.With(
		zap.String("session", sessionID),
		zap.String("request", requestID),
		zap.String("persona", agent.ID))

	reply, err := s.asker.Ask(askCtx, text, agent.ID)
	if err != nil {
		err = apperr.FromContext(err)
		log.Warn("agent request failed", zap.Error(err))
		s.publish(ctx, channel, broadcast.ClaudeError{
			SessionID: sessionID,
			ClientID:  clientID,
			Persona:   agent.ID,
			RequestID: requestID,
			Kind:      apperr.Kind(err),
			Message:   err.Error(),
		})
		return
	}

	stored, err := s.store.AppendMessage(ctx, sessionID, chat.Message{
		Username:  agent.Label,
		Text:      reply,
		Kind:      chat.KindAgent,
		Persona:   agent.ID,
		RequestID: requestID,
	})
	if err != nil {
		// the session may have been collected while the agent was thinking
		log.Info("agent reply not logged", zap.Error(err))
		stored = chat.Message{Text: reply, Timestamp: time.Now().UTC()}
	}

	s.publish(ctx, channel, broadcast.ClaudeResponse{
		SessionID: sessionID,
		ClientID:  clientID,
		Persona:   agent.ID,
		RequestID: requestID,
		MessageID: stored.ID,
		Text:      stored.Text,
		Timestamp: stored.Timestamp,
	})
	log.Info("agent replied", zap.Int("length", len(reply)))
}

// Rename updates the member's username and publishes username-changed.
func (s *Service) Rename(ctx context.Context, sessionID, clientID, username string) (RenameResult, error) {
	name, err := chat.NormalizeUsername(username)
	if err != nil {
		return RenameResult{}, err
	}
	previous, err := s.store.Rename(ctx, sessionID, clientID, name)
	if err != nil {
		return RenameResult{}, err
	}
	res := RenameResult{Username: name, Previous: previous}
	res.Broadcast = s.publish(ctx, chat.ChannelName(sessionID), broadcast.UsernameChanged{
		SessionID:   sessionID,
		ClientID:    clientID,
		OldUsername: previous,
		NewUsername: name,
	})
	return res, nil
}

// Wait blocks until background agent replies finish or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish never fails the caller; a lost event is logged.
func (s *Service) publish(ctx context.Context, channel string, ev broadcast.Event) bool {
	if err := s.publisher.Publish(ctx, channel, ev); err != nil {
		s.logger.Warn("publish failed",
			zap.String("channel", channel),
			zap.String("event", ev.EventName()),
			zap.Error(err))
		return false
	}
	return true
}
