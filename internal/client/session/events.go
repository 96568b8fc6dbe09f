package session

import (
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/broadcast"
)

// handlers builds the event table for one subscription. Every handler drops
// events once gen is stale or when they belong to another session.
func (c *Client) handlers(gen uint64, sessionID string) *broadcast.Handlers {
	h := broadcast.NewHandlers()

	broadcast.On(h, func(ev broadcast.SubscriptionSucceeded) {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		if c.members == nil {
			c.members = make(map[string]string, len(ev.Members))
		}
		for _, m := range ev.Members {
			if _, ok := c.members[m.ClientID]; !ok {
				c.members[m.ClientID] = m.Username
			}
		}
		c.mu.Unlock()
		c.logger.Debug("subscribed", zap.String("channel", ev.Channel), zap.Int("count", ev.Count))
	})

	broadcast.On(h, func(ev broadcast.SubscriptionFailed) {
		c.logger.Warn("subscription refused", zap.String("channel", ev.Channel), zap.String("reason", ev.Reason))
	})

	broadcast.On(h, func(ev broadcast.MemberAdded) {
		c.mu.Lock()
		if gen != c.gen || ev.ClientID == c.clientID {
			c.mu.Unlock()
			return
		}
		_, known := c.members[ev.ClientID]
		if c.members != nil {
			c.members[ev.ClientID] = ev.Username
		}
		c.mu.Unlock()
		if !known {
			c.system("%s joined the session", ev.Username)
		}
	})

	broadcast.On(h, func(ev broadcast.MemberRemoved) {
		c.mu.Lock()
		if gen != c.gen || ev.ClientID == c.clientID {
			c.mu.Unlock()
			return
		}
		name, known := c.members[ev.ClientID]
		delete(c.members, ev.ClientID)
		c.mu.Unlock()
		if !known {
			return
		}
		c.system("%s left the session", name)
	})

	broadcast.On(h, func(ev broadcast.UserMessage) {
		if ev.SessionID != sessionID {
			return
		}
		c.mu.Lock()
		fresh := gen == c.gen && ev.ClientID != c.clientID && c.seen.add(ev.MessageID)
		c.mu.Unlock()
		if fresh {
			c.print(Line{Kind: LineUser, Text: ev.Username + ": " + ev.Text})
		}
	})

	broadcast.On(h, func(ev broadcast.Thinking) {
		if ev.SessionID != sessionID || ev.RequestID == "" {
			return
		}
		c.startThinking(gen, Indicator{RequestID: ev.RequestID, Persona: ev.Persona, ClientID: ev.ClientID})
	})

	broadcast.On(h, func(ev broadcast.ClaudeResponse) {
		if ev.SessionID != sessionID {
			return
		}
		label := c.label(ev.Persona)
		c.finishThinking(gen, ev.RequestID, Line{Kind: LineAgent, Persona: ev.Persona, Text: label + ": " + ev.Text})
	})

	broadcast.On(h, func(ev broadcast.ClaudeError) {
		if ev.SessionID != sessionID {
			return
		}
		c.finishThinking(gen, ev.RequestID, Line{Kind: LineSystem, Persona: ev.Persona, Text: agentError(c.label(ev.Persona), ev.Kind, ev.Message)})
	})

	broadcast.On(h, func(ev broadcast.UsernameChanged) {
		if ev.SessionID != sessionID {
			return
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		self := ev.ClientID == c.clientID
		if c.members != nil {
			c.members[ev.ClientID] = ev.NewUsername
		}
		c.mu.Unlock()
		if !self {
			c.system("%s is now known as %s", ev.OldUsername, ev.NewUsername)
		}
	})

	broadcast.On(h, func(ev broadcast.SystemNotice) {
		if ev.SessionID != sessionID {
			return
		}
		c.mu.Lock()
		current := gen == c.gen
		c.mu.Unlock()
		if current {
			c.system("%s", ev.Text)
		}
	})

	return h
}
