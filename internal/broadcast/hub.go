package broadcast

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSubscriberClosed is returned when a dropped subscriber is used again.
var ErrSubscriberClosed = errors.New("subscriber closed")

const defaultQueueSize = 64

// Publisher publishes an event on a channel. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev Event) error
}

// IsPresenceChannel reports whether channel tracks membership.
func IsPresenceChannel(channel string) bool {
	return strings.HasPrefix(channel, "presence-")
}

// Subscriber is one receiving endpoint, typically a websocket connection. It
// may be subscribed to several channels and owns a bounded outbound queue.
type Subscriber struct {
	id     string
	queue  chan Envelope
	closed bool
	// channel -> presence client id ("" for observers)
	channels map[string]string
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string { return s.id }

// Events is closed when the subscriber is dropped from the hub.
func (s *Subscriber) Events() <-chan Envelope { return s.queue }

type presence struct {
	member Member
	refs   int
}

type channelState struct {
	subscribers map[*Subscriber]struct{}
	members     map[string]*presence
}

// Hub fans events out to channel subscribers and tracks presence per channel.
// A presence member is reference counted by client id so that a client with
// two connections appears once and leaves only when both are gone.
type Hub struct {
	mu        sync.RWMutex
	channels  map[string]*channelState
	queueSize int
	logger    *zap.Logger
}

// NewHub builds an empty hub. queueSize bounds each subscriber's backlog.
func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		channels:  make(map[string]*channelState),
		queueSize: queueSize,
		logger:    logger.Named("broadcast"),
	}
}

// NewSubscriber registers a receiving endpoint with no channels.
func (h *Hub) NewSubscriber() *Subscriber {
	return &Subscriber{
		id:       uuid.NewString(),
		queue:    make(chan Envelope, h.queueSize),
		channels: make(map[string]string),
	}
}

// Subscribe adds sub to channel. A non-nil member joins presence; observers
// pass nil. The subscriber receives subscription-succeeded first, and the
// other subscribers receive member-added when member is new to the channel.
func (h *Hub) Subscribe(sub *Subscriber, channel string, member *Member) error {
	if channel == "" {
		return errors.New("channel is required")
	}
	if member != nil && member.ClientID == "" {
		return errors.New("presence member needs a client id")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.closed {
		return ErrSubscriberClosed
	}
	if _, already := sub.channels[channel]; already {
		h.deliverLocked(sub, channel, h.succeededLocked(channel, member))
		return nil
	}

	state, ok := h.channels[channel]
	if !ok {
		state = &channelState{
			subscribers: make(map[*Subscriber]struct{}),
			members:     make(map[string]*presence),
		}
		h.channels[channel] = state
	}
	state.subscribers[sub] = struct{}{}

	clientID := ""
	if member != nil {
		clientID = member.ClientID
		if p, exists := state.members[clientID]; exists {
			p.refs++
			if member.Username != "" {
				p.member.Username = member.Username
			}
		} else {
			state.members[clientID] = &presence{member: *member, refs: 1}
			h.broadcastLocked(channel, state, MemberAdded{Member: *member}, sub)
		}
	}
	sub.channels[channel] = clientID

	h.deliverLocked(sub, channel, h.succeededLocked(channel, member))
	h.logger.Debug("subscribed",
		zap.String("channel", channel),
		zap.String("subscriber", sub.id),
		zap.String("client", clientID))
	return nil
}

// Unsubscribe removes sub from channel. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(sub *Subscriber, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(sub, channel)
}

// Drop unsubscribes sub from everything and closes its queue. Idempotent.
func (h *Hub) Drop(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	for channel := range sub.channels {
		h.unsubscribeLocked(sub, channel)
	}
	sub.closed = true
	close(sub.queue)
}

func (h *Hub) unsubscribeLocked(sub *Subscriber, channel string) {
	clientID, ok := sub.channels[channel]
	if !ok {
		return
	}
	delete(sub.channels, channel)

	state := h.channels[channel]
	if state == nil {
		return
	}
	delete(state.subscribers, sub)

	if clientID != "" {
		if p, exists := state.members[clientID]; exists {
			p.refs--
			if p.refs <= 0 {
				delete(state.members, clientID)
				h.broadcastLocked(channel, state, MemberRemoved{Member: p.member}, nil)
			}
		}
	}
	if len(state.subscribers) == 0 {
		delete(h.channels, channel)
	}
}

// Publish delivers ev to every subscriber of channel. A channel nobody listens
// on swallows the event.
func (h *Hub) Publish(ctx context.Context, channel string, ev Event) error {
	return h.PublishFrom(ctx, nil, channel, ev)
}

// PublishFrom is Publish with the originating subscriber excluded from delivery.
func (h *Hub) PublishFrom(ctx context.Context, from *Subscriber, channel string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev == nil {
		return errors.New("event is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.channels[channel]
	if !ok {
		return nil
	}
	if changed, ok := ev.(UsernameChanged); ok {
		if p, exists := state.members[changed.ClientID]; exists && changed.NewUsername != "" {
			p.member.Username = changed.NewUsername
		}
	}
	h.broadcastLocked(channel, state, ev, from)
	return nil
}

// Members returns the presence list of channel ordered by client id.
func (h *Hub) Members(channel string) []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.membersLocked(channel)
}

// IsSubscribed reports whether sub currently listens on channel.
func (h *Hub) IsSubscribed(sub *Subscriber, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := sub.channels[channel]
	return ok
}

// ChannelCount reports the number of channels with at least one subscriber.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

func (h *Hub) membersLocked(channel string) []Member {
	state, ok := h.channels[channel]
	if !ok {
		return []Member{}
	}
	out := make([]Member, 0, len(state.members))
	for _, p := range state.members {
		out = append(out, p.member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (h *Hub) succeededLocked(channel string, me *Member) Event {
	members := h.membersLocked(channel)
	ev := SubscriptionSucceeded{Channel: channel, Count: len(members), Members: members}
	if me != nil {
		m := *me
		ev.Me = &m
	}
	return ev
}

func (h *Hub) broadcastLocked(channel string, state *channelState, ev Event, except *Subscriber) {
	env, err := NewEnvelope(channel, ev)
	if err != nil {
		h.logger.Warn("dropping unencodable event", zap.String("event", ev.EventName()), zap.Error(err))
		return
	}
	for sub := range state.subscribers {
		if sub == except {
			continue
		}
		h.enqueueLocked(sub, env)
	}
}

func (h *Hub) deliverLocked(sub *Subscriber, channel string, ev Event) {
	env, err := NewEnvelope(channel, ev)
	if err != nil {
		h.logger.Warn("dropping unencodable event", zap.String("event", ev.EventName()), zap.Error(err))
		return
	}
	h.enqueueLocked(sub, env)
}

// enqueueLocked never blocks: a full queue loses the event for that subscriber.
func (h *Hub) enqueueLocked(sub *Subscriber, env Envelope) {
	if sub.closed {
		return
	}
	select {
	case sub.queue <- env:
	default:
		h.logger.Warn("subscriber queue full, event dropped",
			zap.String("subscriber", sub.id),
			zap.String("channel", env.Channel),
			zap.String("event", env.Event))
	}
}
