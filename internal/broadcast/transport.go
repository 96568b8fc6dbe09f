package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Transport is the client side of the broadcast channel.
//
// Subscribe dispatches SubscriptionSucceeded through h once the channel
// accepts the subscriber, or SubscriptionFailed and an error when it does not.
// Every later event on the channel is dispatched through h as well.
type Transport interface {
	Subscribe(ctx context.Context, channel string, self Member, h *Handlers) (Handle, error)
}

// Handle is one live subscription.
type Handle interface {
	Channel() string
	// Publish is fire-and-forget; the error only reports that the event
	// could not be handed to the transport.
	Publish(ctx context.Context, ev Event) error
	// Unsubscribe is idempotent.
	Unsubscribe() error
}

// HubTransport connects clients to a Hub in the same process. Callers are
// trusted, so no channel authorization is performed.
type HubTransport struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHubTransport wraps hub.
func NewHubTransport(hub *Hub, logger *zap.Logger) *HubTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubTransport{hub: hub, logger: logger.Named("hub-transport")}
}

// Subscribe implements Transport.
func (t *HubTransport) Subscribe(ctx context.Context, channel string, self Member, h *Handlers) (Handle, error) {
	if err := ctx.Err(); err != nil {
		h.Dispatch(SubscriptionFailed{Channel: channel, Reason: err.Error()})
		return nil, err
	}
	sub := t.hub.NewSubscriber()
	var member *Member
	if IsPresenceChannel(channel) {
		member = &self
	}
	if err := t.hub.Subscribe(sub, channel, member); err != nil {
		t.hub.Drop(sub)
		h.Dispatch(SubscriptionFailed{Channel: channel, Reason: err.Error()})
		return nil, err
	}

	handle := &hubHandle{hub: t.hub, sub: sub, channel: channel, done: make(chan struct{})}
	go handle.pump(h, t.logger)
	return handle, nil
}

type hubHandle struct {
	hub     *Hub
	sub     *Subscriber
	channel string
	once    sync.Once
	done    chan struct{}
}

func (hh *hubHandle) Channel() string { return hh.channel }

func (hh *hubHandle) Publish(ctx context.Context, ev Event) error {
	select {
	case <-hh.done:
		return ErrSubscriberClosed
	default:
	}
	return hh.hub.PublishFrom(ctx, hh.sub, hh.channel, ev)
}

func (hh *hubHandle) Unsubscribe() error {
	hh.once.Do(func() {
		close(hh.done)
		hh.hub.Drop(hh.sub)
	})
	return nil
}

func (hh *hubHandle) pump(h *Handlers, logger *zap.Logger) {
	for env := range hh.sub.Events() {
		ev, err := env.Decode()
		if err != nil {
			logger.Warn("undecodable event", zap.String("event", env.Event), zap.Error(err))
			continue
		}
		h.Dispatch(ev)
	}
}
