// Package wsclient implements broadcast.Transport over the server's /ws endpoint.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/broadcast"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 70 * time.Second
)

// AuthFunc returns the signature for subscribing clientID to channel.
type AuthFunc func(ctx context.Context, clientID, channel string) (string, error)

// Transport opens one websocket connection per subscription.
type Transport struct {
	url    string
	dialer *websocket.Dialer
	auth   AuthFunc
	logger *zap.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the default dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithAuth sets the channel signature source.
func WithAuth(fn AuthFunc) Option {
	return func(t *Transport) { t.auth = fn }
}

// WithLogger sets the transport logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New returns a transport dialing url, e.g. ws://localhost:8080/api/ws.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("ws-transport")
	return t
}

// Subscribe dials, sends the subscribe frame and waits for the server's
// verdict before returning.
func (t *Transport) Subscribe(ctx context.Context, channel string, self broadcast.Member, h *broadcast.Handlers) (broadcast.Handle, error) {
	failed := func(err error) (broadcast.Handle, error) {
		h.Dispatch(broadcast.SubscriptionFailed{Channel: channel, Reason: err.Error()})
		return nil, err
	}

	var auth string
	if t.auth != nil {
		sig, err := t.auth(ctx, self.ClientID, channel)
		if err != nil {
			return failed(fmt.Errorf("authorizing %s: %w", channel, err))
		}
		auth = sig
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return failed(fmt.Errorf("dialing %s: %w", t.url, err))
	}

	c := &subscription{conn: conn, channel: channel, done: make(chan struct{}), logger: t.logger}
	if err := c.write(broadcast.Frame{
		Type:     broadcast.FrameSubscribe,
		Channel:  channel,
		ClientID: self.ClientID,
		Username: self.Username,
		Auth:     auth,
	}); err != nil {
		conn.Close()
		return failed(err)
	}

	first, err := c.awaitVerdict(ctx)
	if err != nil {
		conn.Close()
		return failed(err)
	}
	if f, ok := first.(broadcast.SubscriptionFailed); ok {
		conn.Close()
		h.Dispatch(f)
		return nil, fmt.Errorf("subscribing %s: %s", channel, f.Reason)
	}
	h.Dispatch(first)

	go c.readLoop(h)
	return c, nil
}

// subscription is one live channel subscription and the Handle given to callers.
type subscription struct {
	conn    *websocket.Conn
	channel string
	logger  *zap.Logger

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (c *subscription) Channel() string { return c.channel }

func (c *subscription) write(frame broadcast.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

// awaitVerdict reads until the subscription answer for this channel arrives.
func (c *subscription) awaitVerdict(ctx context.Context) (broadcast.Event, error) {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	for {
		var env broadcast.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return nil, fmt.Errorf("awaiting subscription: %w", err)
		}
		if env.Event != broadcast.EventSubscriptionSucceeded && env.Event != broadcast.EventSubscriptionFailed {
			continue
		}
		ev, err := env.Decode()
		if err != nil {
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Time{})
		return ev, nil
	}
}

func (c *subscription) readLoop(h *broadcast.Handlers) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var env broadcast.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info("connection lost", zap.String("channel", c.channel), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		ev, err := env.Decode()
		if err != nil {
			c.logger.Warn("undecodable event", zap.String("event", env.Event), zap.Error(err))
			continue
		}
		h.Dispatch(ev)
	}
}

// Publish hands ev to the server. It never blocks past the write deadline.
func (c *subscription) Publish(ctx context.Context, ev broadcast.Event) error {
	select {
	case <-c.done:
		return broadcast.ErrSubscriberClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ev.EventName(), err)
	}
	return c.write(broadcast.Frame{
		Type:    broadcast.FramePublish,
		Channel: c.channel,
		Event:   ev.EventName(),
		Data:    data,
	})
}

// Unsubscribe tells the server and closes the connection. Idempotent.
func (c *subscription) Unsubscribe() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.write(broadcast.Frame{Type: broadcast.FrameUnsubscribe, Channel: c.channel})
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
	return nil
}
