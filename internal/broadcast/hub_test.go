package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testChannel = "presence-session-abc123"

func next(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case env, ok := <-sub.Events():
		require.True(t, ok, "queue closed")
		ev, err := env.Decode()
		require.NoError(t, err)
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func assertQuiet(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case env := <-sub.Events():
		t.Fatalf("unexpected event %s", env.Event)
	default:
	}
}

func TestSubscribeDeliversSucceededWithMembers(t *testing.T) {
	hub := NewHub(8, zaptest.NewLogger(t))
	a := hub.NewSubscriber()
	require.NoError(t, hub.Subscribe(a, testChannel, &Member{ClientID: "c1", Username: "alice"}))

	ev := next(t, a)
	ok, isOK := ev.(SubscriptionSucceeded)
	require.True(t, isOK)
	assert.Equal(t, 1, ok.Count)
	require.NotNil(t, ok.Me)
	assert.Equal(t, "c1", ok.Me.ClientID)

	b := hub.NewSubscriber()
	require.NoError(t, hub.Subscribe(b, testChannel, &Member{ClientID: "c2", Username: "bob"}))

	added, isAdded := next(t, a).(MemberAdded)
	require.True(t, isAdded)
	assert.Equal(t, "bob", added.Username)

	succeeded := next(t, b).(SubscriptionSucceeded)
	assert.Equal(t, 2, succeeded.Count)
	assert.Equal(t, []Member{{ClientID: "c1", Username: "alice"}, {ClientID: "c2", Username: "bob"}}, succeeded.Members)
	assertQuiet(t, b)
}

func TestPresenceIsReferenceCounted(t *testing.T) {
	hub := NewHub(8, nil)
	watcher := hub.NewSubscriber()
	require.NoError(t, hub.Subscribe(watcher, testChannel, &Member{ClientID: "w"}))
	next(t, watcher)

	first := hub.NewSubscriber()
	second := hub.NewSubscriber()
	require.NoError(t, hub.Subscribe(first, testChannel, &Member{ClientID: "c1"}))
	require.NoError(t, hub.Subscribe(second, testChannel, &Member{ClientID: "c1"}))

	_, isAdded := next(t, watcher).(MemberAdded)
	require.True(t, isAdded)
	assertQuiet(t, watcher)
	assert.Len(t, hub.Members(testChannel), 2)

	hub.Unsubscribe(first, testChannel)
	assertQuiet(t, watcher)

	hub.Unsubscribe(second, testChannel)
	removed, isRemoved := next(t, watcher).(MemberRemoved)
	require.True(t, isRemoved)
	assert.Equal(t, "c1", removed.ClientID)

	hub.Unsubscribe(second, testChannel)
	assertQuiet(t, watcher)
}

func TestObserversDoNotJoinPresence(t *testing.T) {
	hub := NewHub(8, nil)
	obs := hub.NewSubscriber()
	require.NoError(t, hub.Subscribe(obs, testChannel, nil))
	succeeded := next(t, obs).(SubscriptionSucceeded)
	assert.Zero(t, succeeded.Count)
	assert.Nil(t, succeeded.Me)
	assert.Empty(t, hub.Members(testChannel))
	assert.Equal(t, 1, hub.ChannelCount())
}

func TestPublishFromExcludesSender(t *testing.T) {
	hub := NewHub(8, nil)
	a := hub.NewSubscriber()
	b := hub.NewSubscriber()
	require.NoError(t, hub.Subscribe(a, testChannel, &Member{ClientID: "c1"}))
	require.NoError(t, hub.Subscribe(b, testChannel, &Member{ClientID: "c2"}))
	next(t, a)
	next(t, a)
	next(t, b)

	ctx := context.Background()
	require.NoError(t, hub.PublishFrom(ctx, a, testChannel, UserMessage{ClientID: "c1", Text: "hi"}))
	msg := next(t, b).(UserMessage)
	assert.Equal(t, "hi", msg.Text)
	assertQuiet(t, a)

	require.NoError(t, hub.Publish(ctx, testChannel, SystemNotice{Text: "server"}))
	assert.IsType(t, SystemNotice{}, next(t, a))
	assert.IsType(t, SystemNotice{}, next(t, b))
}

func TestPublishToEmptyChannelIsNoop(t *testing.T) {
	hub := NewHub(8, nil)
	assert.NoError(t, hub.Publish(context.Background(), "presence-session-none", UserMessage{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.Publish(ctx, testChannel, UserMessage{}), context.Canceled)
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(2, zaptest.NewLogger(t))
	slow := hub.NewSubscriber()
	require.NoError(t, hub.Subscribe(slow, testChannel, nil))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, hub.Publish(ctx, testChannel, SystemNotice{Text: "x"}))
	}
	assert.Len(t, slow.Events(), 2)
}

func TestDropClosesQueueAndRemovesPresence(t *testing.T) {
	hub := NewHub(8, nil)
	a := hub.NewSubscriber()
	require.NoError(t, hub.Subscribe(a, testChannel, &Member{ClientID: "c1"}))
	require.NoError(t, hub.Subscribe(a, "presence-session-other", &Member{ClientID: "c1"}))

	hub.Drop(a)
	hub.Drop(a)

	assert.Zero(t, hub.ChannelCount())
	for range a.Events() {
	}
	assert.ErrorIs(t, hub.Subscribe(a, testChannel, &Member{ClientID: "c1"}), ErrSubscriberClosed)
}

func TestUsernameChangeUpdatesPresence(t *testing.T) {
	hub := NewHub(8, nil)
	a := hub.NewSubscriber()
	require.NoError(t, hub.Subscribe(a, testChannel, &Member{ClientID: "c1", Username: "old"}))

	require.NoError(t, hub.Publish(context.Background(), testChannel,
		UsernameChanged{ClientID: "c1", OldUsername: "old", NewUsername: "new"}))
	assert.Equal(t, []Member{{ClientID: "c1", Username: "new"}}, hub.Members(testChannel))
}

func TestSubscribeValidation(t *testing.T) {
	hub := NewHub(8, nil)
	sub := hub.NewSubscriber()
	assert.Error(t, hub.Subscribe(sub, "", nil))
	assert.Error(t, hub.Subscribe(sub, testChannel, &Member{}))
}

func TestHubTransportRoundTrip(t *testing.T) {
	hub := NewHub(8, zaptest.NewLogger(t))
	transport := NewHubTransport(hub, zaptest.NewLogger(t))
	ctx := context.Background()

	aEvents := make(chan Event, 8)
	aHandlers := NewHandlers()
	On(aHandlers, func(ev SubscriptionSucceeded) { aEvents <- ev })
	On(aHandlers, func(ev MemberAdded) { aEvents <- ev })
	On(aHandlers, func(ev UserMessage) { aEvents <- ev })

	bEvents := make(chan Event, 8)
	bHandlers := NewHandlers()
	On(bHandlers, func(ev SubscriptionSucceeded) { bEvents <- ev })
	On(bHandlers, func(ev UserMessage) { bEvents <- ev })

	a, err := transport.Subscribe(ctx, testChannel, Member{ClientID: "c1", Username: "alice"}, aHandlers)
	require.NoError(t, err)
	assert.IsType(t, SubscriptionSucceeded{}, receive(t, aEvents))

	b, err := transport.Subscribe(ctx, testChannel, Member{ClientID: "c2", Username: "bob"}, bHandlers)
	require.NoError(t, err)
	assert.IsType(t, SubscriptionSucceeded{}, receive(t, bEvents))
	assert.IsType(t, MemberAdded{}, receive(t, aEvents))

	require.NoError(t, b.Publish(ctx, UserMessage{ClientID: "c2", Text: "yo"}))
	assert.Equal(t, "yo", receive(t, aEvents).(UserMessage).Text)

	require.NoError(t, b.Unsubscribe())
	require.NoError(t, b.Unsubscribe())
	assert.ErrorIs(t, b.Publish(ctx, UserMessage{}), ErrSubscriberClosed)
	assert.Equal(t, testChannel, a.Channel())
	require.NoError(t, a.Unsubscribe())
	assert.Zero(t, hub.ChannelCount())
}

func TestHubTransportCanceledContext(t *testing.T) {
	transport := NewHubTransport(NewHub(8, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var failed []SubscriptionFailed
	h := NewHandlers()
	On(h, func(ev SubscriptionFailed) { failed = append(failed, ev) })

	_, err := transport.Subscribe(ctx, testChannel, Member{ClientID: "c1"}, h)
	assert.Error(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, testChannel, failed[0].Channel)
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
