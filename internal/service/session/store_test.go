package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/zhouzirui/carnage/backend/internal/model/chat"
	"github.com/zhouzirui/carnage/backend/internal/service/session"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%04d", prefix, n)
	}
}

func TestCreateThenJoinHasOneMember(t *testing.T) {
	store := session.NewStore(session.WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	created, err := store.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, chat.ValidateSessionID(created.ID))

	joined, err := store.Join(ctx, created.ID, "12345678", "")
	require.NoError(t, err)
	assert.Equal(t, "user-1234", joined.Username)
	assert.Len(t, joined.Members, 1)

	summary, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UserCount)
}

func TestJoinGeneratesClientID(t *testing.T) {
	store := session.NewStore(session.WithIDGenerator(sequentialIDs("id")))
	ctx := context.Background()

	created, err := store.Create(ctx)
	require.NoError(t, err)
	joined, err := store.Join(ctx, created.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "id0002", joined.ClientID)
	assert.Equal(t, "user-id00", joined.Username)
}

func TestJoinMissingSessionIsNotFound(t *testing.T) {
	store := session.NewStore()
	_, err := store.Join(context.Background(), "nope", "c1", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestJoinRejectsBadInput(t *testing.T) {
	store := session.NewStore()
	ctx := context.Background()
	created, err := store.Create(ctx)
	require.NoError(t, err)

	_, err = store.Join(ctx, created.ID, "bad id", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = store.Join(ctx, created.ID, "c1", "\x00")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRejoinUpdatesInsteadOfDuplicating(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	store := session.NewStore(session.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	created, err := store.Create(ctx)
	require.NoError(t, err)

	_, err = store.Join(ctx, created.ID, "c1", "alice")
	require.NoError(t, err)
	clock = now.Add(time.Minute)
	again, err := store.Join(ctx, created.ID, "c1", "")
	require.NoError(t, err)

	require.Len(t, again.Members, 1)
	assert.Equal(t, "alice", again.Username)
	assert.Equal(t, now, again.Members["c1"].JoinedAt)

	renamed, err := store.Join(ctx, created.ID, "c1", "alicia")
	require.NoError(t, err)
	assert.Equal(t, "alicia", renamed.Members["c1"].Username)
}

func TestLeaveLastMemberCollectsSession(t *testing.T) {
	store := session.NewStore()
	ctx := context.Background()

	created, err := store.Create(ctx)
	require.NoError(t, err)
	_, err = store.Join(ctx, created.ID, "c1", "")
	require.NoError(t, err)
	_, err = store.Join(ctx, created.ID, "c2", "")
	require.NoError(t, err)

	res, err := store.Leave(ctx, created.ID, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
	assert.False(t, res.Deleted)

	res, err = store.Leave(ctx, created.ID, "c2")
	require.NoError(t, err)
	assert.True(t, res.Deleted)

	_, err = store.Get(ctx, created.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = store.Join(ctx, created.ID, "c1", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, store.Count())
}

func TestLeaveUnknownMember(t *testing.T) {
	store := session.NewStore()
	ctx := context.Background()
	created, err := store.Create(ctx)
	require.NoError(t, err)

	_, err = store.Leave(ctx, created.ID, "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = store.Leave(ctx, "missing", "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateRetriesOnCollision(t *testing.T) {
	ids := []string{"dup", "dup", "bad id", "fresh"}
	i := 0
	gen := func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
	store := session.NewStore(session.WithIDGenerator(gen))
	ctx := context.Background()

	first, err := store.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dup", first.ID)

	second, err := store.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", second.ID)
}

func TestCreateExhaustion(t *testing.T) {
	store := session.NewStore(
		session.WithIDGenerator(func() string { return "same" }),
		session.WithMaxIDAttempts(3),
	)
	ctx := context.Background()
	_, err := store.Create(ctx)
	require.NoError(t, err)

	_, err = store.Create(ctx)
	assert.ErrorIs(t, err, session.ErrIDExhausted)
}

func TestAppendMessage(t *testing.T) {
	store := session.NewStore()
	ctx := context.Background()
	created, err := store.Create(ctx)
	require.NoError(t, err)
	_, err = store.Join(ctx, created.ID, "c1", "neo")
	require.NoError(t, err)

	msg, err := store.AppendMessage(ctx, created.ID, chat.Message{ClientID: "c1", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "neo", msg.Username)
	assert.Equal(t, chat.KindUser, msg.Kind)
	assert.False(t, msg.Timestamp.IsZero())

	_, err = store.AppendMessage(ctx, created.ID, chat.Message{ClientID: "stranger", Text: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = store.AppendMessage(ctx, created.ID, chat.Message{Kind: chat.KindAgent, Username: "CARNAGE", Text: "ok"})
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, "missing", chat.Message{ClientID: "c1", Text: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = store.AppendMessage(ctx, created.ID, chat.Message{Kind: "bot", Text: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	log, err := store.Transcript(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "hi", log[0].Text)
	assert.Equal(t, chat.KindAgent, log[1].Kind)
}

func TestTranscriptIsBounded(t *testing.T) {
	store := session.NewStore(session.WithMaxMessages(3))
	ctx := context.Background()
	created, err := store.Create(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.AppendMessage(ctx, created.ID, chat.Message{Kind: chat.KindSystem, Text: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	log, err := store.Transcript(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, "2", log[0].Text)
}

func TestTranscriptKeepsEveryMessageByDefault(t *testing.T) {
	store := session.NewStore()
	ctx := context.Background()
	created, err := store.Create(ctx)
	require.NoError(t, err)
	_, err = store.Join(ctx, created.ID, "c1", "neo")
	require.NoError(t, err)

	for i := 0; i <= 500; i++ {
		_, err := store.AppendMessage(ctx, created.ID, chat.Message{ClientID: "c1", Kind: chat.KindUser, Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	log, err := store.Transcript(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, log, 501)
	assert.Equal(t, "m0", log[0].Text)
	assert.Equal(t, "m500", log[500].Text)
}

func TestRename(t *testing.T) {
	store := session.NewStore()
	ctx := context.Background()
	created, err := store.Create(ctx)
	require.NoError(t, err)
	_, err = store.Join(ctx, created.ID, "c1", "old")
	require.NoError(t, err)

	prev, err := store.Rename(ctx, created.ID, "c1", " new ")
	require.NoError(t, err)
	assert.Equal(t, "old", prev)

	members, err := store.Members(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", members["c1"].Username)

	_, err = store.Rename(ctx, created.ID, "c2", "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = store.Rename(ctx, created.ID, "c1", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestListOrdersByCreation(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store := session.NewStore(session.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(-tick) * time.Hour)
	}))
	ctx := context.Background()
	a, err := store.Create(ctx)
	require.NoError(t, err)
	b, err := store.Create(ctx)
	require.NoError(t, err)

	list := store.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
}

func TestConcurrentJoinLeave(t *testing.T) {
	store := session.NewStore()
	ctx := context.Background()
	created, err := store.Create(ctx)
	require.NoError(t, err)
	_, err = store.Join(ctx, created.ID, "anchor", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if _, err := store.Join(ctx, created.ID, id, ""); err != nil {
				t.Errorf("join %s: %v", id, err)
				return
			}
			if _, err := store.Leave(ctx, created.ID, id); err != nil {
				t.Errorf("leave %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	summary, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UserCount)
}

// Member count always equals the number of distinct joined-and-not-left clients.
func TestMembershipModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := session.NewStore()
		ctx := context.Background()
		created, err := store.Create(ctx)
		if err != nil {
			t.Fatal(err)
		}
		// keep one member so the session survives the whole run
		if _, err := store.Join(ctx, created.ID, "anchor", ""); err != nil {
			t.Fatal(err)
		}
		model := map[string]bool{"anchor": true}

		clients := []string{"a", "b", "c", "d"}
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(clients).Draw(t, "client")
			if rapid.Bool().Draw(t, "join") {
				res, err := store.Join(ctx, created.ID, id, "")
				if err != nil {
					t.Fatal(err)
				}
				model[id] = true
				if len(res.Members) != len(model) {
					t.Fatalf("join: got %d members, want %d", len(res.Members), len(model))
				}
				continue
			}
			_, err := store.Leave(ctx, created.ID, id)
			if model[id] {
				if err != nil {
					t.Fatalf("leave %s: %v", id, err)
				}
				delete(model, id)
			} else if err == nil {
				t.Fatalf("leave of absent %s succeeded", id)
			}
		}

		summary, err := store.Get(ctx, created.ID)
		if err != nil {
			t.Fatal(err)
		}
		if summary.UserCount != len(model) {
			t.Fatalf("count %d, want %d", summary.UserCount, len(model))
		}
	})
}
