package group

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudchat/chat-core/internal/audit"
	"github.com/cloudchat/chat-core/internal/chat"
	"github.com/cloudchat/chat-core/internal/identity"
	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/livecoll/memstore"
)

var alice = identity.Identity{ID: "u1", DisplayLabel: "Alice"}

func TestCreate_FansOutToInvitedOnly(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	svc := NewService(store, audit.NewMemory(), zerolog.Nop())

	g, err := svc.Create(ctx, "  Team ", []string{"u2", "u3"}, alice)
	require.NoError(t, err)
	assert.Equal(t, "Team", g.Name)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, g.Members)
	assert.False(t, g.CreatedAt.IsZero())

	stored, err := svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, stored.Members)
	assert.Equal(t, "u1", stored.CreatedBy)

	for _, uid := range []string{"u2", "u3"} {
		list, err := NewInbox(store, uid).List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1, uid)
		assert.Equal(t, g.ID, list[0].GroupID)
		assert.Equal(t, "Team", list[0].GroupName)
		assert.Equal(t, "Alice", list[0].SenderLabel)
	}
	own, err := NewInbox(store, "u1").List(ctx)
	require.NoError(t, err)
	assert.Empty(t, own, "creator gets no invitation")

	for _, uid := range []string{"u1", "u2", "u3"} {
		groups, err := svc.ListForUser(ctx, uid)
		require.NoError(t, err)
		require.Len(t, groups, 1, uid)
		assert.Equal(t, g.ID, groups[0].ID)
	}
}

func TestCreate_Validation(t *testing.T) {
	store := memstore.New()
	svc := NewService(store, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := svc.Create(ctx, "   ", []string{"u2"}, alice)
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = svc.Create(ctx, "Team", nil, alice)
	assert.ErrorIs(t, err, ErrNoMembers)

	_, err = svc.Create(ctx, "Team", []string{"u1", " "}, alice)
	assert.ErrorIs(t, err, ErrNoMembers, "inviting only yourself is inviting nobody")

	assert.Empty(t, store.Calls(memstore.OpAppend))
}

func TestCreate_DeduplicatesInvitees(t *testing.T) {
	store := memstore.New()
	svc := NewService(store, nil, zerolog.Nop())

	g, err := svc.Create(context.Background(), "Team", []string{"u2", "u1", "u2"}, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, g.Members)
}

func TestCreate_GroupWriteFails(t *testing.T) {
	store := memstore.New()
	boom := errors.New("unavailable")
	store.SetFault(func(op memstore.Op, _ string) error {
		if op == memstore.OpAppend {
			return boom
		}
		return nil
	})
	svc := NewService(store, nil, zerolog.Nop())

	g, err := svc.Create(context.Background(), "Team", []string{"u2"}, alice)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, g.ID)
	assert.Empty(t, store.Calls(memstore.OpSetMerge), "no fan-out without a group")
}

func TestCreate_PartialFanoutReportedAndRetried(t *testing.T) {
	store := memstore.New()
	ledger := audit.NewMemory()
	svc := NewService(store, ledger, zerolog.Nop())
	ctx := context.Background()

	boom := errors.New("permission denied")
	store.SetFault(func(op memstore.Op, path string) error {
		if op == memstore.OpSetMerge && strings.HasPrefix(path, "users/u3/") {
			return boom
		}
		return nil
	})

	g, err := svc.Create(ctx, "Team", []string{"u2", "u3"}, alice)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotEmpty(t, g.ID, "group is still returned")

	var fe *FanoutError
	require.ErrorAs(t, err, &fe)
	require.Len(t, fe.Failures, 2)
	assert.Equal(t, RecipientError{UID: "u3", Step: StepInvite, Err: boom}, fe.Failures[0])
	assert.Equal(t, StepIndex, fe.Failures[1].Step)

	u2, err := NewInbox(store, "u2").List(ctx)
	require.NoError(t, err)
	assert.Len(t, u2, 1, "other recipients are not rolled back")

	pending, err := ledger.ListUnresolved(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u3", pending[0].Recipient)

	store.SetFault(nil)
	n, err := svc.RetryFailed(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u3, err := NewInbox(store, "u3").List(ctx)
	require.NoError(t, err)
	require.Len(t, u3, 1)
	assert.Equal(t, "Alice", u3[0].SenderLabel)

	groups, err := svc.ListForUser(ctx, "u3")
	require.NoError(t, err)
	assert.Len(t, groups, 1, "retry repairs the room index")

	pending, err = ledger.ListUnresolved(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err = svc.RetryFailed(ctx, g.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryFailed_StillFailing(t *testing.T) {
	store := memstore.New()
	ledger := audit.NewMemory()
	svc := NewService(store, ledger, zerolog.Nop())
	ctx := context.Background()

	boom := errors.New("permission denied")
	store.SetFault(func(op memstore.Op, path string) error {
		if op == memstore.OpSetMerge && strings.HasPrefix(path, InboxPath("u2")) {
			return boom
		}
		return nil
	})
	g, err := svc.Create(ctx, "Team", []string{"u2"}, alice)
	require.Error(t, err)

	n, err := svc.RetryFailed(ctx, "")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)

	pending, err := ledger.ListUnresolved(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "failure stays open")
}

func TestListForUser_SkipsDirectAndMissing(t *testing.T) {
	store := memstore.New()
	svc := NewService(store, nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, chat.AddToIndex(ctx, store, chat.DirectRoom("u1_u2"), "u1"))
	require.NoError(t, chat.AddToIndex(ctx, store, chat.GroupRoom("gone"), "u1"))

	groups, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestInbox_NewestFirstAndDismiss(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memstore.New(memstore.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	svc := NewService(store, nil, zerolog.Nop())
	ctx := context.Background()

	first, err := svc.Create(ctx, "First", []string{"u2"}, alice)
	require.NoError(t, err)
	second, err := svc.Create(ctx, "Second", []string{"u2"}, alice)
	require.NoError(t, err)

	inbox := NewInbox(store, "u2")
	list, err := inbox.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].GroupID)
	assert.Equal(t, first.ID, list[1].GroupID)

	require.NoError(t, inbox.Dismiss(ctx, list[0].ID))
	list, err = inbox.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "First", list[0].Title())
}

func TestInbox_Watch(t *testing.T) {
	store := memstore.New()
	svc := NewService(store, nil, zerolog.Nop())
	ctx := context.Background()
	inbox := NewInbox(store, "u2")

	var mu sync.Mutex
	var counts []int
	sub, err := inbox.Watch(ctx, func(list []Notification, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			counts = append(counts, len(list))
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	g, err := svc.Create(ctx, "Team", []string{"u2"}, alice)
	require.NoError(t, err)
	store.Wait()
	require.NoError(t, inbox.Dismiss(ctx, g.ID))
	store.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 0}, counts)
}

func TestNotification_TitleFallsBackToID(t *testing.T) {
	n := NotificationFromDocument(livecoll.Document{ID: "g1", Fields: livecoll.Fields{FieldGroupID: "g1"}})
	assert.Equal(t, "g1", n.Title())
}
