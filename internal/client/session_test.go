package client

import (
	"context"
	"errors"
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
	"github.com/cloudchat/chat-core/internal/notify"
	"github.com/cloudchat/chat-core/internal/presence"
	"github.com/cloudchat/chat-core/internal/roomkey"
)

const (
	testWait = time.Second
	testTick = 5 * time.Millisecond
)

type toast struct {
	Title, Body, Tag string
}

// recorder is both the toaster and the view.
type recorder struct {
	mu     sync.Mutex
	toasts []toast
	seqs   map[chat.Room][]chat.Message
	failed map[chat.Room]error
}

func newRecorder() *recorder {
	return &recorder{seqs: make(map[chat.Room][]chat.Message), failed: make(map[chat.Room]error)}
}

func (r *recorder) Toast(title, body, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, toast{title, body, tag})
	return nil
}

func (r *recorder) Messages(room chat.Room, seq []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs[room] = seq
}

func (r *recorder) StreamFailed(room chat.Room, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[room] = err
}

func (r *recorder) Toasts() []toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]toast(nil), r.toasts...)
}

func (r *recorder) Seq(room chat.Room) []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seqs[room]
}

func newTestSession(t *testing.T, store *memstore.Store, id identity.Identity) (*Session, *recorder, *identity.Static) {
	t.Helper()
	rec := newRecorder()
	provider := identity.NewStatic(id)
	opts := DefaultOptions()
	opts.Notify.Sound = false
	opts.Notify.Desktop = false
	s := New(Deps{
		Store:    store,
		Identity: provider,
		Toaster:  rec,
		Ledger:   audit.NewMemory(),
		View:     rec,
		Logger:   zerolog.Nop(),
	}, opts)
	return s, rec, provider
}

func postAs(t *testing.T, store *memstore.Store, room chat.Room, uid, label, text string) {
	t.Helper()
	_, err := store.Append(context.Background(), room.MessagesPath(),
		chat.Message{Text: text, SenderID: uid, SenderLabel: label}.Fields())
	require.NoError(t, err)
}

func TestSession_StartWritesProfileAndPresence(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	s, _, _ := newTestSession(t, store, identity.Identity{ID: "u1", DisplayLabel: "Alice"})

	require.NoError(t, s.Start(ctx))

	p, err := s.Users().Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayLabel)

	pr, err := s.Presence(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, pr.IsOnline)

	require.NoError(t, s.Close(ctx))
	pr, err = s.Presence(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, pr.IsOnline, "close writes offline")
}

func TestSession_StartSignedOut(t *testing.T) {
	s, _, _ := newTestSession(t, memstore.New(), identity.Identity{})
	assert.ErrorIs(t, s.Start(context.Background()), ErrSignedOut)
}

func TestSession_DirectChatNotifiesPeerOnly(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	s, rec, _ := newTestSession(t, store, identity.Identity{ID: "u1", DisplayLabel: "Alice"})
	require.NoError(t, s.Start(ctx))
	defer s.Close(ctx)

	room := chat.DirectRoom(roomkey.Direct("u1", "u2"))
	postAs(t, store, room, "u2", "Bob", "old")

	got, err := s.OpenDirect(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, room, got)
	store.Wait()
	assert.Empty(t, rec.Toasts(), "backfill is not notified")
	assert.Len(t, rec.Seq(room), 1)

	sent, err := s.Send(ctx, "hello", nil)
	require.NoError(t, err)
	postAs(t, store, room, "u2", "Bob", "hi back")

	require.Eventually(t, func() bool { return len(rec.Seq(room)) == 3 }, testWait, testTick)
	store.Wait()
	assert.Equal(t, []toast{{"New message from Bob", "hi back", "message-" + rec.Seq(room)[2].ID}}, rec.Toasts())

	seq := s.Messages()
	require.Len(t, seq, 3)
	assert.Equal(t, sent.ID, seq[1].ID, "local copy reconciled with the server copy")
	assert.False(t, seq[1].Local)
}

func TestSession_FirstDirectMessageNotifiesIdlePeer(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	bob, bobRec, _ := newTestSession(t, store, identity.Identity{ID: "u2", DisplayLabel: "Bob"})
	require.NoError(t, bob.Start(ctx))
	defer bob.Close(ctx)
	alice, _, _ := newTestSession(t, store, identity.Identity{ID: "u1", DisplayLabel: "Alice"})
	require.NoError(t, alice.Start(ctx))
	defer alice.Close(ctx)
	store.Wait()
	require.Empty(t, bob.Watching())

	room, err := alice.OpenDirect(ctx, "u2")
	require.NoError(t, err)
	_, err = alice.Send(ctx, "first", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(bobRec.Toasts()) == 1 }, testWait, testTick)
	store.Wait()
	got := bobRec.Toasts()
	require.Len(t, got, 1)
	assert.Equal(t, "New message from Alice", got[0].Title)
	assert.Equal(t, "first", got[0].Body)
	assert.Equal(t, []chat.Room{room}, bob.Watching())

	_, err = alice.Send(ctx, "second", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bobRec.Toasts()) == 2 }, testWait, testTick)
	store.Wait()
	assert.Equal(t, "second", bobRec.Toasts()[1].Body)
}

// stalledDesktop is a granted desktop surface whose Show waits for release.
type stalledDesktop struct {
	shown   chan struct{}
	release chan struct{}
}

func (d *stalledDesktop) RequestPermission() {}

func (d *stalledDesktop) PermissionState() notify.Permission { return notify.PermissionGranted }

func (d *stalledDesktop) Show(_, _, _ string) error {
	select {
	case d.shown <- struct{}{}:
	default:
	}
	<-d.release
	return nil
}

func TestSession_StalledDesktopDoesNotHoldBackView(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	desk := &stalledDesktop{shown: make(chan struct{}, 1), release: make(chan struct{})}
	rec := newRecorder()
	opts := DefaultOptions()
	opts.Notify.Sound = false
	opts.Notify.Desktop = true
	s := New(Deps{
		Store:    store,
		Identity: identity.NewStatic(identity.Identity{ID: "u1", DisplayLabel: "Alice"}),
		Toaster:  rec,
		Desktop:  desk,
		Ledger:   audit.NewMemory(),
		View:     rec,
		Logger:   zerolog.Nop(),
	}, opts)
	require.NoError(t, s.Start(ctx))
	defer s.Close(ctx)
	var once sync.Once
	release := func() { once.Do(func() { close(desk.release) }) }
	defer release()

	room, err := s.OpenDirect(ctx, "u2")
	require.NoError(t, err)
	store.Wait()

	postAs(t, store, room, "u2", "Bob", "ping")
	select {
	case <-desk.shown:
	case <-time.After(testWait):
		t.Fatal("desktop notification never shown")
	}
	seq := rec.Seq(room)
	require.Len(t, seq, 1, "view holds the message while the desktop surface is stalled")
	assert.Equal(t, "ping", seq[0].Text)
	release()
}

func TestSession_BackgroundRoomsNotify(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	s, rec, _ := newTestSession(t, store, identity.Identity{ID: "u1", DisplayLabel: "Alice"})
	require.NoError(t, s.Start(ctx))
	defer s.Close(ctx)

	g, err := s.CreateGroup(ctx, "Team", []string{"u2", "u3"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Watching()) == 1 }, testWait, testTick)
	store.Wait()

	postAs(t, store, g.Room(), "u3", "Carol", "")
	require.Eventually(t, func() bool { return len(rec.Toasts()) == 1 }, testWait, testTick)
	assert.Equal(t, "New group message from Carol", rec.Toasts()[0].Title)
	assert.Equal(t, "📷 Sent an image", rec.Toasts()[0].Body)

	_, err = s.OpenGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, s.Watching(), "focused room is not scanned")

	postAs(t, store, g.Room(), "u2", "Bob", "in focus")
	require.Eventually(t, func() bool { return len(rec.Toasts()) == 2 }, testWait, testTick)
	store.Wait()
	assert.Len(t, rec.Toasts(), 2, "focused and background streams never both notify")

	s.CloseRoom()
	assert.Len(t, s.Watching(), 1)
}

func TestSession_OpenErrors(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	s, _, _ := newTestSession(t, store, identity.Identity{ID: "u1"})

	_, err := s.OpenDirect(ctx, "u2")
	assert.ErrorIs(t, err, ErrSignedOut)

	require.NoError(t, s.Start(ctx))
	defer s.Close(ctx)

	_, err = s.OpenDirect(ctx, "u1")
	assert.ErrorIs(t, err, roomkey.ErrSelfChat)

	_, err = s.OpenGroup(ctx, "missing")
	assert.ErrorIs(t, err, livecoll.ErrNotFound)

	other, _, _ := newTestSession(t, store, identity.Identity{ID: "u7"})
	require.NoError(t, other.Start(ctx))
	defer other.Close(ctx)
	g, err := other.CreateGroup(ctx, "Private", []string{"u8"})
	require.NoError(t, err)
	_, err = s.OpenGroup(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = s.Send(ctx, "hello", nil)
	assert.ErrorIs(t, err, ErrNoRoom)
}

func TestSession_IdentityChangeResetsRoom(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	s, _, provider := newTestSession(t, store, identity.Identity{ID: "u1"})
	require.NoError(t, s.Start(ctx))
	defer s.Close(ctx)

	_, err := s.OpenDirect(ctx, "u2")
	require.NoError(t, err)

	provider.Set(identity.Identity{ID: "u5", DisplayLabel: "Eve"})
	assert.True(t, s.Room().IsZero(), "identity change closes the focused room")
	me, ok := s.Me()
	require.True(t, ok)
	assert.Equal(t, "u5", me.ID)

	old, err := s.Presence(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, old.IsOnline, "previous identity goes offline")
	now, err := s.Presence(ctx, "u5")
	require.NoError(t, err)
	assert.True(t, now.IsOnline)

	provider.Clear()
	_, ok = s.Me()
	assert.False(t, ok)
	_, err = s.Send(ctx, "x", nil)
	assert.ErrorIs(t, err, ErrSignedOut)
}

func TestSession_StreamFailureReachesView(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	s, rec, _ := newTestSession(t, store, identity.Identity{ID: "u1"})
	require.NoError(t, s.Start(ctx))
	defer s.Close(ctx)

	room, err := s.OpenDirect(ctx, "u2")
	require.NoError(t, err)
	store.Wait()

	boom := errors.New("permission denied")
	store.FailSubscriptions(room.MessagesPath(), boom)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return errors.Is(rec.failed[room], boom)
	}, testWait, testTick)
}

func TestSession_PresenceStatus(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	s, _, _ := newTestSession(t, store, identity.Identity{ID: "u1"})
	require.NoError(t, s.Start(ctx))
	defer s.Close(ctx)

	p, err := s.Presence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Online", presence.DefaultConfig().Status(p, time.Now(), time.UTC))
}
