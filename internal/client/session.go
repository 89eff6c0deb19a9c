// Package client wires the chat core together for one signed-in identity:
// the focused room stream, background scanning, notifications, presence,
// the send path and group fan-out.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cloudchat/chat-core/internal/audit"
	"github.com/cloudchat/chat-core/internal/chat"
	"github.com/cloudchat/chat-core/internal/group"
	"github.com/cloudchat/chat-core/internal/identity"
	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/notify"
	"github.com/cloudchat/chat-core/internal/presence"
	"github.com/cloudchat/chat-core/internal/roomkey"
	"github.com/cloudchat/chat-core/internal/users"
)

var (
	// ErrSignedOut is returned while the identity provider has no identity.
	ErrSignedOut = errors.New("client: signed out")

	// ErrNoRoom is returned by Send when no room is open.
	ErrNoRoom = errors.New("client: no room open")

	// ErrNotMember is returned when opening a group the identity is not in.
	ErrNotMember = errors.New("client: not a member of the group")
)

// View renders the focused room. Calls are serialized per room.
type View interface {
	Messages(room chat.Room, seq []chat.Message)
	StreamFailed(room chat.Room, err error)
}

// Deps are the collaborators of a Session. Uploader, Toaster, Sound,
// Desktop, Ledger and View may be nil.
type Deps struct {
	Store    livecoll.Store
	Identity identity.Provider
	Uploader chat.Uploader
	Toaster  notify.Toaster
	Sound    notify.Sound
	Desktop  notify.Desktop
	Ledger   audit.Ledger
	View     View
	Logger   zerolog.Logger
}

// Options tune a Session.
type Options struct {
	Notify   notify.Config
	Presence presence.Config
	Sync     chat.SyncConfig
}

// DefaultOptions returns the session defaults.
func DefaultOptions() Options {
	return Options{
		Notify:   notify.DefaultConfig(),
		Presence: presence.DefaultConfig(),
		Sync:     chat.DefaultSyncConfig(),
	}
}

// Session is the client for one identity at a time. An identity change
// closes the focused room and restarts presence and scanning for the new
// identity.
type Session struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	dispatcher *notify.Dispatcher
	scanner    *notify.Scanner
	focus      *chat.Synchronizer
	composer   *chat.Composer
	groups     *group.Service
	users      *users.Directory
	presence   *presence.Reader

	mu       sync.Mutex
	ctx      context.Context
	me       identity.Identity
	signedIn bool
	tracker  *presence.Tracker
	unwatch  func()
}

// New builds a stopped Session.
func New(deps Deps, opts Options) *Session {
	log := deps.Logger.With().Str("component", "session").Logger()
	s := &Session{
		deps:     deps,
		opts:     opts,
		log:      log,
		groups:   group.NewService(deps.Store, deps.Ledger, deps.Logger),
		users:    users.NewDirectory(deps.Store),
		presence: presence.NewReader(deps.Store),
	}
	s.dispatcher = notify.NewDispatcher(opts.Notify, "", deps.Toaster, deps.Sound, deps.Desktop, deps.Logger)
	s.scanner = notify.NewScanner(deps.Store, s.dispatcher.Dispatch, deps.Logger)
	s.focus = chat.NewSynchronizer(deps.Store, chat.Listener{
		Arrivals: s.dispatcher.Dispatch,
		Updated: func(room chat.Room, seq []chat.Message) {
			if deps.View != nil {
				deps.View.Messages(room, seq)
			}
		},
		Failed: func(room chat.Room, err error) {
			if deps.View != nil {
				deps.View.StreamFailed(room, err)
			}
		},
	}, opts.Sync, deps.Logger)
	s.composer = chat.NewComposer(deps.Store, deps.Uploader, s.focus, deps.Logger)
	return s
}

// Start signs the session in as the provider's current identity and keeps
// following identity changes until Close. ctx bounds the session.
func (s *Session) Start(ctx context.Context) error {
	id, ok := s.deps.Identity.Current()
	if !ok {
		return ErrSignedOut
	}

	s.mu.Lock()
	s.ctx = ctx
	err := s.signInLocked(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	unwatch := s.deps.Identity.OnChange(s.identityChanged)
	s.mu.Lock()
	s.unwatch = unwatch
	s.mu.Unlock()
	return nil
}

func (s *Session) signInLocked(ctx context.Context, id identity.Identity) error {
	s.me = id
	s.signedIn = true
	s.dispatcher.SetUser(id.ID)

	if err := s.users.Save(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("uid", id.ID).Msg("profile save failed")
	}

	s.tracker = presence.NewTracker(s.deps.Store, id.ID, s.opts.Presence, s.deps.Logger)
	if err := s.tracker.Start(ctx); err != nil {
		// The heartbeat keeps retrying on its own schedule.
		s.log.Warn().Err(err).Str("uid", id.ID).Msg("initial presence write failed")
	}

	if err := s.scanner.Start(ctx, id.ID); err != nil {
		return fmt.Errorf("client: start %s: %w", id.ID, err)
	}
	s.log.Info().Str("uid", id.ID).Str("label", id.Label()).Msg("session started")
	return nil
}

func (s *Session) signOutLocked(ctx context.Context) error {
	if !s.signedIn {
		return nil
	}
	s.signedIn = false
	s.focus.Close()
	s.scanner.Focus(chat.Room{})
	s.scanner.Stop()

	var err error
	if s.tracker != nil {
		err = s.tracker.Stop(ctx)
		s.tracker = nil
	}
	s.log.Info().Str("uid", s.me.ID).Msg("session stopped")
	return err
}

func (s *Session) identityChanged(id identity.Identity, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return
	}
	if s.signedIn && ok && id.ID == s.me.ID {
		s.me = id
		return
	}
	if err := s.signOutLocked(s.ctx); err != nil {
		s.log.Warn().Err(err).Msg("offline write failed on identity change")
	}
	if !ok {
		s.me = identity.Identity{}
		return
	}
	if err := s.signInLocked(s.ctx, id); err != nil {
		s.log.Error().Err(err).Str("uid", id.ID).Msg("identity switch failed")
	}
}

// Me returns the signed-in identity.
func (s *Session) Me() (identity.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.me, s.signedIn
}

// OpenDirect focuses the direct room with peer.
func (s *Session) OpenDirect(ctx context.Context, peer string) (chat.Room, error) {
	me, ok := s.Me()
	if !ok {
		return chat.Room{}, ErrSignedOut
	}
	key, err := roomkey.NewDirect(me.ID, peer)
	if err != nil {
		return chat.Room{}, fmt.Errorf("client: open direct: %w", err)
	}
	room := chat.DirectRoom(key)
	return room, s.open(ctx, room)
}

// OpenGroup focuses a group room the identity belongs to.
func (s *Session) OpenGroup(ctx context.Context, groupID string) (chat.Room, error) {
	me, ok := s.Me()
	if !ok {
		return chat.Room{}, ErrSignedOut
	}
	g, err := s.groups.Get(ctx, groupID)
	if err != nil {
		return chat.Room{}, fmt.Errorf("client: open group: %w", err)
	}
	if !g.HasMember(me.ID) {
		return chat.Room{}, fmt.Errorf("client: open group %s: %w", groupID, ErrNotMember)
	}
	return g.Room(), s.open(ctx, g.Room())
}

func (s *Session) open(ctx context.Context, room chat.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.signedIn {
		return ErrSignedOut
	}
	s.scanner.Focus(room)
	if err := s.focus.Open(ctx, room); err != nil {
		return err
	}
	s.log.Debug().Str("room", room.String()).Msg("room focused")
	return nil
}

// CloseRoom unfocuses the open room; it is scanned in the background again.
func (s *Session) CloseRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focus.Close()
	s.scanner.Focus(chat.Room{})
}

// Room is the focused room, or the zero Room.
func (s *Session) Room() chat.Room {
	return s.focus.Room()
}

// Messages is the focused room's current sequence.
func (s *Session) Messages() []chat.Message {
	return s.focus.Messages()
}

// Send posts text and an optional image to the focused room.
func (s *Session) Send(ctx context.Context, text string, image []byte) (chat.Message, error) {
	me, ok := s.Me()
	if !ok {
		return chat.Message{}, ErrSignedOut
	}
	room := s.focus.Room()
	if room.IsZero() {
		return chat.Message{}, ErrNoRoom
	}
	s.composer.SetText(text)
	s.composer.SetImage(image)
	return s.composer.Send(ctx, room, chat.Sender{UID: me.ID, Label: me.Label()})
}

// CreateGroup creates a group with the signed-in identity as creator.
func (s *Session) CreateGroup(ctx context.Context, name string, invited []string) (group.Group, error) {
	me, ok := s.Me()
	if !ok {
		return group.Group{}, ErrSignedOut
	}
	return s.groups.Create(ctx, name, invited, me)
}

// RetryFanout replays failed invitations of groupID, or of every group.
func (s *Session) RetryFanout(ctx context.Context, groupID string) (int, error) {
	return s.groups.RetryFailed(ctx, groupID)
}

// Groups lists the groups the signed-in identity belongs to.
func (s *Session) Groups(ctx context.Context) ([]group.Group, error) {
	me, ok := s.Me()
	if !ok {
		return nil, ErrSignedOut
	}
	return s.groups.ListForUser(ctx, me.ID)
}

// Inbox is the signed-in identity's invitation inbox.
func (s *Session) Inbox() (*group.Inbox, error) {
	me, ok := s.Me()
	if !ok {
		return nil, ErrSignedOut
	}
	return group.NewInbox(s.deps.Store, me.ID), nil
}

// Users is the profile directory.
func (s *Session) Users() *users.Directory {
	return s.users
}

// Presence loads uid's presence.
func (s *Session) Presence(ctx context.Context, uid string) (presence.Presence, error) {
	return s.presence.Get(ctx, uid)
}

// Watching lists the rooms scanned in the background.
func (s *Session) Watching() []chat.Room {
	return s.scanner.Watching()
}

// Close stops following identity changes, closes every stream and writes
// the final offline presence record.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.signOutLocked(ctx)
	s.ctx = nil
	return err
}
