// Package notify decides whether new arrivals surface as a toast, a sound or a
// desktop notification, and scans the rooms an identity belongs to for
// arrivals outside the focused room.
package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cloudchat/chat-core/internal/chat"
	"github.com/cloudchat/chat-core/internal/metrics"
)

// ImagePlaceholder is the body of notifications for image-only messages.
const ImagePlaceholder = "📷 Sent an image"

// Permission is the platform's desktop notification permission.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Toaster shows in-app toasts.
type Toaster interface {
	Toast(title, body, tag string) error
}

// Sound plays the arrival chime.
type Sound interface {
	Play() error
}

// Desktop is the platform notification surface. RequestPermission and Show
// must not block; Show runs on the message delivery path.
type Desktop interface {
	RequestPermission()
	PermissionState() Permission
	Show(title, body, tag string) error
}

// Config switches notification channels. Enabled gates all of them.
type Config struct {
	Enabled    bool
	Toast      bool
	Sound      bool
	Desktop    bool
	RecentSize int // message ids remembered for dedup
}

// DefaultConfig enables every channel.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Toast:      true,
		Sound:      true,
		Desktop:    true,
		RecentSize: DefaultRecentSize,
	}
}

// Notification is what one arrival renders to.
type Notification struct {
	Title string
	Body  string
	Tag   string
}

// Render builds the notification for msg arriving in a room of kind.
func Render(kind chat.RoomKind, msg chat.Message) Notification {
	title := "New message from " + msg.SenderLabel
	if kind == chat.KindGroup {
		title = "New group message from " + msg.SenderLabel
	}
	body := msg.Text
	if strings.TrimSpace(body) == "" {
		body = ImagePlaceholder
	}
	return Notification{Title: title, Body: body, Tag: Tag(msg.ID)}
}

// Tag is the coalescing key delivery layers use for msgID.
func Tag(msgID string) string {
	return "message-" + msgID
}

// Dispatcher turns arrivals into notification side effects, at most once per
// message id. Failures of any channel are logged and counted, never returned.
type Dispatcher struct {
	config  Config
	toaster Toaster
	sound   Sound
	desktop Desktop
	log     zerolog.Logger
	recent  *recentIDs

	mu        sync.Mutex
	uid       string
	requested bool
}

// NewDispatcher creates a dispatcher for the identity uid. Any channel
// implementation may be nil, which disables that channel.
func NewDispatcher(config Config, uid string, toaster Toaster, sound Sound, desktop Desktop, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		config:  config,
		toaster: toaster,
		sound:   sound,
		desktop: desktop,
		log:     logger.With().Str("component", "notify").Logger(),
		recent:  newRecentIDs(config.RecentSize),
		uid:     uid,
	}
}

// SetUser changes the identity whose own messages are suppressed.
func (d *Dispatcher) SetUser(uid string) {
	d.mu.Lock()
	d.uid = uid
	d.mu.Unlock()
}

// Dispatch handles arrivals from one room, in order. Its signature matches
// chat.Listener.Arrivals.
func (d *Dispatcher) Dispatch(room chat.Room, msgs []chat.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range msgs {
		d.dispatchLocked(room, m)
	}
}

func (d *Dispatcher) dispatchLocked(room chat.Room, m chat.Message) {
	switch {
	case !d.config.Enabled:
		metrics.NotificationsSuppressed.WithLabelValues("disabled").Inc()
		return
	case m.SenderID == d.uid:
		metrics.NotificationsSuppressed.WithLabelValues("self").Inc()
		return
	case d.recent.Mark(m.ID):
		metrics.NotificationsSuppressed.WithLabelValues("duplicate").Inc()
		return
	}

	n := Render(room.Kind, m)
	log := d.log.With().Str("room", room.String()).Str("msg_id", m.ID).Logger()

	if d.config.Toast && d.toaster != nil {
		d.record("toast", d.toaster.Toast(n.Title, n.Body, n.Tag), log)
	}
	if d.config.Sound && d.sound != nil {
		d.record("sound", d.playSound(), log)
	}
	if d.config.Desktop && d.desktop != nil {
		d.showDesktop(n, log)
	}
}

// playSound never lets a broken audio backend take down delivery.
func (d *Dispatcher) playSound() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sound panic: %v", r)
		}
	}()
	return d.sound.Play()
}

func (d *Dispatcher) showDesktop(n Notification, log zerolog.Logger) {
	switch d.desktop.PermissionState() {
	case PermissionGranted:
		d.requested = false
		d.record("desktop", d.desktop.Show(n.Title, n.Body, n.Tag), log)
	case PermissionDenied:
		d.requested = false
		metrics.NotificationsTotal.WithLabelValues("desktop", "skipped").Inc()
	default:
		metrics.NotificationsTotal.WithLabelValues("desktop", "skipped").Inc()
		if !d.requested {
			d.requested = true
			d.desktop.RequestPermission()
			log.Debug().Msg("desktop permission requested")
		}
	}
}

func (d *Dispatcher) record(channel string, err error, log zerolog.Logger) {
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(channel, "failed").Inc()
		log.Warn().Err(err).Str("channel", channel).Msg("notification failed")
		return
	}
	metrics.NotificationsTotal.WithLabelValues(channel, "fired").Inc()
}
