package chat

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/metrics"
	"github.com/cloudchat/chat-core/internal/roomkey"
)

// Uploader stores an attachment and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

// Optimist shows a message before the store acknowledges it.
// *Synchronizer satisfies it.
type Optimist interface {
	AddLocal(room Room, m Message)
	DropLocal(room Room, clientKey string)
}

// Sender is the author of outgoing messages.
type Sender struct {
	UID   string
	Label string
}

// Draft is the unsent content of the composer.
type Draft struct {
	Text  string
	Image []byte
}

// Empty reports whether the draft has nothing to send.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && len(d.Image) == 0
}

func (d Draft) equal(o Draft) bool {
	return d.Text == o.Text && bytes.Equal(d.Image, o.Image)
}

// Composer holds a draft and sends it into rooms.
type Composer struct {
	store    livecoll.Store
	uploader Uploader
	optimist Optimist
	log      zerolog.Logger

	mu    sync.Mutex
	draft Draft
}

// NewComposer creates a composer. uploader and optimist may be nil; without
// an uploader, drafts with images fail with ErrUpload.
func NewComposer(store livecoll.Store, uploader Uploader, optimist Optimist, logger zerolog.Logger) *Composer {
	return &Composer{
		store:    store,
		uploader: uploader,
		optimist: optimist,
		log:      logger.With().Str("component", "composer").Logger(),
	}
}

// SetText replaces the draft text.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	c.draft.Text = text
	c.mu.Unlock()
}

// SetImage replaces the draft attachment. nil removes it.
func (c *Composer) SetImage(data []byte) {
	c.mu.Lock()
	c.draft.Image = data
	c.mu.Unlock()
}

// Draft returns the current draft.
func (c *Composer) Draft() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Send uploads the draft's image, if any, and appends the message to room.
// The draft is cleared only after the append succeeds; on any error it is
// left as it was so the user can retry.
func (c *Composer) Send(ctx context.Context, room Room, from Sender) (Message, error) {
	draft := c.Draft()
	if draft.Empty() {
		metrics.MessagesSentTotal.WithLabelValues("rejected").Inc()
		return Message{}, ErrEmptyMessage
	}
	if err := ValidateText(draft.Text); err != nil {
		metrics.MessagesSentTotal.WithLabelValues("rejected").Inc()
		return Message{}, err
	}
	start := time.Now()

	var imageURL string
	if len(draft.Image) > 0 {
		mime, err := ValidateImage(draft.Image)
		if err != nil {
			metrics.MessagesSentTotal.WithLabelValues("rejected").Inc()
			return Message{}, err
		}
		if c.uploader == nil {
			metrics.MessagesSentTotal.WithLabelValues("upload_failed").Inc()
			return Message{}, fmt.Errorf("%w: no uploader configured", ErrUpload)
		}
		imageURL, err = c.uploader.Upload(ctx, draft.Image)
		if err != nil {
			metrics.MessagesSentTotal.WithLabelValues("upload_failed").Inc()
			c.log.Warn().Err(err).Str("room", room.String()).Str("mime", mime).Msg("upload failed")
			return Message{}, fmt.Errorf("%w: %w", ErrUpload, err)
		}
	}

	msg := Message{
		Text:        draft.Text,
		SenderLabel: from.Label,
		SenderID:    from.UID,
		ImageURL:    imageURL,
		ClientKey:   uuid.NewString(),
	}
	// Index first, so a peer who has never seen the room starts watching it
	// before the message lands.
	if room.Kind == KindDirect {
		c.indexDirect(ctx, room)
	}
	if c.optimist != nil {
		c.optimist.AddLocal(room, msg)
	}

	id, err := c.store.Append(ctx, room.MessagesPath(), msg.Fields())
	if err != nil {
		if c.optimist != nil {
			c.optimist.DropLocal(room, msg.ClientKey)
		}
		metrics.MessagesSentTotal.WithLabelValues("append_failed").Inc()
		c.log.Warn().Err(err).Str("room", room.String()).Msg("append failed")
		return Message{}, fmt.Errorf("%w: %w", ErrAppend, err)
	}
	msg.ID = id

	c.mu.Lock()
	if c.draft.equal(draft) {
		c.draft = Draft{}
	}
	c.mu.Unlock()

	metrics.MessagesSentTotal.WithLabelValues("sent").Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// indexDirect makes sure both participants' room indexes list a direct room.
// Failures are logged; the send goes ahead.
func (c *Composer) indexDirect(ctx context.Context, room Room) {
	a, b, ok := roomkey.Key(room.ID).Participants()
	if !ok {
		return
	}
	if err := AddToIndex(ctx, c.store, room, a, b); err != nil {
		c.log.Warn().Err(err).Str("room", room.String()).Msg("room index update failed")
	}
}
