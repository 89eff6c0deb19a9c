// Package group creates group rooms and fans invitations out to the invited
// members' notification inboxes.
//
// Fan-out is best effort. The group record is written first; every
// invitation and room index write after it is attempted independently and
// failures are reported together in a *FanoutError alongside the group.
// Failed invitations are recorded in an audit ledger so RetryFailed can
// replay them later.
package group

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudchat/chat-core/internal/audit"
	"github.com/cloudchat/chat-core/internal/chat"
	"github.com/cloudchat/chat-core/internal/identity"
	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/metrics"
)

// Collection holds group records.
const Collection = "groups"

// Group record field names.
const (
	FieldName      = "name"
	FieldMembers   = "members"
	FieldCreatedBy = "createdBy"
	FieldCreatedAt = "createdAt"
)

var (
	// ErrEmptyName is returned when the group name is blank after trimming.
	ErrEmptyName = errors.New("group: name is empty")

	// ErrNoMembers is returned when nobody besides the creator is invited.
	ErrNoMembers = errors.New("group: no members invited")
)

// Group is a multi-member room. Membership only grows.
type Group struct {
	ID        string
	Name      string
	Members   []string
	CreatedBy string
	CreatedAt time.Time
}

// Room is the chat room of g.
func (g Group) Room() chat.Room {
	return chat.GroupRoom(g.ID)
}

// HasMember reports whether uid belongs to g.
func (g Group) HasMember(uid string) bool {
	for _, m := range g.Members {
		if m == uid {
			return true
		}
	}
	return false
}

// FromDocument reads a group record.
func FromDocument(doc livecoll.Document) Group {
	g := Group{
		ID:        doc.ID,
		Name:      doc.Fields.String(FieldName),
		Members:   stringList(doc.Fields[FieldMembers]),
		CreatedBy: doc.Fields.String(FieldCreatedBy),
	}
	if ms, ok := doc.Fields.Int64(FieldCreatedAt); ok {
		g.CreatedAt = livecoll.Millis(ms)
	}
	return g
}

// stringList accepts both the in-memory and the decoded JSON shape.
func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return append([]string(nil), l...)
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Step names the fan-out write that failed.
type Step string

const (
	StepInvite Step = "invite"
	StepIndex  Step = "index"
)

// RecipientError is one failed fan-out write.
type RecipientError struct {
	UID  string
	Step Step
	Err  error
}

func (e RecipientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Step, e.UID, e.Err)
}

func (e RecipientError) Unwrap() error { return e.Err }

// FanoutError reports a group that was created but not fully fanned out.
type FanoutError struct {
	Group    Group
	Failures []RecipientError
}

func (e *FanoutError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("group: %s created with %d failed writes: %s",
		e.Group.ID, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes every underlying cause to errors.Is and errors.As.
func (e *FanoutError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Service creates groups and replays failed fan-out.
type Service struct {
	store  livecoll.Store
	ledger audit.Ledger
	log    zerolog.Logger
}

// NewService creates a Service. A nil ledger disables failure recording.
func NewService(store livecoll.Store, ledger audit.Ledger, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		log:    logger.With().Str("component", "group").Logger(),
	}
}

// Create writes a group whose members are the creator plus invited, then
// invites every invited member and indexes the room for every member.
//
// The returned Group is valid whenever the group record was written, even
// if the error is a *FanoutError.
func (s *Service) Create(ctx context.Context, name string, invited []string, creator identity.Identity) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, ErrEmptyName
	}
	invitees := normalizeInvitees(invited, creator.ID)
	if len(invitees) == 0 {
		return Group{}, ErrNoMembers
	}

	members := append([]string{creator.ID}, invitees...)
	id, err := s.store.Append(ctx, Collection, livecoll.Fields{
		FieldName:      name,
		FieldMembers:   members,
		FieldCreatedBy: creator.ID,
		FieldCreatedAt: livecoll.ServerTimestamp,
	})
	if err != nil {
		return Group{}, fmt.Errorf("group: create %q: %w", name, err)
	}
	g := Group{ID: id, Name: name, Members: members, CreatedBy: creator.ID}
	if docs, err := s.store.GetOnce(ctx, livecoll.Join(Collection, id)); err == nil && len(docs) == 1 {
		g.CreatedAt = FromDocument(docs[0]).CreatedAt
	}

	log := s.log.With().Str("group", id).Logger()
	log.Info().Str("name", name).Int("members", len(members)).Msg("group created")

	var failures []RecipientError
	sender := creator.Label()
	for _, uid := range invitees {
		if err := s.invite(ctx, g, uid, sender); err != nil {
			metrics.FanoutWritesTotal.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("recipient", uid).Msg("invitation write failed")
			failures = append(failures, RecipientError{UID: uid, Step: StepInvite, Err: err})
			s.recordFailure(ctx, g, uid, sender, err)
			continue
		}
		metrics.FanoutWritesTotal.WithLabelValues("ok").Inc()
	}
	for _, uid := range members {
		if err := chat.AddToIndex(ctx, s.store, g.Room(), uid); err != nil {
			log.Warn().Err(err).Str("member", uid).Msg("room index write failed")
			failures = append(failures, RecipientError{UID: uid, Step: StepIndex, Err: err})
		}
	}

	if len(failures) > 0 {
		return g, &FanoutError{Group: g, Failures: failures}
	}
	return g, nil
}

// normalizeInvitees drops blanks, duplicates and the creator, keeping order.
func normalizeInvitees(invited []string, creator string) []string {
	seen := map[string]bool{creator: true}
	var out []string
	for _, uid := range invited {
		uid = strings.TrimSpace(uid)
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	return out
}

func (s *Service) invite(ctx context.Context, g Group, uid, sender string) error {
	return s.store.SetMerge(ctx, livecoll.Join(InboxPath(uid), g.ID), livecoll.Fields{
		FieldGroupID:     g.ID,
		FieldGroupName:   g.Name,
		FieldSenderLabel: sender,
		FieldCreatedAt:   livecoll.ServerTimestamp,
	})
}

func (s *Service) recordFailure(ctx context.Context, g Group, uid, sender string, cause error) {
	if s.ledger == nil {
		return
	}
	_, err := s.ledger.Record(ctx, audit.Failure{
		GroupID:     g.ID,
		GroupName:   g.Name,
		Recipient:   uid,
		SenderLabel: sender,
		Error:       cause.Error(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("group", g.ID).Str("recipient", uid).Msg("failed to record fan-out failure")
	}
}

// RetryFailed re-indexes groupID for every member and replays its
// unresolved invitation failures. An empty groupID replays every group.
// It returns how many invitations were delivered.
func (s *Service) RetryFailed(ctx context.Context, groupID string) (int, error) {
	if s.ledger == nil {
		return 0, nil
	}
	pending, err := s.ledger.ListUnresolved(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("group: retry: %w", err)
	}

	reindexed := make(map[string]bool)
	var errs []error
	delivered := 0
	for _, f := range pending {
		g := Group{ID: f.GroupID, Name: f.GroupName}
		if !reindexed[f.GroupID] {
			reindexed[f.GroupID] = true
			if full, err := s.Get(ctx, f.GroupID); err == nil {
				if err := chat.AddToIndex(ctx, s.store, full.Room(), full.Members...); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if err := s.invite(ctx, g, f.Recipient, f.SenderLabel); err != nil {
			errs = append(errs, RecipientError{UID: f.Recipient, Step: StepInvite, Err: err})
			continue
		}
		if err := s.ledger.Resolve(ctx, f.ID); err != nil {
			errs = append(errs, err)
		}
		metrics.FanoutWritesTotal.WithLabelValues("retried").Inc()
		delivered++
	}
	if groupID != "" && !reindexed[groupID] {
		if g, err := s.Get(ctx, groupID); err == nil {
			if err := chat.AddToIndex(ctx, s.store, g.Room(), g.Members...); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.log.Info().Str("group", groupID).Int("delivered", delivered).Int("pending", len(pending)).Msg("fan-out retry finished")
	if err := errors.Join(errs...); err != nil {
		return delivered, fmt.Errorf("group: retry: %w", err)
	}
	return delivered, nil
}

// Get loads a group record, or livecoll.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (Group, error) {
	docs, err := s.store.GetOnce(ctx, livecoll.Join(Collection, id))
	if err != nil {
		return Group{}, fmt.Errorf("group: get %s: %w", id, err)
	}
	if len(docs) == 0 {
		return Group{}, fmt.Errorf("group: get %s: %w", id, livecoll.ErrNotFound)
	}
	return FromDocument(docs[0]), nil
}

// ListForUser returns the groups in uid's room index, oldest first. Index
// entries whose group record is gone are skipped.
func (s *Service) ListForUser(ctx context.Context, uid string) ([]Group, error) {
	docs, err := s.store.GetOnce(ctx, chat.IndexPath(uid))
	if err != nil {
		return nil, fmt.Errorf("group: list for %s: %w", uid, err)
	}
	var out []Group
	for _, doc := range docs {
		entry, ok := chat.IndexEntryFromDocument(doc)
		if !ok || entry.Room.Kind != chat.KindGroup {
			continue
		}
		g, err := s.Get(ctx, entry.Room.ID)
		if errors.Is(err, livecoll.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
