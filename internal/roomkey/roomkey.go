// Package roomkey derives the identifier of a direct (two-party) conversation
// from its participants. The key is the two user ids sorted lexicographically
// and joined with Separator, so both sides resolve to the same room no matter
// who opens it first.
package roomkey

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Separator joins the two participant ids. It must never appear inside an id,
// otherwise two different pairs could collide.
const Separator = "_"

var (
	// ErrSelfChat is returned when both participants are the same identity.
	ErrSelfChat = errors.New("roomkey: cannot open a direct chat with yourself")

	// ErrInvalidIdentifier is returned for empty ids or ids containing Separator.
	ErrInvalidIdentifier = errors.New("roomkey: invalid identifier")
)

// Key identifies a direct chat room.
type Key string

// Direct returns the room key for the unordered pair {a, b}. It never fails;
// callers that accept user input should use NewDirect instead.
func Direct(a, b string) Key {
	pair := []string{a, b}
	sort.Strings(pair)
	return Key(strings.Join(pair, Separator))
}

// NewDirect validates both ids and returns their room key.
func NewDirect(a, b string) (Key, error) {
	for _, id := range []string{a, b} {
		if id == "" || strings.Contains(id, Separator) {
			return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
		}
	}
	if a == b {
		return "", ErrSelfChat
	}
	return Direct(a, b), nil
}

// Participants splits the key back into its two ids in sorted order.
// ok is false if the key was not produced by Direct.
func (k Key) Participants() (a, b string, ok bool) {
	parts := strings.Split(string(k), Separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Includes reports whether uid is one of the two participants. It compares
// whole ids, so "u1" is not a participant of "u10_u2".
func (k Key) Includes(uid string) bool {
	a, b, ok := k.Participants()
	return ok && (uid == a || uid == b)
}

// Peer returns the participant that is not uid.
func (k Key) Peer(uid string) (string, bool) {
	a, b, ok := k.Participants()
	switch {
	case !ok:
		return "", false
	case uid == a:
		return b, true
	case uid == b:
		return a, true
	}
	return "", false
}

func (k Key) String() string { return string(k) }
