// Package identity defines the signed-in identity the chat core acts as and
// providers that supply it.
package identity

import (
	"sort"
	"sync"
)

// Identity is the acting user.
type Identity struct {
	ID           string
	DisplayLabel string
	Email        string
	PhotoURL     string
}

// Label is the name shown as a message sender: the display label, else the
// email, else "Anonymous".
func (i Identity) Label() string {
	switch {
	case i.DisplayLabel != "":
		return i.DisplayLabel
	case i.Email != "":
		return i.Email
	}
	return "Anonymous"
}

// Provider supplies the current identity and reports changes. ok is false
// while nobody is signed in.
type Provider interface {
	Current() (id Identity, ok bool)
	OnChange(fn func(id Identity, ok bool)) (cancel func())
}

// Static is a Provider whose identity is set by the caller.
type Static struct {
	mu     sync.Mutex
	id     Identity
	ok     bool
	nextID int
	subs   map[int]func(Identity, bool)
}

var _ Provider = (*Static)(nil)

// NewStatic returns a provider signed in as id. A zero Identity starts
// signed out.
func NewStatic(id Identity) *Static {
	return &Static{id: id, ok: id.ID != "", subs: make(map[int]func(Identity, bool))}
}

// Current implements Provider.
func (s *Static) Current() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.ok
}

// OnChange implements Provider. Callbacks run synchronously in Set and
// Clear, in registration order.
func (s *Static) OnChange(fn func(Identity, bool)) func() {
	s.mu.Lock()
	key := s.nextID
	s.nextID++
	s.subs[key] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, key)
		s.mu.Unlock()
	}
}

// Set signs in as id and notifies subscribers.
func (s *Static) Set(id Identity) {
	s.update(id, true)
}

// Clear signs out and notifies subscribers.
func (s *Static) Clear() {
	s.update(Identity{}, false)
}

func (s *Static) update(id Identity, ok bool) {
	s.mu.Lock()
	s.id, s.ok = id, ok
	keys := make([]int, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func(Identity, bool), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, s.subs[k])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(id, ok)
	}
}
