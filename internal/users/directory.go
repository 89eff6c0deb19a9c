// Package users manages profile records stored at users/{uid}. The same
// document also carries presence fields, so every write here is a merge.
package users

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudchat/chat-core/internal/identity"
	"github.com/cloudchat/chat-core/internal/livecoll"
)

// Profile field names.
const (
	FieldUID          = "uid"
	FieldDisplayLabel = "displayName"
	FieldEmail        = "email"
	FieldPhotoURL     = "photoURL"
)

// Collection is the users collection.
const Collection = "users"

// Profile is a user's public record.
type Profile struct {
	UID          string
	DisplayLabel string
	Email        string
	PhotoURL     string
}

// Label renders the profile the same way message senders are labelled.
func (p Profile) Label() string {
	return identity.Identity{DisplayLabel: p.DisplayLabel, Email: p.Email}.Label()
}

// ProfileFromDocument reads a users/{uid} document.
func ProfileFromDocument(doc livecoll.Document) Profile {
	uid := doc.Fields.String(FieldUID)
	if uid == "" {
		uid = doc.ID
	}
	return Profile{
		UID:          uid,
		DisplayLabel: doc.Fields.String(FieldDisplayLabel),
		Email:        doc.Fields.String(FieldEmail),
		PhotoURL:     doc.Fields.String(FieldPhotoURL),
	}
}

// Path is the document path of uid's profile.
func Path(uid string) string {
	return livecoll.Join(Collection, uid)
}

// Directory reads and writes profiles.
type Directory struct {
	store livecoll.Store
}

// NewDirectory creates a Directory.
func NewDirectory(store livecoll.Store) *Directory {
	return &Directory{store: store}
}

// Save merges id's profile fields into its record. Empty fields are not
// written so an OAuth profile without a photo does not clear an uploaded one.
func (d *Directory) Save(ctx context.Context, id identity.Identity) error {
	if id.ID == "" {
		return fmt.Errorf("users: save: %w", livecoll.ErrInvalidPath)
	}
	fields := livecoll.Fields{FieldUID: id.ID}
	if id.DisplayLabel != "" {
		fields[FieldDisplayLabel] = id.DisplayLabel
	}
	if id.Email != "" {
		fields[FieldEmail] = id.Email
	}
	if id.PhotoURL != "" {
		fields[FieldPhotoURL] = id.PhotoURL
	}
	if err := d.store.SetMerge(ctx, Path(id.ID), fields); err != nil {
		return fmt.Errorf("users: save %s: %w", id.ID, err)
	}
	return nil
}

// SetPhoto records a new profile photo url.
func (d *Directory) SetPhoto(ctx context.Context, uid, url string) error {
	if err := d.store.SetMerge(ctx, Path(uid), livecoll.Fields{FieldPhotoURL: url}); err != nil {
		return fmt.Errorf("users: set photo %s: %w", uid, err)
	}
	return nil
}

// Get loads uid's profile, or livecoll.ErrNotFound.
func (d *Directory) Get(ctx context.Context, uid string) (Profile, error) {
	docs, err := d.store.GetOnce(ctx, Path(uid))
	if err != nil {
		return Profile{}, fmt.Errorf("users: get %s: %w", uid, err)
	}
	if len(docs) == 0 {
		return Profile{}, fmt.Errorf("users: get %s: %w", uid, livecoll.ErrNotFound)
	}
	return ProfileFromDocument(docs[0]), nil
}

// List returns every profile except excludeUID, sorted by label.
func (d *Directory) List(ctx context.Context, excludeUID string) ([]Profile, error) {
	docs, err := d.store.GetOnce(ctx, Collection)
	if err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	out := make([]Profile, 0, len(docs))
	for _, doc := range docs {
		p := ProfileFromDocument(doc)
		if p.UID == excludeUID {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Label()) < strings.ToLower(out[j].Label())
	})
	return out, nil
}
