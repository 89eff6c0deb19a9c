package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudchat/chat-core/internal/identity"
	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/livecoll/memstore"
)

func TestDirectory_SaveMerges(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.SetMerge(ctx, Path("u1"), livecoll.Fields{"isOnline": true}))

	dir := NewDirectory(store)
	require.NoError(t, dir.Save(ctx, identity.Identity{ID: "u1", DisplayLabel: "Alice", Email: "a@x"}))
	require.NoError(t, dir.SetPhoto(ctx, "u1", "https://img/a.png"))
	require.NoError(t, dir.Save(ctx, identity.Identity{ID: "u1", Email: "a@x"}))

	p, err := dir.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Profile{UID: "u1", DisplayLabel: "Alice", Email: "a@x", PhotoURL: "https://img/a.png"}, p)

	docs, err := store.GetOnce(ctx, Path("u1"))
	require.NoError(t, err)
	assert.Equal(t, true, docs[0].Fields["isOnline"], "presence fields survive a profile save")
}

func TestDirectory_SaveRequiresID(t *testing.T) {
	err := NewDirectory(memstore.New()).Save(context.Background(), identity.Identity{})
	assert.ErrorIs(t, err, livecoll.ErrInvalidPath)
}

func TestDirectory_GetMissing(t *testing.T) {
	_, err := NewDirectory(memstore.New()).Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, livecoll.ErrNotFound)
}

func TestDirectory_ListExcludesSelf(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	dir := NewDirectory(store)
	for _, id := range []identity.Identity{
		{ID: "u1", DisplayLabel: "carol"},
		{ID: "u2", DisplayLabel: "Bob"},
		{ID: "u3", Email: "alice@x"},
	} {
		require.NoError(t, dir.Save(ctx, id))
	}

	got, err := dir.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u3", got[0].UID)
	assert.Equal(t, "u2", got[1].UID)
	assert.Equal(t, "alice@x", got[0].Label())
}
