package audit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RecordListResolve(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id1, err := m.Record(ctx, Failure{GroupID: "g1", Recipient: "u2", Error: "boom"})
	require.NoError(t, err)
	id2, err := m.Record(ctx, Failure{GroupID: "g2", Recipient: "u3", Error: "boom"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	all, err := m.ListUnresolved(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	g1, err := m.ListUnresolved(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, g1, 1)
	assert.Equal(t, "u2", g1[0].Recipient)
	assert.False(t, g1[0].CreatedAt.IsZero())

	require.NoError(t, m.Resolve(ctx, id1))
	assert.ErrorIs(t, m.Resolve(ctx, id1), ErrUnknownFailure)
	assert.ErrorIs(t, m.Resolve(ctx, 99), ErrUnknownFailure)

	left, err := m.ListUnresolved(ctx, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, id2, left[0].ID)
}

// openTestStore connects to the database named by CLOUDCHAT_TEST_POSTGRES_DSN
// and skips the test when it is unset or unreachable.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CLOUDCHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CLOUDCHAT_TEST_POSTGRES_DSN not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn, zerolog.Nop())
	if err != nil {
		t.Skipf("postgres not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordListResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	group := "g-" + uuid.NewString()

	id, err := s.Record(ctx, Failure{
		GroupID:     group,
		GroupName:   "Team",
		Recipient:   "u2",
		SenderLabel: "Alice",
		Error:       "permission denied",
	})
	require.NoError(t, err)

	open, err := s.ListUnresolved(ctx, group)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, id, open[0].ID)
	assert.Equal(t, "Team", open[0].GroupName)

	require.NoError(t, s.Resolve(ctx, id))
	assert.ErrorIs(t, s.Resolve(ctx, id), ErrUnknownFailure)

	open, err = s.ListUnresolved(ctx, group)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMigrate_Idempotent(t *testing.T) {
	openTestStore(t)
	require.NoError(t, Migrate(os.Getenv("CLOUDCHAT_TEST_POSTGRES_DSN")))
}
