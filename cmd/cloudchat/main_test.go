package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudchat/chat-core/internal/chat"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CLOUDCHAT_BRIDGE_ENABLED", "false")
	t.Setenv("CLOUDCHAT_NOTIFY_SOUND", "false")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	base := []string{"--config", filepath.Join(t.TempDir(), "cloudchat.yaml"), "--log-level", "off"}
	cmd.SetArgs(append(base, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGroupCreate_MemoryStore(t *testing.T) {
	out, err := run(t, "--store", "memory", "--uid", "u1", "group", "create", "Team", "u2", "u3")
	require.NoError(t, err)
	assert.Contains(t, out, "(Team) with 3 members")
}

func TestRun_RequiresIdentity(t *testing.T) {
	_, err := run(t, "--store", "memory", "group", "list")
	assert.ErrorContains(t, err, "identity.uid or identity.token")
}

func TestToken_SignsConfiguredUser(t *testing.T) {
	t.Setenv("CLOUDCHAT_IDENTITY_TOKEN_SECRET", "s3cret")
	out, err := run(t, "--uid", "u1", "token")
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(strings.TrimSpace(out), ".")), "compact JWS")
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudchat.yaml")
	out, err := run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = run(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")
}

func TestPrinter_PrintsConfirmedMessagesOnce(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)
	room := chat.GroupRoom("g1")

	pending := chat.Message{ID: "local:k1", Text: "hi", SenderLabel: "Alice", Local: true}
	p.Messages(room, []chat.Message{pending})
	assert.Empty(t, out.String())

	confirmed := chat.Message{ID: "m1", Text: "hi", SenderLabel: "Alice", CreatedAt: at}
	photo := chat.Message{ID: "m2", SenderLabel: "Bob", ImageURL: "https://img/x.png", CreatedAt: at}
	p.Messages(room, []chat.Message{confirmed})
	p.Messages(room, []chat.Message{confirmed, photo})

	assert.Equal(t, "09:30 Alice: hi\n09:30 Bob: https://img/x.png\n", out.String())
}
