package notify

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/cloudchat/chat-core/internal/chat"
	"github.com/cloudchat/chat-core/internal/roomkey"
)

type mockToaster struct {
	mock.Mock
}

func (m *mockToaster) Toast(title, body, tag string) error {
	return m.Called(title, body, tag).Error(0)
}

type mockSound struct {
	mock.Mock
}

func (m *mockSound) Play() error {
	return m.Called().Error(0)
}

type panicSound struct{}

func (panicSound) Play() error { panic("no audio device") }

type mockDesktop struct {
	mock.Mock
}

func (m *mockDesktop) RequestPermission() { m.Called() }

func (m *mockDesktop) PermissionState() Permission {
	return m.Called().Get(0).(Permission)
}

func (m *mockDesktop) Show(title, body, tag string) error {
	return m.Called(title, body, tag).Error(0)
}

var direct = chat.DirectRoom(roomkey.Direct("me", "bob"))

func fromBob(id, text string) chat.Message {
	return chat.Message{ID: id, Text: text, SenderID: "bob", SenderLabel: "Bob", CreatedAt: time.UnixMilli(1)}
}

func TestDispatch_AllChannelsFire(t *testing.T) {
	toaster, sound, desktop := &mockToaster{}, &mockSound{}, &mockDesktop{}
	toaster.On("Toast", "New message from Bob", "hi", "message-m1").Return(nil).Once()
	sound.On("Play").Return(nil).Once()
	desktop.On("PermissionState").Return(PermissionGranted)
	desktop.On("Show", "New message from Bob", "hi", "message-m1").Return(nil).Once()

	d := NewDispatcher(DefaultConfig(), "me", toaster, sound, desktop, zerolog.Nop())
	d.Dispatch(direct, []chat.Message{fromBob("m1", "hi")})

	toaster.AssertExpectations(t)
	sound.AssertExpectations(t)
	desktop.AssertExpectations(t)
}

func TestDispatch_SelfSuppressed(t *testing.T) {
	toaster, sound, desktop := &mockToaster{}, &mockSound{}, &mockDesktop{}
	d := NewDispatcher(DefaultConfig(), "me", toaster, sound, desktop, zerolog.Nop())

	mine := chat.Message{ID: "m1", Text: "hello", SenderID: "me", SenderLabel: "Me"}
	d.Dispatch(direct, []chat.Message{mine})
	d.Dispatch(chat.GroupRoom("g1"), []chat.Message{mine})

	toaster.AssertNotCalled(t, "Toast", mock.Anything, mock.Anything, mock.Anything)
	sound.AssertNotCalled(t, "Play")
	desktop.AssertNotCalled(t, "PermissionState")
	desktop.AssertNotCalled(t, "Show", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_SetUserChangesSuppression(t *testing.T) {
	toaster := &mockToaster{}
	toaster.On("Toast", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	d := NewDispatcher(DefaultConfig(), "me", toaster, nil, nil, zerolog.Nop())

	d.SetUser("bob")
	d.Dispatch(direct, []chat.Message{fromBob("m1", "hi")})
	toaster.AssertNotCalled(t, "Toast", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_GroupTitleAndImagePlaceholder(t *testing.T) {
	toaster := &mockToaster{}
	toaster.On("Toast", "New group message from Bob", ImagePlaceholder, "message-m2").Return(nil).Once()
	cfg := DefaultConfig()
	cfg.Sound, cfg.Desktop = false, false
	d := NewDispatcher(cfg, "me", toaster, nil, nil, zerolog.Nop())

	msg := fromBob("m2", "")
	msg.ImageURL = "https://img.example/x.png"
	d.Dispatch(chat.GroupRoom("g1"), []chat.Message{msg})
	toaster.AssertExpectations(t)
}

func TestDispatch_SoundFailuresSwallowed(t *testing.T) {
	for name, snd := range map[string]Sound{
		"error": func() Sound {
			m := &mockSound{}
			m.On("Play").Return(errors.New("device busy"))
			return m
		}(),
		"panic": panicSound{},
	} {
		t.Run(name, func(t *testing.T) {
			desktop := &mockDesktop{}
			desktop.On("PermissionState").Return(PermissionGranted)
			desktop.On("Show", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
			d := NewDispatcher(DefaultConfig(), "me", nil, snd, desktop, zerolog.Nop())

			assert.NotPanics(t, func() {
				d.Dispatch(direct, []chat.Message{fromBob("m1", "hi")})
			})
			desktop.AssertExpectations(t)
		})
	}
}

func TestDispatch_DesktopPermissionUndecided(t *testing.T) {
	desktop := &mockDesktop{}
	desktop.On("PermissionState").Return(PermissionDefault)
	desktop.On("RequestPermission").Return().Once()
	cfg := DefaultConfig()
	cfg.Toast, cfg.Sound = false, false
	d := NewDispatcher(cfg, "me", nil, nil, desktop, zerolog.Nop())

	d.Dispatch(direct, []chat.Message{fromBob("m1", "one"), fromBob("m2", "two")})

	desktop.AssertNumberOfCalls(t, "RequestPermission", 1)
	desktop.AssertNotCalled(t, "Show", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_DesktopPermissionDenied(t *testing.T) {
	desktop := &mockDesktop{}
	desktop.On("PermissionState").Return(PermissionDenied)
	d := NewDispatcher(DefaultConfig(), "me", nil, nil, desktop, zerolog.Nop())

	d.Dispatch(direct, []chat.Message{fromBob("m1", "hi")})
	desktop.AssertNotCalled(t, "RequestPermission")
	desktop.AssertNotCalled(t, "Show", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_DesktopShowErrorSwallowed(t *testing.T) {
	toaster := &mockToaster{}
	toaster.On("Toast", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("closed")).Once()
	desktop := &mockDesktop{}
	desktop.On("PermissionState").Return(PermissionGranted)
	desktop.On("Show", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("no companion")).Once()
	d := NewDispatcher(DefaultConfig(), "me", toaster, nil, desktop, zerolog.Nop())

	assert.NotPanics(t, func() {
		d.Dispatch(direct, []chat.Message{fromBob("m1", "hi")})
	})
	toaster.AssertExpectations(t)
	desktop.AssertExpectations(t)
}

func TestRender_BlankTextUsesImagePlaceholder(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		msg := fromBob("m1", text)
		msg.ImageURL = "https://img/x.png"
		assert.Equal(t, ImagePlaceholder, Render(chat.KindDirect, msg).Body, "%q", text)
	}
	assert.Equal(t, " hi ", Render(chat.KindDirect, fromBob("m2", " hi ")).Body)
}

func TestDispatch_SameMessageFromTwoStreamsOnce(t *testing.T) {
	toaster := &mockToaster{}
	toaster.On("Toast", mock.Anything, mock.Anything, "message-m1").Return(nil).Once()
	d := NewDispatcher(DefaultConfig(), "me", toaster, nil, nil, zerolog.Nop())

	d.Dispatch(direct, []chat.Message{fromBob("m1", "hi")})
	d.Dispatch(direct, []chat.Message{fromBob("m1", "hi")})

	toaster.AssertNumberOfCalls(t, "Toast", 1)
}

func TestDispatch_Switches(t *testing.T) {
	toaster, sound := &mockToaster{}, &mockSound{}

	cfg := DefaultConfig()
	cfg.Enabled = false
	NewDispatcher(cfg, "me", toaster, sound, nil, zerolog.Nop()).Dispatch(direct, []chat.Message{fromBob("m1", "hi")})

	cfg = DefaultConfig()
	cfg.Toast = false
	sound.On("Play").Return(nil).Once()
	NewDispatcher(cfg, "me", toaster, sound, nil, zerolog.Nop()).Dispatch(direct, []chat.Message{fromBob("m2", "hi")})

	toaster.AssertNotCalled(t, "Toast", mock.Anything, mock.Anything, mock.Anything)
	sound.AssertNumberOfCalls(t, "Play", 1)
}

func TestDispatch_PreservesRoomOrder(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf)
	cfg := DefaultConfig()
	cfg.Sound, cfg.Desktop = false, false
	d := NewDispatcher(cfg, "me", term, nil, nil, zerolog.Nop())

	d.Dispatch(direct, []chat.Message{fromBob("m1", "first"), fromBob("m2", "second"), fromBob("m3", "third")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	for i, want := range []string{"first", "second", "third"} {
		assert.True(t, strings.HasSuffix(lines[i], "New message from Bob: "+want), lines[i])
	}
}

func TestTerminal_PlayWritesBell(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, NewTerminal(&buf).Play())
	assert.Equal(t, "\a", buf.String())
}
