package desktop

import (
	"encoding/json"
	"fmt"

	"github.com/cloudchat/chat-core/internal/notify"
)

// Companion -> bridge frame types.
const (
	TypePing       = "ping"
	TypePermission = "permission"
)

// Bridge -> companion frame types.
const (
	TypeWelcome           = "welcome"
	TypeNotification      = "notification"
	TypeRequestPermission = "request_permission"
	TypePong              = "pong"
	TypeError             = "error"
)

// PingMsg is a companion keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// PermissionMsg reports the companion's current OS notification permission.
type PermissionMsg struct {
	Type  string            `json:"type"`
	State notify.Permission `json:"state"`
}

// WelcomeMsg is sent once the connection is registered.
type WelcomeMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NotificationMsg asks the companion to show a platform notification.
// Notifications with the same tag replace each other.
type NotificationMsg struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}

// RequestPermissionMsg asks the companion to prompt for permission.
type RequestPermissionMsg struct {
	Type string `json:"type"`
}

// PongMsg answers PingMsg.
type PongMsg struct {
	Type string `json:"type"`
}

// ErrorMsg reports a frame the bridge could not handle.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseCompanionMessage decodes a companion frame into its typed struct.
func ParseCompanionMessage(data []byte) (string, interface{}, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("desktop: failed to parse frame: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("desktop: missing or empty \"type\" field")
	}

	switch env.Type {
	case TypePing:
		var m PingMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return env.Type, nil, fmt.Errorf("desktop: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	case TypePermission:
		var m PermissionMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return env.Type, nil, fmt.Errorf("desktop: failed to decode %q payload: %w", env.Type, err)
		}
		switch m.State {
		case notify.PermissionGranted, notify.PermissionDenied, notify.PermissionDefault:
		default:
			return env.Type, nil, fmt.Errorf("desktop: unknown permission state %q", m.State)
		}
		return env.Type, m, nil
	}
	return env.Type, nil, fmt.Errorf("desktop: unknown companion frame type: %q", env.Type)
}

// NewBridgeMessage encodes a bridge frame, forcing its "type" field to
// msgType.
func NewBridgeMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("desktop: failed to marshal payload: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("desktop: failed to unmarshal payload into map: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("desktop: failed to marshal frame: %w", err)
	}
	return out, nil
}
