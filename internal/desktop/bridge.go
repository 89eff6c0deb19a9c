// Package desktop delivers platform notifications through companion
// processes (a browser tab or tray helper) connected over WebSocket.
//
// The Bridge implements notify.Desktop: it aggregates the permission state
// the companions report, forwards permission requests to them, and sends
// each notification to every companion that has permission.
package desktop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudchat/chat-core/internal/metrics"
	"github.com/cloudchat/chat-core/internal/notify"
)

// maxFrameSize bounds companion frames; they only carry small JSON.
const maxFrameSize = 64 << 10

// ErrNoCompanion is returned by Show when no companion has permission.
var ErrNoCompanion = errors.New("desktop: no companion with notification permission")

// Config holds tunable parameters for the bridge server.
type Config struct {
	ListenAddr     string
	MaxConnections int
	WriteTimeout   time.Duration
	Heartbeat      HeartbeatConfig
}

// DefaultConfig returns the bridge defaults. The bridge listens on loopback
// only; companions run on the same machine.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8787",
		MaxConnections: 16,
		WriteTimeout:   5 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Bridge is the companion WebSocket server.
type Bridge struct {
	config Config
	conns  *ConnectionManager
	log    zerolog.Logger

	mu           sync.Mutex
	askOnConnect bool // a permission request is outstanding

	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

var _ notify.Desktop = (*Bridge)(nil)

// NewBridge creates a Bridge. It does not listen until ListenAndServe.
func NewBridge(config Config, logger zerolog.Logger) *Bridge {
	return &Bridge{
		config:    config,
		conns:     NewConnectionManager(),
		log:       logger.With().Str("component", "desktop").Logger(),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

// Connections exposes the companion registry.
func (b *Bridge) Connections() *ConnectionManager {
	return b.conns
}

// Handler serves /ws for companions, /health and /metrics.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleUpgrade)
	mux.HandleFunc("/health", b.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// ListenAndServe starts the heartbeat and serves until Shutdown.
func (b *Bridge) ListenAndServe() error {
	b.httpServer = &http.Server{
		Addr:              b.config.ListenAddr,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go b.runHeartbeat(b.config.Heartbeat, b.done)

	b.log.Info().Str("addr", b.config.ListenAddr).Msg("desktop bridge listening")
	if err := b.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("desktop: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the listener and closes every companion.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.httpServer != nil {
			err = b.httpServer.Shutdown(ctx)
		}
		for _, c := range b.conns.All() {
			b.remove(c)
		}
		b.log.Info().Msg("desktop bridge stopped")
	})
	return err
}

func (b *Bridge) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if b.conns.Count() >= b.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		b.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), conn)
	b.conns.Add(c)
	metrics.BridgeConnections.Set(float64(b.conns.Count()))
	b.log.Info().Str("conn", c.ID).Int("total", b.conns.Count()).Msg("companion connected")

	b.send(c, TypeWelcome, WelcomeMsg{ID: c.ID})
	b.mu.Lock()
	ask := b.askOnConnect
	b.mu.Unlock()
	if ask {
		b.send(c, TypeRequestPermission, RequestPermissionMsg{})
	}

	go b.readLoop(c)
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status     string            `json:"status"`
		Companions int               `json:"companions"`
		Permission notify.Permission `json:"permission"`
		Uptime     string            `json:"uptime"`
	}{
		Status:     "ok",
		Companions: b.conns.Count(),
		Permission: b.PermissionState(),
		Uptime:     time.Since(b.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames until the companion goes away. Control frames are
// answered in place; any frame counts as activity for the heartbeat.
func (b *Bridge) readLoop(c *Connection) {
	defer b.remove(c)
	control := wsutil.ControlFrameHandler(c.Conn, ws.StateServerSide)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.Touch()

		if header.OpCode.IsControl() {
			c.writeMu.Lock()
			err := control(header, reader)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
			continue
		}

		if header.Length > maxFrameSize {
			b.log.Warn().Str("conn", c.ID).Int64("len", header.Length).Msg("frame too large")
			return
		}
		data := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		b.handleFrame(c, data)
	}
}

func (b *Bridge) handleFrame(c *Connection, data []byte) {
	msgType, msg, err := ParseCompanionMessage(data)
	if err != nil {
		b.log.Debug().Err(err).Str("conn", c.ID).Msg("bad companion frame")
		b.send(c, TypeError, ErrorMsg{Code: "parse_error", Message: "invalid frame"})
		return
	}

	switch m := msg.(type) {
	case PingMsg:
		b.send(c, TypePong, PongMsg{})
	case PermissionMsg:
		if m.State != notify.PermissionDefault {
			b.mu.Lock()
			b.askOnConnect = false
			b.mu.Unlock()
		}
		c.setPermission(m.State)
		b.log.Info().Str("conn", c.ID).Str("permission", string(m.State)).Msg("companion permission")
	default:
		b.send(c, TypeError, ErrorMsg{Code: "unsupported_type", Message: msgType})
	}
}

func (b *Bridge) send(c *Connection, msgType string, payload interface{}) error {
	data, err := NewBridgeMessage(msgType, payload)
	if err != nil {
		b.log.Error().Err(err).Str("type", msgType).Msg("failed to build frame")
		return err
	}
	if err := c.WriteMessage(data, b.config.WriteTimeout); err != nil {
		b.log.Warn().Err(err).Str("conn", c.ID).Str("type", msgType).Msg("write failed")
		return err
	}
	return nil
}

func (b *Bridge) remove(c *Connection) {
	if !b.conns.Remove(c.ID) {
		return
	}
	metrics.BridgeConnections.Set(float64(b.conns.Count()))
	b.log.Info().Str("conn", c.ID).Int("total", b.conns.Count()).Msg("companion disconnected")
}

// PermissionState implements notify.Desktop. It is granted when any
// companion is granted, denied when every connected companion denied, and
// default otherwise, including when no companion is connected.
func (b *Bridge) PermissionState() notify.Permission {
	conns := b.conns.All()
	denied := 0
	for _, c := range conns {
		switch c.Permission() {
		case notify.PermissionGranted:
			return notify.PermissionGranted
		case notify.PermissionDenied:
			denied++
		}
	}
	if len(conns) > 0 && denied == len(conns) {
		return notify.PermissionDenied
	}
	return notify.PermissionDefault
}

// RequestPermission implements notify.Desktop. It asks every undecided
// companion in the background and every companion that connects later,
// until one of them answers.
func (b *Bridge) RequestPermission() {
	b.mu.Lock()
	b.askOnConnect = true
	b.mu.Unlock()

	for _, c := range b.conns.All() {
		if c.Permission() != notify.PermissionDefault {
			continue
		}
		go b.send(c, TypeRequestPermission, RequestPermissionMsg{})
	}
}

// Show implements notify.Desktop. It queues the frame to every granted
// companion and returns without waiting for the writes; a stalled companion
// only delays itself. Write failures are logged.
func (b *Bridge) Show(title, body, tag string) error {
	var targets []*Connection
	for _, c := range b.conns.All() {
		if c.Permission() == notify.PermissionGranted {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return ErrNoCompanion
	}
	payload := NotificationMsg{Title: title, Body: body, Tag: tag}
	for _, c := range targets {
		go b.send(c, TypeNotification, payload)
	}
	return nil
}
