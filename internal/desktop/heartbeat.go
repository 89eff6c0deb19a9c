package desktop

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval before eviction
}

// DefaultHeartbeatConfig returns the bridge's heartbeat defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat pings every companion each interval and evicts those silent
// for longer than Interval + Timeout. It returns when done is closed.
func (b *Bridge) runHeartbeat(config HeartbeatConfig, done <-chan struct{}) {
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.checkConnections(config, time.Now())
		}
	}
}

func (b *Bridge) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout
	for _, c := range b.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			b.log.Info().Str("conn", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			b.remove(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			b.log.Warn().Err(err).Str("conn", c.ID).Msg("heartbeat ping failed")
			b.remove(c)
		}
	}
}
