// Package messaging provides a NATS client wrapper used as the change feed of
// the Redis-backed live collection store. Every write to a collection is
// published on that collection's subject; live queries subscribe to it.
package messaging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectCollection prefixes collection change subjects:
// livecoll.<seg1>.<seg2>... for the collection path seg1/seg2/...
const SubjectCollection = "livecoll"

// NATSClient wraps the NATS connection with keyed subscriptions so callers can
// unsubscribe by their own handle.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
	log  zerolog.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "cloudchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It returns an
// error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	logger = logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
		log:  logger,
	}, nil
}

// CollectionSubject maps a collection path to its change subject.
func CollectionSubject(collection string) string {
	return SubjectCollection + "." + strings.ReplaceAll(collection, "/", ".")
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishChange publishes an encoded change on the collection's subject.
func (c *NATSClient) PublishChange(collection string, data []byte) error {
	if err := c.Publish(CollectionSubject(collection), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", collection, err)
	}
	return nil
}

// Subscribe registers handler for subject under key. Subscribing twice with
// the same key replaces the previous subscription.
func (c *NATSClient) Subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	prev := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Unsubscribe()
	}
	return nil
}

// SubscribeCollection subscribes to the change subject of a collection.
func (c *NATSClient) SubscribeCollection(key, collection string, handler func(data []byte)) error {
	return c.Subscribe(key, CollectionSubject(collection), handler)
}

// Unsubscribe removes the subscription registered under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for key %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Flush round-trips to the server so every publish so far has been processed.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
	}
	c.log.Info().Msg("client closed")
}
