// Package mqtt implements transport.PubSub on top of the Eclipse Paho client.
package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tamzrod/saj-mqtt-bridge/internal/transport"
)

// Config is the broker connection config.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// Optional last will, published by the broker if we vanish.
	WillTopic   string
	WillPayload string

	// OnConnect runs after every (re)connect, once subscriptions are restored.
	OnConnect func()
}

// Client is a connected broker session.
// Subscriptions are remembered and restored after an automatic reconnect.
type Client struct {
	cfg Config
	cli paho.Client
	log zerolog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler transport.Handler
}

// Connect dials the broker. One attempt; the caller decides what a failure means.
func Connect(cfg Config) (*Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}

	c := &Client{
		cfg:  cfg,
		log:  log.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger(),
		subs: make(map[string]subscription),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetPingTimeout(cfg.KeepAlive / 2).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, cfg.WillPayload, 1, true)
	}
	opts.SetOnConnectHandler(func(paho.Client) {
		c.log.Info().Msg("MQTT connected")
		c.resubscribe()
		if c.cfg.OnConnect != nil {
			c.cfg.OnConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.log.Warn().Err(err).Msg("MQTT connection lost")
	})

	c.cli = paho.NewClient(opts)

	token := c.cli.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return c, nil
}

// Close disconnects, letting in-flight work finish for up to 250ms.
func (c *Client) Close() error {
	if c == nil || c.cli == nil {
		return nil
	}
	c.cli.Disconnect(250)
	return nil
}

// ---- transport.PubSub ----

func (c *Client) Publish(topic string, qos byte, retain bool, payload []byte) error {
	if !c.cli.IsConnectionOpen() {
		return fmt.Errorf("%w: publish %s", transport.ErrNotConnected, topic)
	}
	token := c.cli.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("mqtt: publish %s timed out after %s", topic, c.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Subscribe(topic string, qos byte, h transport.Handler) (transport.Unsubscribe, error) {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: h}
	c.mu.Unlock()

	if err := c.subscribe(topic, qos, h); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return nil, err
	}
	c.log.Debug().Str("topic", topic).Msg("subscribed")

	return func() error {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()

		token := c.cli.Unsubscribe(topic)
		if !token.WaitTimeout(c.cfg.PublishTimeout) {
			return fmt.Errorf("mqtt: unsubscribe %s timed out", topic)
		}
		return token.Error()
	}, nil
}

// ---- internal ----

func (c *Client) subscribe(topic string, qos byte, h transport.Handler) error {
	token := c.cli.Subscribe(topic, qos, func(_ paho.Client, m paho.Message) {
		h(m.Payload())
	})
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("mqtt: subscribe %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	return nil
}

// resubscribe restores subscriptions after a reconnect (clean session drops them).
// It runs on paho's connect goroutine, so the subscribe calls are issued async.
func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	for topic, s := range subs {
		topic, s := topic, s
		go func() {
			if err := c.subscribe(topic, s.qos, s.handler); err != nil {
				c.log.Error().Err(err).Str("topic", topic).Msg("resubscribe failed")
			}
		}()
	}
}
