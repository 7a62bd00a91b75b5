// Package mqtt is the gateway's broker connection. It keeps a persistent
// session, restores subscriptions after every reconnect, and hands inbound
// status messages to the consumer through a buffered channel so paho's
// network goroutine never runs gateway code.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultReconnectGrace = 500 * time.Millisecond
	defaultBuffer         = 1024
)

// Config holds broker connection settings.
type Config struct {
	Host      string
	Port      int
	ClientID  string
	KeepAlive time.Duration
	Username  string
	Password  string
	QoS       byte

	// Subscriptions are the status filters routed to Messages().
	Subscriptions []string

	// ReconnectGrace bounds the reconnect attempt made before a publish
	// on a dropped connection.
	ReconnectGrace time.Duration
	PublishTimeout time.Duration
	BufferSize     int

	// WillTopic, when set, receives WillPayload (retained) if the session
	// drops without a clean disconnect.
	WillTopic   string
	WillPayload string
}

// Message is one inbound publish.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// MessageHandler handles messages on an extra subscription.
type MessageHandler func(topic string, payload []byte)

// Client wraps a paho client.
type Client struct {
	client pahomqtt.Client
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	msgs   chan Message
	closed bool

	subMu sync.RWMutex
	extra map[string]MessageHandler
	hooks []func()

	dropped atomic.Uint64
}

// New creates a client. It does not connect; call Connect.
func New(cfg Config, logger *slog.Logger) *Client {
	c := newClient(cfg, logger)
	c.client = pahomqtt.NewClient(c.options())
	return c
}

func newClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = defaultReconnectGrace
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBuffer
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		msgs:   make(chan Message, cfg.BufferSize),
		extra:  make(map[string]MessageHandler),
	}
}

func (c *Client) options() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)).
		SetClientID(c.cfg.ClientID).
		SetKeepAlive(c.cfg.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOnConnectHandler(func(pc pahomqtt.Client) {
			c.logger.Info("MQTT connected", "broker", c.cfg.Host, "port", c.cfg.Port)
			c.subscribeAll(pc)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "err", err)
		}).
		SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
			c.logger.Info("MQTT reconnecting")
		})

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.WillTopic != "" {
		opts.SetWill(c.cfg.WillTopic, c.cfg.WillPayload, c.cfg.QoS, true)
	}
	return opts
}

// Connect opens the broker session. On timeout paho keeps retrying in the
// background and the returned error only reports that the first attempt
// did not finish in time.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	if err := waitToken(ctx, token, defaultConnectTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// IsConnected reports whether the session is currently up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Messages returns inbound status messages in the order they were received.
// The channel is closed by Close.
func (c *Client) Messages() <-chan Message {
	return c.msgs
}

// Dropped returns how many inbound messages were discarded because the
// consumer fell behind.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Publish sends payload to topic. If the connection is down it makes one
// reconnect attempt bounded by the reconnect grace. Failures are returned,
// never panicked. Safe for concurrent use.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if err := waitToken(ctx, token, c.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	c.logger.Debug("published", "topic", topic, "bytes", len(payload))
	return nil
}

// PublishRetained sends a retained message with the same connection checks as Publish.
func (c *Client) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	token := c.client.Publish(topic, c.cfg.QoS, true, payload)
	if err := waitToken(ctx, token, c.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe adds a subscription outside the status set. It is restored on
// every reconnect.
func (c *Client) Subscribe(filter string, handler MessageHandler) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	c.subMu.Lock()
	c.extra[filter] = handler
	c.subMu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	token := c.client.Subscribe(filter, c.cfg.QoS, c.wrap(handler))
	if err := waitToken(context.Background(), token, defaultConnectTimeout); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", filter, err)
	}
	return nil
}

// OnConnect registers fn to run after every (re)connect, once subscriptions
// have been sent. fn runs on its own goroutine.
func (c *Client) OnConnect(fn func()) {
	c.subMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.subMu.Unlock()
}

// Close disconnects from the broker and closes the message channel.
func (c *Client) Close() {
	c.client.Disconnect(250)

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.msgs)
	}
	c.mu.Unlock()
	c.logger.Info("MQTT client closed", "dropped", c.dropped.Load())
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.client.IsConnectionOpen() {
		return nil
	}
	c.logger.Warn("MQTT not connected, attempting reconnect before publish")
	// With auto-reconnect active paho returns an already completed token
	// while its own reconnect loop runs; the grace wait covers both cases.
	token := c.client.Connect()
	if err := waitToken(ctx, token, c.cfg.ReconnectGrace); err != nil {
		c.logger.Debug("reconnect attempt", "err", err)
	}
	if !c.client.IsConnectionOpen() {
		t := time.NewTimer(c.cfg.ReconnectGrace)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
		case <-t.C:
		}
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return nil
}

// subscribeAll runs on every (re)connect.
func (c *Client) subscribeAll(pc pahomqtt.Client) {
	for _, filter := range c.cfg.Subscriptions {
		token := pc.Subscribe(filter, c.cfg.QoS, c.handleStatus)
		go c.logToken(token, "subscribe", filter)
	}

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter, h := range c.extra {
		token := pc.Subscribe(filter, c.cfg.QoS, c.wrap(h))
		go c.logToken(token, "subscribe", filter)
	}
	for _, fn := range c.hooks {
		go fn()
	}
}

func (c *Client) logToken(token pahomqtt.Token, action, topic string) {
	if !token.WaitTimeout(defaultConnectTimeout) {
		c.logger.Warn("MQTT "+action+" timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("MQTT "+action+" failed", "topic", topic, "err", err)
	}
}

// handleStatus runs on paho's goroutine and only hands the message off.
func (c *Client) handleStatus(_ pahomqtt.Client, m pahomqtt.Message) {
	msg := Message{Topic: m.Topic(), Payload: m.Payload(), Received: time.Now()}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.msgs <- msg:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("inbound buffer full, dropping message", "topic", msg.Topic, "dropped", n)
	}
}

func (c *Client) wrap(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT handler panic", "topic", m.Topic(), "panic", r)
			}
		}()
		h(m.Topic(), m.Payload())
	}
}

func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-t.C:
		return fmt.Errorf("timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
