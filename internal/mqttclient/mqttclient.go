// Package mqttclient wraps eclipse/paho.mqtt.golang into a single
// long-lived connection with a bounded publish queue, automatic
// reconnect, and a topic router supporting MQTT wildcards (§4.7).
package mqttclient

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/iotistica/iotistic-agent/internal/backoff"
	"github.com/iotistica/iotistic-agent/internal/domain"
)

const maxQueueSize = 1000

// Config configures the MQTT connection.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{KeepAlive: 30 * time.Second}
}

type queuedMessage struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Handler is invoked with the topic and payload of a matching message.
type Handler func(topic string, payload []byte)

type subscription struct {
	filter  string
	handler Handler
}

// Client is the singleton MQTT connection used by the agent. It is
// safe for concurrent use.
type Client struct {
	mu     sync.Mutex
	cfg    Config
	client mqtt.Client
	log    *logrus.Entry

	queueMu sync.Mutex
	queue   []queuedMessage

	subsMu sync.Mutex
	subs   []subscription

	reconnectBackoff backoff.Exponential
}

// New creates an MQTT client. Connect must be called before use.
func New(cfg Config, log *logrus.Entry) *Client {
	return &Client{
		cfg:              cfg,
		log:              log,
		reconnectBackoff: backoff.New(backoff.Config{Base: time.Second, Max: 30 * time.Second}),
	}
}

// Connect dials the broker and installs connection lifecycle callbacks.
// Paho's own auto-reconnect is disabled in favor of the explicit
// backoff + queue-flush behavior below, so a dropped connection cannot
// silently drain the publish queue out of order.
func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetKeepAlive(c.cfg.KeepAlive).
		SetAutoReconnect(false).
		SetConnectionLostHandler(c.onConnectionLost).
		SetOnConnectHandler(c.onConnect)

	c.mu.Lock()
	c.client = mqtt.NewClient(opts)
	client := c.client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("%w: connect timed out", domain.ErrMQTTNotConnected)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTNotConnected, err)
	}
	return nil
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	if c.log != nil {
		c.log.WithError(err).Warn("mqtt connection lost, reconnecting")
	}
	go c.reconnectLoop()
}

func (c *Client) onConnect(client mqtt.Client) {
	if c.log != nil {
		c.log.Info("mqtt connected")
	}
	c.resubscribeAll(client)
	c.flushQueue()
}

func (c *Client) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		time.Sleep(c.reconnectBackoff.Delay(attempt))

		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		if client == nil {
			return
		}

		token := client.Connect()
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			return
		}
		if c.log != nil {
			c.log.WithField("attempt", attempt).Warn("mqtt reconnect failed")
		}
	}
}

func (c *Client) resubscribeAll(client mqtt.Client) {
	c.subsMu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.subsMu.Unlock()

	for _, s := range subs {
		sub := s
		client.Subscribe(sub.filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
			sub.handler(msg.Topic(), msg.Payload())
		})
	}
}

// Subscribe registers handler for any topic matching filter (supports
// '+' and '#' wildcards). Subscriptions survive reconnects.
func (c *Client) Subscribe(filter string, handler Handler) error {
	c.subsMu.Lock()
	c.subs = append(c.subs, subscription{filter: filter, handler: handler})
	c.subsMu.Unlock()

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return nil // will be applied by resubscribeAll on connect
	}

	token := client.Subscribe(filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Publish sends a message immediately if connected, or enqueues it
// otherwise. QueuedPublish is the preferred entry point for anything
// that must survive a disconnect window.
func (c *Client) Publish(topic string, qos byte, retain bool, payload []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		token := client.Publish(topic, qos, retain, payload)
		token.Wait()
		return token.Error()
	}
	return c.QueuedPublish(topic, qos, retain, payload)
}

// QueuedPublish always enqueues, even if currently connected, so the
// message is retried identically through the flush path. Oldest
// messages are dropped once the queue reaches its cap.
func (c *Client) QueuedPublish(topic string, qos byte, retain bool, payload []byte) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if len(c.queue) >= maxQueueSize {
		c.queue = c.queue[1:]
		if c.log != nil {
			c.log.Warn("mqtt publish queue full, dropping oldest message")
		}
	}
	c.queue = append(c.queue, queuedMessage{topic: topic, payload: payload, qos: qos, retain: retain})
	return nil
}

func (c *Client) flushQueue() {
	c.queueMu.Lock()
	pending := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	for _, m := range pending {
		token := client.Publish(m.topic, m.qos, m.retain, m.payload)
		token.Wait()
		if err := token.Error(); err != nil && c.log != nil {
			c.log.WithError(err).WithField("topic", m.topic).Warn("queued publish failed")
		}
	}
}

// QueueLen reports the number of messages waiting to be flushed.
func (c *Client) QueueLen() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// IsConnected reports whether the underlying connection is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

// Close disconnects cleanly, allowing up to 250ms for in-flight acks.
func (c *Client) Close() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

// matchTopic reports whether topic matches an MQTT filter containing
// '+' (single-level) and '#' (multi-level, must be final) wildcards.
// Exposed for the router's own tests; paho applies this internally for
// live subscriptions but local tests exercise the matching rules directly.
func matchTopic(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp != "+" && fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
