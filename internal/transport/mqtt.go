// Package transport owns the MQTT session: connect with a retained
// last-will, the agent's subscription set, retained publishes, and the
// inbound message funnel. Incoming messages are queued onto a channel
// drained by the agent's single tick loop, so all state mutation stays
// on one logical thread.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"irblaster/internal/logger"
)

// Liveness payloads on the status topic. StatusOffline is both the
// last-will payload and the farewell published on a clean shutdown.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	inboxCapacity  = 64
)

var ErrNotConnected = errors.New("mqtt client is not connected")

// Message is one inbound publish, queued for the tick loop.
type Message struct {
	Topic   string
	Payload []byte
}

// Options configures a Client.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	AgentID  string
}

// Client wraps the paho client. Reconnect policy is owned by the
// caller (the resilience layer), not by paho.
type Client struct {
	log   *logger.Logger
	opts  Options
	paho  mqtt.Client
	inbox chan Message
}

func NewClient(log *logger.Logger, opts Options) *Client {
	return &Client{
		log:   log,
		opts:  opts,
		inbox: make(chan Message, inboxCapacity),
	}
}

// Messages is the inbound queue. The tick loop drains it; nothing else
// may consume from it.
func (c *Client) Messages() <-chan Message {
	return c.inbox
}

func (c *Client) IsConnected() bool {
	return c.paho != nil && c.paho.IsConnectionOpen()
}

// Connect dials the broker, announces online and installs the agent's
// subscription set. The last will is a retained "offline" on the status
// topic so hubs observe unclean disconnects.
func (c *Client) Connect() error {
	if c.opts.Host == "" {
		return errors.New("broker host is not configured")
	}

	agentID := c.opts.AgentID
	pahoOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.opts.Host, c.opts.Port)).
		SetClientID(agentID).
		SetKeepAlive(60*time.Second).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetWill(TopicStatus(agentID), StatusOffline, 1, true)
	if c.opts.Username != "" {
		pahoOpts.SetUsername(c.opts.Username)
		pahoOpts.SetPassword(c.opts.Password)
	}

	client := mqtt.NewClient(pahoOpts)
	if token := client.Connect(); !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		return fmt.Errorf("connect to %s:%d: %w", c.opts.Host, c.opts.Port, tokenErr(token))
	}
	c.paho = client

	if err := c.Publish(TopicStatus(agentID), []byte(StatusOnline), true); err != nil {
		c.Disconnect()
		return err
	}

	filters := []string{
		TopicPairingOpen,
		TopicAcceptFilter(agentID),
		TopicUnpair(agentID),
		TopicCommandFilter(agentID),
	}
	for _, filter := range filters {
		token := client.Subscribe(filter, 1, c.enqueue)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			c.Disconnect()
			return fmt.Errorf("subscribe %q: %w", filter, tokenErr(token))
		}
	}
	return nil
}

// enqueue runs on a paho goroutine; it only queues. A full inbox drops
// the message rather than blocking the network loop.
func (c *Client) enqueue(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	select {
	case c.inbox <- Message{Topic: msg.Topic(), Payload: payload}:
	default:
		c.log.Warnw("inbox full, dropping message", "topic", msg.Topic())
	}
}

func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.paho.Publish(topic, 1, retain, payload)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		return fmt.Errorf("publish %q: %w", topic, tokenErr(token))
	}
	return nil
}

// PublishJSON marshals v and publishes it. This is the single "publish
// JSON" contract every component emits through.
func (c *Client) PublishJSON(topic string, v any, retain bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload for %q: %w", topic, err)
	}
	return c.Publish(topic, payload, retain)
}

func (c *Client) Disconnect() {
	if c.paho == nil {
		return
	}
	c.paho.Disconnect(250)
	c.paho = nil
}

func tokenErr(token mqtt.Token) error {
	if err := token.Error(); err != nil {
		return err
	}
	return errors.New("timed out")
}
