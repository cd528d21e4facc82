package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/inkclock/internal/config"
)

// errNotStarted is returned by methods that need a live connection
// manager before [Client.Start] has created one.
var errNotStarted = errors.New("mqtt client not started")

// Client manages the broker connection, the time-topic subscriptions,
// and the optional Home Assistant entities.
type Client struct {
	cfg        config.MQTTConfig
	brokerURL  string
	instanceID string
	device     DeviceInfo
	announce   bool
	handler    MessageHandler
	limiter    *messageRateLimiter
	logger     *slog.Logger

	// cm is set once by Start; the display and health probes may read
	// it from other goroutines.
	cm atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Client but does not connect. brokerURL overrides the
// configured broker, which lets the caller substitute an address found
// by mDNS. When announce is true the client publishes discovery configs
// for the label and indicator entities on every (re-)connect.
func New(cfg config.MQTTConfig, brokerURL, instanceID string, announce bool, handler MessageHandler, logger *slog.Logger) *Client {
	if brokerURL == "" {
		brokerURL = cfg.URL()
	}
	window := time.Duration(cfg.RateLimitWindowSec) * time.Second
	return &Client{
		cfg:        cfg,
		brokerURL:  brokerURL,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		announce:   announce,
		handler:    handler,
		limiter:    newMessageRateLimiter(int64(cfg.RateLimit), window, logger),
		logger:     logger,
	}
}

// BrokerURL returns the broker the client connects to.
func (c *Client) BrokerURL() string { return c.brokerURL }

// Topics returns the subscribed "past" and "now" topics.
func (c *Client) Topics() []string {
	return []string{c.cfg.TopicPast, c.cfg.TopicNow}
}

func (c *Client) clientID() string {
	if c.cfg.ClientID != "" {
		return c.cfg.ClientID
	}
	if c.instanceID != "" {
		return "inkclock-" + c.instanceID
	}
	return "inkclock-" + c.cfg.DeviceName
}

// keepAlive converts the configured interval to the MQTT wire range.
func (c *Client) keepAlive() uint16 {
	switch {
	case c.cfg.KeepAliveSec < 0:
		return 0
	case c.cfg.KeepAliveSec > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(c.cfg.KeepAliveSec)
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it subscribes to both time topics, publishes the
// discovery configs when enabled, and publishes a birth message.
func (c *Client) Start(ctx context.Context) error {
	if c.brokerURL == "" {
		return fmt.Errorf("mqtt broker not configured")
	}
	u, err := url.Parse(c.brokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{u},
		KeepAlive:       c.keepAlive(),
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.brokerURL)
			c.subscribe(ctx, cm)
			if c.announce {
				c.publishDiscovery(ctx, cm)
			}
			c.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "broker", c.brokerURL, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.onPublishReceived,
			},
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	if u.Scheme == "mqtts" || u.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		c.logger.Warn("mqtt initial connection timed out, will retry in background",
			"broker", c.brokerURL, "error", err)
	}

	c.limiter.start(ctx)
	return nil
}

// Stop publishes "offline" to the availability topic and disconnects.
// ctx bounds how long the publish and disconnect may take.
func (c *Client) Stop(ctx context.Context) error {
	cm := c.cm.Load()
	if cm == nil {
		return nil
	}
	c.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. connwatch uses it as the broker health probe.
func (c *Client) AwaitConnection(ctx context.Context) error {
	cm := c.cm.Load()
	if cm == nil {
		return errNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// Publish sends payload to topic at QoS 1.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	cm := c.cm.Load()
	if cm == nil {
		return errNotStarted
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Dropped returns the number of inbound messages discarded by the rate
// limiter since start.
func (c *Client) Dropped() int64 {
	return c.limiter.Dropped()
}

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := make([]paho.SubscribeOptions, 0, 2)
	for _, topic := range c.Topics() {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		c.logger.Error("mqtt subscribe failed", "topics", c.Topics(), "error", err)
		return
	}
	c.logger.Info("mqtt subscribed", "topics", c.Topics())
}

func (c *Client) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, e := range c.entityDefinitions() {
		topic := c.discoveryTopic(e.component, e.suffix)
		payload, err := json.Marshal(e.config)
		if err != nil {
			c.logger.Error("mqtt marshal discovery payload",
				"entity", e.suffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			c.logger.Warn("mqtt discovery publish failed",
				"entity", e.suffix, "topic", topic, "error", err)
		} else {
			c.logger.Debug("mqtt discovery published",
				"entity", e.suffix, "topic", topic)
		}
	}
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		c.logger.Info("mqtt availability published", "status", status)
	}
}
