package notify

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
)

// Client is the broker connection used by MQTTPublisher
type Client interface {
	// Connect resolves the broker host and connects.
	Connect(ctx context.Context) error

	// Publish sends payload to topic. It fails when not connected.
	Publish(ctx context.Context, topic string, payload []byte) error

	IsConnected() bool

	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	Retain            bool
	ReconnectCooldown time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		ReconnectCooldown: 5 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// ConfigFromSettings derives the client configuration from the mqtt settings
func ConfigFromSettings(settings *conf.Settings) Config {
	cfg := DefaultConfig()
	cfg.Broker = settings.MQTT.Broker
	cfg.ClientID = settings.Main.Name + "-notify"
	cfg.Username = settings.MQTT.Username
	cfg.Password = settings.MQTT.Password
	cfg.QoS = byte(min(max(settings.MQTT.QoS, 0), 2))
	cfg.Retain = settings.MQTT.Retain
	return cfg
}

type client struct {
	config          Config
	internalClient  mqtt.Client
	lastConnAttempt time.Time
	mu              sync.Mutex
	log             logger.Logger
}

// NewClient creates an unconnected MQTT client
func NewClient(config Config) Client {
	return &client{
		config: config,
		log:    GetLogger(),
	}
}

func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if since := time.Since(c.lastConnAttempt); since < c.config.ReconnectCooldown {
		return errors.Newf("connection attempt too recent, last attempt was %v ago", since).
			Component("notify").
			Category(errors.CategoryNetwork).
			Build()
	}
	c.lastConnAttempt = time.Now()

	u, err := url.Parse(c.config.Broker)
	if err != nil || u.Host == "" {
		if err == nil {
			err = errors.NewStd("missing host")
		}
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryConfiguration).
			Context("broker", c.config.Broker).
			Build()
	}

	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return errors.New(err).
				Component("notify").
				Category(errors.CategoryNetwork).
				Context("operation", "resolve_broker").
				Context("host", host).
				Build()
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.internalClient = mqtt.NewClient(opts)

	token := c.internalClient.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return errors.Newf("connection timeout after %v", c.config.ConnectTimeout).
			Component("notify").
			Category(errors.CategoryTimeout).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryNetwork).
			Context("operation", "connect").
			Build()
	}
	return nil
}

func (c *client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsConnected() {
		return errors.Newf("not connected to MQTT broker").
			Component("notify").
			Category(errors.CategoryNetwork).
			Context("topic", topic).
			Build()
	}

	token := c.internalClient.Publish(topic, c.config.QoS, c.config.Retain, payload)
	select {
	case <-token.Done():
	case <-time.After(c.config.PublishTimeout):
		return errors.Newf("publish timeout for topic %s", topic).
			Component("notify").
			Category(errors.CategoryTimeout).
			Build()
	case <-ctx.Done():
		return errors.New(ctx.Err()).
			Component("notify").
			Category(errors.CategoryCancellation).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryNetwork).
			Context("topic", topic).
			Build()
	}
	c.log.Trace("published", logger.String("topic", topic), logger.Int("size", len(payload)))
	return nil
}

func (c *client) IsConnected() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

func (c *client) Disconnect() {
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
	}
}

func (c *client) onConnect(_ mqtt.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", c.config.Broker))
}

func (c *client) onConnectionLost(_ mqtt.Client, err error) {
	// paho reconnects on its own
	c.log.Warn("connection to MQTT broker lost",
		logger.String("broker", c.config.Broker),
		logger.Error(err))
}
