package atlas

import (
	"context"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// CommandHandler is called when a message arrives on the recompute topic.
type CommandHandler func(payload []byte)

// MQTTClient manages the broker connection used to publish results and,
// in service mode, to receive recompute requests.
type MQTTClient struct {
	client      mqtt.Client
	settings    MQTTSettings
	onCommand   CommandHandler
	isConnected bool
	connected   chan struct{}
	cancel      context.CancelFunc
	mu          sync.RWMutex
}

// MQTTSettings is the effective connection configuration after
// environment overrides.
type MQTTSettings struct {
	Broker        string
	ClientID      string
	Username      string
	Password      string
	PublishPrefix string
}

// ResolveMQTTSettings merges cfg with the MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX environment
// variables, which take precedence.
func ResolveMQTTSettings(cfg MQTTConfig) MQTTSettings {
	pick := func(env, fallback string) string {
		if v := os.Getenv(env); v != "" {
			return v
		}
		return fallback
	}
	s := MQTTSettings{
		Broker:        pick("MQTT_BROKER", cfg.Broker),
		ClientID:      pick("MQTT_CLIENT_ID", cfg.ClientID),
		Username:      pick("MQTT_USERNAME", cfg.Username),
		Password:      pick("MQTT_PASSWORD", cfg.Password),
		PublishPrefix: pick("MQTT_PUBLISH_PREFIX", cfg.PublishPrefix),
	}
	if s.ClientID == "" {
		s.ClientID = "atlas"
	}
	if s.PublishPrefix == "" {
		s.PublishPrefix = DefaultPublishPrefix
	}
	return s
}

// CommandTopic is the topic that triggers a recompute in service mode.
func (s MQTTSettings) CommandTopic() string {
	return s.PublishPrefix + "/recompute"
}

// InitMQTT creates the MQTT client. If no broker is configured,
// MQTT is disabled and this returns nil, nil. The connection is made in
// the background; use WaitConnected before publishing.
func InitMQTT(cfg *Config, onCommand CommandHandler) (*MQTTClient, error) {
	var mc MQTTConfig
	if cfg != nil {
		mc = cfg.MQTT
	}
	settings := ResolveMQTTSettings(mc)
	if settings.Broker == "" {
		Logf("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	client := newMQTTClient(settings, onCommand)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	opts.SetClientID(settings.ClientID)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	client.cancel = cancel
	go client.connectWithRetry(ctx)

	return client, nil
}

func newMQTTClient(settings MQTTSettings, onCommand CommandHandler) *MQTTClient {
	return &MQTTClient{
		settings:  settings,
		onCommand: onCommand,
		connected: make(chan struct{}),
	}
}

// connectWithRetry attempts to connect with exponential backoff until it
// succeeds or ctx is cancelled.
func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		Logf("Connecting to MQTT broker %s...", c.settings.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				Logf("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			Logf("MQTT connection failed: %v", token.Error())
		} else {
			Logf("MQTT connection timeout")
		}

		Logf("Retrying MQTT connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to the recompute topic when a handler is set.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	defer c.setConnected(true)
	if c.onCommand == nil {
		return
	}

	topic := c.settings.CommandTopic()
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		Logf("Received recompute request on %s (%d bytes)", msg.Topic(), len(msg.Payload()))
		c.onCommand(msg.Payload())
	})
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		Logf("Error subscribing to %s: %v", topic, token.Error())
		return
	}
	Logf("Subscribed to %s", topic)
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	Logf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	Logf("MQTT reconnecting...")
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status and releases WaitConnected
// on the first connection.
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
	if connected && c.connected != nil {
		select {
		case <-c.connected:
		default:
			close(c.connected)
		}
	}
}

// WaitConnected blocks until the first successful connection or ctx ends.
func (c *MQTTClient) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops reconnect attempts and closes the connection.
func (c *MQTTClient) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.client != nil && c.client.IsConnected() {
		Logf("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
	}
	c.setConnected(false)
}

// Settings returns the effective connection settings.
func (c *MQTTClient) Settings() MQTTSettings {
	return c.settings
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// NewMQTTClientWithMock wraps an existing mqtt.Client, typically a
// MockClient, and starts connecting it in the background.
func NewMQTTClientWithMock(client mqtt.Client, settings MQTTSettings, onCommand CommandHandler) *MQTTClient {
	c := newMQTTClient(settings, onCommand)
	c.client = client
	if mock, ok := client.(*MockClient); ok {
		mock.SetOnConnect(c.onConnect)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.connectWithRetry(ctx)
	return c
}
