package sfm

import (
	"context"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// subscribeTimeout bounds the wait for the broker to confirm the request
// subscription.
const subscribeTimeout = 5 * time.Second

// RequestHandler is called for every message on the request topic.
// Exactly one of req and err is non-nil.
type RequestHandler func(req *AveragingRequest, err error)

// MQTTClient manages the broker connection and the request subscription.
type MQTTClient struct {
	client       mqtt.Client
	requestTopic string
	handler      RequestHandler
	logger       *zap.SugaredLogger
	isConnected  bool
	mu           sync.RWMutex
}

// InitMQTT creates a client for the configured broker and connects in the
// background until ctx is done. When neither MQTT_BROKER nor mqtt.broker is
// set, MQTT is disabled and InitMQTT returns nil, nil.
func InitMQTT(ctx context.Context, config *Config, handler RequestHandler, logger *zap.SugaredLogger) (*MQTTClient, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config == nil {
		config = DefaultConfig()
	}

	broker := envOr("MQTT_BROKER", config.MQTT.Broker)
	if broker == "" {
		logger.Info("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(envOr("MQTT_CLIENT_ID", config.MQTT.ClientID, "rotamesh"))
	if username := envOr("MQTT_USERNAME", config.MQTT.Username); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(envOr("MQTT_PASSWORD", config.MQTT.Password))
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// requests are averaged one at a time, in arrival order
	opts.SetOrderMatters(true)

	c := newMQTTClient(nil, config, handler, logger)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.logger.Info("MQTT reconnecting")
	})
	c.client = mqtt.NewClient(opts)

	go c.connectWithRetry(ctx)
	return c, nil
}

func newMQTTClient(client mqtt.Client, config *Config, handler RequestHandler, logger *zap.SugaredLogger) *MQTTClient {
	topic := DefaultRequestTopic
	if config != nil && config.MQTT.RequestTopic != "" {
		topic = config.MQTT.RequestTopic
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MQTTClient{
		client:       client,
		requestTopic: envOr("MQTT_REQUEST_TOPIC", topic),
		handler:      handler,
		logger:       logger,
	}
}

// envOr returns the environment variable key, else the first non-empty
// fallback.
func envOr(key string, fallbacks ...string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	for _, f := range fallbacks {
		if f != "" {
			return f
		}
	}
	return ""
}

// connectWithRetry connects with exponential backoff capped at a minute.
func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := time.Second
	const maxRetryDelay = 60 * time.Second

	for {
		c.logger.Info("Connecting to MQTT broker")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info("Connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.logger.Warnw("MQTT connection failed", "error", token.Error())
		} else {
			c.logger.Warn("MQTT connection timeout")
		}

		c.logger.Infow("Retrying MQTT connection", "delay", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	c.logger.Infow("MQTT connected, subscribing", "topic", c.requestTopic)

	token := client.Subscribe(c.requestTopic, 1, c.handleRequest)
	if !token.WaitTimeout(subscribeTimeout) {
		c.logger.Warnw("Subscribe not confirmed in time", "topic", c.requestTopic, "timeout", subscribeTimeout)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Errorw("Subscribe failed", "topic", c.requestTopic, "error", err)
		return
	}
	c.logger.Infow("Subscribed", "topic", c.requestTopic)
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warnw("MQTT connection interrupted, auto-reconnect will retry", "error", err)
	c.setConnected(false)
}

func (c *MQTTClient) handleRequest(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	c.logger.Debugw("Received averaging request", "topic", msg.Topic(), "bytes", len(payload))

	req, err := ParseRequestJSON(payload)
	if err != nil {
		c.logger.Warnw("Dropping malformed request", "topic", msg.Topic(), "error", err)
	}
	if c.handler != nil {
		c.handler(req, err)
	}
}

// RequestTopic returns the subscribed topic.
func (c *MQTTClient) RequestTopic() string {
	return c.requestTopic
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect closes the connection with a 250ms quiesce.
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("Disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying client for publishing.
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
