package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaberg/nova-driver/internal/config"
	"github.com/sirupsen/logrus"
)

// TopicRoot prefixes every topic this device owns.
const TopicRoot = "nova_driver"

// Client wraps the paho client with the device's topic layout.
type Client struct {
	client   mqtt.Client
	deviceID string
	logger   *logrus.Logger
}

// BrokerURL maps the user-facing scheme onto what paho dials. ws/wss are used
// as-is, mqtt becomes tcp and mqtts becomes ssl. tlsNeeded is set for the
// secure variants.
func BrokerURL(raw string) (broker string, tlsNeeded bool, err error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid MQTT URL: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		return raw, false, nil
	case "wss":
		return raw, true, nil
	case "mqtt":
		return strings.Replace(raw, "mqtt://", "tcp://", 1), false, nil
	case "mqtts":
		return strings.Replace(raw, "mqtts://", "ssl://", 1), true, nil
	default:
		return "", false, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts)", parsed.Scheme)
	}
}

// NewClient connects to the broker at mqttURL. The retained availability
// topic is set as last will so Home Assistant marks the driver offline when
// the process dies.
func NewClient(mqttURL, deviceID string, logger *logrus.Logger) (*Client, error) {
	broker, secure, err := BrokerURL(mqttURL)
	if err != nil {
		return nil, err
	}
	parsedURL, _ := url.Parse(mqttURL)
	clientID := fmt.Sprintf("nova-driver-%s", deviceID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	if secure {
		// Self-signed brokers are the norm on home setups.
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetConnectTimeout(config.MQTTTimeout)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetWill(AvailabilityTopic(deviceID), "offline", 1, true)

	if parsedURL.User != nil {
		username := parsedURL.User.Username()
		password, _ := parsedURL.User.Password()
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})
	firstConnect := true
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if firstConnect {
			logger.Debug("MQTT connected")
			firstConnect = false
		} else {
			logger.Info("MQTT reconnected")
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(mqttURL),
		"protocol":  parsedURL.Scheme,
		"client_id": clientID,
	}).Info("MQTT client connected")

	return &Client{
		client:   client,
		deviceID: deviceID,
		logger:   logger,
	}, nil
}

// Publish sends payload at QoS 1 and waits for the broker with a timeout.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, 1, retained, payload)

	// Never wait indefinitely on a dead connection.
	if !token.WaitTimeout(config.MQTTTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, config.MQTTTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")
	return nil
}

// Subscribe registers handler for topic at QoS 1. The handler receives only
// the payload; paho runs it on its own goroutine.
func (c *Client) Subscribe(topic string, handler func(payload []byte)) error {
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(config.MQTTTimeout) {
		return fmt.Errorf("subscribe to topic %s timed out after %s", topic, config.MQTTTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.WithField("topic", topic).Debug("Subscribed to MQTT topic")
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect marks the device offline and closes the connection.
func (c *Client) Disconnect(quiesce uint) {
	if c.client.IsConnected() {
		if err := c.Publish(AvailabilityTopic(c.deviceID), []byte("offline"), true); err != nil {
			c.logger.WithError(err).Debug("MQTT offline publish failed")
		}
	}
	c.client.Disconnect(quiesce)
	c.logger.Debug("MQTT client disconnected")
}

// DeviceID returns the device id the topics are built from.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}

// BaseTopic is nova_driver/<device>.
func BaseTopic(deviceID string) string {
	return BuildCleanTopic(TopicRoot, deviceID)
}

// StateTopic carries the retained driver view.
func StateTopic(deviceID string) string {
	return BaseTopic(deviceID) + "/state"
}

// CommandTopic receives driver actions.
func CommandTopic(deviceID string) string {
	return BaseTopic(deviceID) + "/command"
}

// ResultTopic carries command outcomes.
func ResultTopic(deviceID string) string {
	return BaseTopic(deviceID) + "/result"
}

// AvailabilityTopic carries online/offline.
func AvailabilityTopic(deviceID string) string {
	return BaseTopic(deviceID) + "/availability"
}

// DiscoveryTopic returns the Home Assistant discovery config topic.
func DiscoveryTopic(prefix, entityType, deviceID, entityID string) string {
	return fmt.Sprintf("%s/%s/%s_%s/%s/config", prefix, entityType, TopicRoot, BuildCleanTopic(deviceID), entityID)
}

// BuildCleanTopic lower-cases parts and replaces characters MQTT reserves.
func BuildCleanTopic(parts ...string) string {
	cleanParts := make([]string, 0, len(parts))
	for _, part := range parts {
		clean := strings.ReplaceAll(part, " ", "_")
		clean = strings.ReplaceAll(clean, "+", "plus")
		clean = strings.ReplaceAll(clean, "#", "hash")
		clean = strings.ToLower(clean)
		cleanParts = append(cleanParts, clean)
	}
	return strings.Join(cleanParts, "/")
}
