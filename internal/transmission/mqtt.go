package transmission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/jkaberg/nova-driver/internal/mqtt"
	"github.com/sirupsen/logrus"
)

// MQTTTransmitter publishes the driver state and Home Assistant discovery.
type MQTTTransmitter struct {
	client          Publisher
	deviceID        string
	discoveryPrefix string
	logger          *logrus.Logger

	mu        sync.Mutex
	published map[string]bool // discovery configs already sent
	lastState []byte
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// NewMQTTTransmitter returns a transmitter publishing through client.
func NewMQTTTransmitter(client Publisher, deviceID, discoveryPrefix string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:          client,
		deviceID:        deviceID,
		discoveryPrefix: discoveryPrefix,
		logger:          logger,
		published:       make(map[string]bool),
	}
}

func (t *MQTTTransmitter) device() HADevice {
	return HADevice{
		Identifiers:  []string{fmt.Sprintf("%s_%s", mqtt.TopicRoot, t.deviceID)},
		Name:         "Nova Driver",
		Model:        "Driver App",
		Manufacturer: "Nova",
		SWVersion:    "1.0.0",
	}
}

// valueTemplate renders booleans as ON/OFF for binary sensors.
func valueTemplate(e Entity) string {
	if e.Type == "binary_sensor" {
		return fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", e.Key)
	}
	return fmt.Sprintf("{{ value_json.%s | default(0) }}", e.Key)
}

// publishDiscoveryLocked sends every entity config not yet published, plus
// the device tracker. Caller holds t.mu.
func (t *MQTTTransmitter) publishDiscoveryLocked() {
	device := t.device()

	if !t.published["device_tracker"] {
		if err := t.publishDeviceTrackerDiscovery(device); err != nil {
			t.logger.WithError(err).Warn("Failed to publish device_tracker discovery")
		} else {
			t.published["device_tracker"] = true
		}
	}

	for _, e := range Entities {
		uniqueID := fmt.Sprintf("%s_%s", t.deviceID, e.Key)
		if t.published[uniqueID] {
			continue
		}
		cfg := HADiscoveryConfig{
			Name:              e.Name,
			UniqueID:          uniqueID,
			StateTopic:        mqtt.StateTopic(t.deviceID),
			ValueTemplate:     valueTemplate(e),
			AvailabilityTopic: mqtt.AvailabilityTopic(t.deviceID),
			Device:            device,
			DeviceClass:       e.DeviceClass,
			UnitOfMeasurement: e.Unit,
			Icon:              e.Icon,
			StateClass:        e.StateClass,
			EntityCategory:    e.Category,
		}
		topic := mqtt.DiscoveryTopic(t.discoveryPrefix, e.Type, t.deviceID, e.Key)
		if err := t.publishConfigRaw(topic, cfg); err != nil {
			t.logger.WithError(err).WithField("entity", e.Key).Error("Failed to publish discovery config")
			continue
		}
		t.logger.WithFields(logrus.Fields{
			"entity": e.Key,
			"topic":  topic,
		}).Debug("Published discovery config")
		t.published[uniqueID] = true
	}
}

func (t *MQTTTransmitter) publishConfigRaw(topic string, config any) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish discovery config to %s: %w", topic, err)
	}
	return nil
}

// Transmit publishes s as the retained state. An unchanged payload is not
// re-sent.
func (t *MQTTTransmitter) Transmit(s *State) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishDiscoveryLocked()

	if bytes.Equal(payload, t.lastState) {
		return nil
	}
	topic := mqtt.StateTopic(t.deviceID)
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish state to %s: %w", topic, err)
	}
	if t.lastState == nil {
		if err := t.publishAvailability(true); err != nil {
			return err
		}
	}
	t.lastState = payload

	t.logger.WithFields(logrus.Fields{
		"topic": topic,
		"state": s.DriverState,
	}).Debug("Published driver state")
	return nil
}

// PublishLocation updates the device tracker attributes.
func (t *MQTTTransmitter) PublishLocation(c domain.Coordinates) error {
	payload, err := json.Marshal(map[string]any{
		"latitude":     c.Lat,
		"longitude":    c.Lng,
		"gps_accuracy": c.AccuracyMeters,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal location data: %w", err)
	}
	return t.client.Publish(mqtt.BaseTopic(t.deviceID)+"/location", payload, false)
}

// Result is the outcome of one driver command.
type Result struct {
	Action  string `json:"action"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Detail  any    `json:"detail,omitempty"`
}

// PublishResult reports a command outcome on the non-retained result topic.
func (t *MQTTTransmitter) PublishResult(r Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return t.client.Publish(mqtt.ResultTopic(t.deviceID), payload, false)
}

func (t *MQTTTransmitter) publishDeviceTrackerDiscovery(device HADevice) error {
	config := map[string]any{
		"name":                  "Location",
		"unique_id":             fmt.Sprintf("%s_location", t.deviceID),
		"json_attributes_topic": mqtt.BaseTopic(t.deviceID) + "/location",
		"source_type":           "gps",
		"device":                device,
		"availability_topic":    mqtt.AvailabilityTopic(t.deviceID),
	}
	topic := mqtt.DiscoveryTopic(t.discoveryPrefix, "device_tracker", t.deviceID, "location")
	return t.publishConfigRaw(topic, config)
}

func (t *MQTTTransmitter) publishAvailability(online bool) error {
	payload := "online"
	if !online {
		payload = "offline"
	}
	topic := mqtt.AvailabilityTopic(t.deviceID)
	if err := t.client.Publish(topic, []byte(payload), true); err != nil {
		return fmt.Errorf("failed to publish availability to %s: %w", topic, err)
	}
	return nil
}

// IsConnected checks if the MQTT client is connected
func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}
