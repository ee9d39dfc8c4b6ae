package transmission

// Transmitter publishes the driver state to an outside consumer.
type Transmitter interface {
	Transmit(s *State) error
	IsConnected() bool
}

// Publisher is the subset of the MQTT client a transmitter needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	IsConnected() bool
}
