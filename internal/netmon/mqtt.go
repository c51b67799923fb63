package netmon

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTEventSource turns the site gateway's broker link state into push
// connectivity events. Farm installations run a local MQTT gateway that
// bridges to the cloud; losing that session is the earliest signal that
// the uplink is gone, well before the next poll tick.
type MQTTEventSource struct {
	broker   string
	port     int
	username string
	password string
	logger   *slog.Logger

	client mqtt.Client
	events chan bool
}

// NewMQTTEventSource creates an event source for the given broker.
func NewMQTTEventSource(broker string, port int, username, password string, logger *slog.Logger) *MQTTEventSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEventSource{
		broker:   broker,
		port:     port,
		username: username,
		password: password,
		logger:   logger.With("component", "netmon-mqtt"),
		events:   make(chan bool, 8),
	}
}

// Events returns the channel of connectivity transitions (true=online).
func (s *MQTTEventSource) Events() <-chan bool {
	return s.events
}

// Start connects to the broker. The paho client auto-reconnects, so a
// lost session later emits offline and the eventual reconnect emits
// online again.
func (s *MQTTEventSource) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", s.broker, s.port))
	opts.SetClientID(fmt.Sprintf("fieldsync-netmon-%d", time.Now().Unix()))

	if s.username != "" {
		opts.SetUsername(s.username)
		opts.SetPassword(s.password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("gateway link lost", "error", err)
		s.push(false)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.logger.Info("gateway link up")
		s.push(true)
	})

	s.client = mqtt.NewClient(opts)

	s.logger.Info("connecting to gateway broker", "broker", s.broker, "port", s.port)
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("netmon: broker connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("netmon: connect to broker: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (s *MQTTEventSource) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// push never blocks; a monitor that has fallen behind will be corrected
// by its next poll anyway.
func (s *MQTTEventSource) push(online bool) {
	select {
	case s.events <- online:
	default:
	}
}
