// Package telemetry publishes device state changes to an MQTT broker.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"astrodev/pkg/alpaca"
	"astrodev/pkg/poll"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	clientID       = "astrodev-alpaca"
	connectTimeout = 5 * time.Second
	publishTimeout = 5 * time.Second
	// Disconnect quiesce in milliseconds.
	quiesce = 250
)

// Message is the JSON payload of one state change.
type Message struct {
	Device  string    `json:"device"`
	Class   string    `json:"class"`
	State   string    `json:"state"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher is a poll.Observer publishing every change, retained with QoS
// 0, on <root>/<device>/<class>. It never blocks the caller on the broker.
type Publisher struct {
	logger log.FieldLogger
	now    func() time.Time

	mu     sync.Mutex
	client Client
	root   string
}

var _ poll.Observer = (*Publisher)(nil)

func NewPublisher(logger log.FieldLogger) *Publisher {
	return &Publisher{
		logger: logger.WithField("component", "telemetry"),
		now:    time.Now,
	}
}

// Dial connects to the broker of cfg.
func Dial(cfg alpaca.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(clientID)
	opts.AddBroker(cfg.Broker())
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timeout connecting to MQTT broker %s", cfg.Broker())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", err)
	}
	return client, nil
}

// Apply replaces the broker connection with the one described by cfg. A
// disabled config only disconnects.
func (p *Publisher) Apply(cfg alpaca.MQTTConfig) error {
	p.Attach(nil, "")
	if !cfg.Enabled {
		p.logger.Info("Telemetry disabled")
		return nil
	}

	client, err := Dial(cfg)
	if err != nil {
		return err
	}
	p.Attach(client, cfg.TopicRoot)
	p.logger.Infof("Publishing telemetry to %s under %s", cfg.Broker(), cfg.TopicRoot)
	return nil
}

// Attach replaces the client, disconnecting the previous one.
func (p *Publisher) Attach(client Client, root string) {
	p.mu.Lock()
	old := p.client
	p.client = client
	p.root = strings.TrimSuffix(root, "/")
	p.mu.Unlock()

	if old != nil && old != client {
		old.Disconnect(quiesce)
	}
}

func (p *Publisher) Close() {
	p.Attach(nil, "")
}

var topicEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")

// Topic returns the topic of a device class.
func Topic(root, device string, class poll.Class) string {
	return fmt.Sprintf("%s/%s/%s", root, topicEscaper.Replace(device), topicEscaper.Replace(string(class)))
}

func (p *Publisher) StateChanged(device string, class poll.Class, state poll.State, msg string) {
	p.mu.Lock()
	client, root := p.client, p.root
	p.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return
	}

	payload, err := json.Marshal(Message{
		Device:  device,
		Class:   string(class),
		State:   state.String(),
		Message: msg,
		Time:    p.now().UTC(),
	})
	if err != nil {
		p.logger.Errorf("Failed to encode %s %s: %v", device, class, err)
		return
	}

	topic := Topic(root, device, class)
	token := client.Publish(topic, 0, true, payload)
	go p.await(topic, token)
}

func (p *Publisher) await(topic string, token mqtt.Token) {
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warnf("Timeout publishing to %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warnf("Failed to publish to %s: %v", topic, err)
	}
}
