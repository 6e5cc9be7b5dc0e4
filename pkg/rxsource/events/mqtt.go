// Package events publishes receiver state changes to an MQTT broker.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/norasector/rxsource/pkg/rxsource"
)

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher implements rxsource.Listener. Messages are published
// asynchronously so callbacks never wait on the broker.
type Publisher struct {
	client client
	source string
	prefix string
	qos    byte
	logger zerolog.Logger
}

type Message struct {
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	State      string    `json:"state,omitempty"`
	SampleRate uint32    `json:"sample_rate,omitempty"`
	Frequency  uint64    `json:"frequency,omitempty"`
}

// Connect dials the broker. A failed first connection is logged and retried
// in the background.
func Connect(cfg Config, source string, logger zerolog.Logger) *Publisher {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "rxsource_" + uuid.New().String()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt connection lost")
	})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		logger.Warn().Str("broker", cfg.Broker).Msg("mqtt connection timeout, retrying in background")
	} else if err := token.Error(); err != nil {
		logger.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection failed, retrying in background")
	}

	return newPublisher(c, cfg, source, logger)
}

func newPublisher(c client, cfg Config, source string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		client: c,
		source: source,
		prefix: cfg.TopicPrefix,
		qos:    cfg.QoS,
		logger: logger,
	}
}

func (p *Publisher) topic(kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, p.source, kind)
}

func (p *Publisher) publish(kind string, msg Message) {
	if !p.client.IsConnected() {
		return
	}
	msg.Source = p.source
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error().Err(err).Msg("error marshaling event")
		return
	}

	topic := p.topic(kind)
	token := p.client.Publish(topic, p.qos, true, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			p.logger.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

func (p *Publisher) SampleRateChanged(rate uint32) {
	p.publish("sample_rate", Message{SampleRate: rate})
}

func (p *Publisher) FrequencyChanged(freq uint64) {
	p.publish("frequency", Message{Frequency: freq})
}

func (p *Publisher) StateChanged(state rxsource.State) {
	p.publish("state", Message{State: state.String()})
}

func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

var _ rxsource.Listener = (*Publisher)(nil)
