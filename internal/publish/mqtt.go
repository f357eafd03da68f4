package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/internal/config"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
)

const mqttTimeout = 5 * time.Second

// MQTTSink publishes each reading as JSON on <topic>/<source>/<mode>.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
	log    *logrus.Entry
}

// NewMQTTSink connects to the broker in cfg.
func NewMQTTSink(cfg config.MQTTConfig, log *logrus.Logger) (*MQTTSink, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	entry := log.WithField("component", "mqtt")
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		entry.WithError(err).Warn("broker connection lost")
	})

	c := mqtt.NewClient(opts)
	if token := c.Connect(); !token.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("connect %s: timeout", cfg.Broker)
	} else if token.Error() != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, token.Error())
	}
	entry.WithField("broker", cfg.Broker).Info("connected")
	return newMQTTSink(c, cfg, entry), nil
}

func newMQTTSink(c mqtt.Client, cfg config.MQTTConfig, log *logrus.Entry) *MQTTSink {
	return &MQTTSink{client: c, topic: cfg.Topic, qos: cfg.QoS, log: log}
}

// Topic returns the topic a message is published on.
func (s *MQTTSink) Topic(m events.Message) string {
	if r, ok := m.Data.(events.Reading); ok {
		return fmt.Sprintf("%s/%s/%s", s.topic, r.Source, r.Mode)
	}
	return fmt.Sprintf("%s/%s/%s", s.topic, m.Source, m.Type)
}

func (s *MQTTSink) Publish(ctx context.Context, m events.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	token := s.client.Publish(s.Topic(m), s.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttTimeout):
		return fmt.Errorf("publish %s: timeout", s.Topic(m))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", s.Topic(m), err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
