// Package mqtt publishes lifecycle events to an MQTT broker, one JSON
// message per event on <topic prefix>/<service>.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/servisor/internal/history"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultTopic          = "servisor/events"
)

var ErrPublishTimeout = errors.New("mqtt: publish timed out")

type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	// ConnectTimeout bounds the initial connection; zero means 10s.
	ConnectTimeout time.Duration
}

type Sink struct {
	client pahomqtt.Client
	topic  string
	qos    byte
}

func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	clientID := o.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("servisor-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)
	return opts
}

// New connects to the broker. Broker is a URL such as tcp://host:1883.
func New(o Options) (*Sink, error) {
	if strings.TrimSpace(o.Broker) == "" {
		return nil, errors.New("mqtt: empty broker")
	}
	topic := strings.TrimRight(o.Topic, "/")
	if topic == "" {
		topic = defaultTopic
	}
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	client := pahomqtt.NewClient(buildClientOptions(o))
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt: connect timeout after %v", timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	return &Sink{client: client, topic: topic, qos: o.QoS}, nil
}

// Topic returns the topic an event for service is published on.
func (s *Sink) Topic(service string) string {
	return s.topic + "/" + service
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(e.Service), s.qos, false, payload)
	wait := defaultPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return ErrPublishTimeout
	}
	return token.Error()
}

func (s *Sink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
