// Package notify forwards every Event Bus envelope to the external
// MQTT transport under topic "{TOPIC_ROOT}/{Kind}" with retention
// enabled: autopaho connection manager, last-will message, and an
// update/de1/* resync topic so UIs can synchronise after reconnecting.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/pyde1/pyde1-go/internal/bus"
	"github.com/pyde1/pyde1-go/internal/config"
)

// forwardedKinds lists every bus.Kind forwarded to MQTT. Every kind
// the store persists is also notified.
var forwardedKinds = []bus.Kind{
	bus.KindStateUpdate, bus.KindShotSample, bus.KindWeightAndFlow, bus.KindWaterLevel,
	bus.KindSequencerGate, bus.KindStopAt, bus.KindScaleTare, bus.KindAutoTare,
	bus.KindScaleButton, bus.KindConnectivity, bus.KindDeviceAvailability,
	bus.KindDeviceChanged, bus.KindBlueDotUpdate,
}

// wireMessage is the JSON envelope published to every topic.
type wireMessage struct {
	Version     string          `json:"version"`
	Class       string          `json:"class"`
	Sender      string          `json:"sender"`
	ArrivalTime time.Time       `json:"arrival_time"`
	CreateTime  time.Time       `json:"create_time"`
	EventTime   time.Time       `json:"event_time"`
	SequenceID  string          `json:"sequence_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// Forwarder subscribes to the bus and mirrors every envelope onto
// MQTT, reconnecting via autopaho's built-in backoff.
type Forwarder struct {
	cfg    config.MQTTConfig
	b      *bus.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New builds a Forwarder. Call Run to connect and begin forwarding.
func New(cfg config.MQTTConfig, b *bus.Bus, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{cfg: cfg, b: b, logger: logger}
}

func (f *Forwarder) topicRoot() string {
	root := f.cfg.TopicRoot
	if root == "" {
		root = "pyde1"
	}
	return root
}

func (f *Forwarder) willTopic() string { return f.topicRoot() + "/will" }

// Run connects to the broker and forwards bus envelopes until ctx is
// cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	clientID := f.cfg.ClientID
	if clientID == "" {
		clientID = "pyde1d"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.willTopic(),
			Payload: []byte("unexpected disconnect"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected", "broker", f.cfg.Broker)
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: clientID},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		f.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	var unsubs []func()
	merged := make(chan bus.Envelope, 1024)
	for _, kind := range forwardedKinds {
		ch, unsub := f.b.Subscribe(kind, 256)
		unsubs = append(unsubs, unsub)
		go func(ch <-chan bus.Envelope) {
			for env := range ch {
				select {
				case merged <- env:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-merged:
			f.forward(ctx, env)
		}
	}
}

// buildWireMessage converts a bus envelope into the JSON payload
// published to MQTT.
func buildWireMessage(env bus.Envelope) ([]byte, error) {
	data, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := wireMessage{
		Version:     env.Version,
		Class:       string(env.Kind),
		Sender:      env.Sender,
		ArrivalTime: env.ArrivalTime,
		CreateTime:  env.CreateTime,
		EventTime:   env.EventTime,
		SequenceID:  env.SequenceID,
		Data:        data,
	}
	return json.Marshal(msg)
}

func (f *Forwarder) forward(ctx context.Context, env bus.Envelope) {
	payload, err := buildWireMessage(env)
	if err != nil {
		f.logger.Error("marshal mqtt wire message failed", "kind", env.Kind, "error", err)
		return
	}

	topic := f.topicRoot() + "/" + string(env.Kind)
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := f.cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return
	}

	if env.Kind == bus.KindStateUpdate || env.Kind == bus.KindDeviceAvailability {
		updateTopic := f.topicRoot() + "/update/de1/" + string(env.Kind)
		if _, err := f.cm.Publish(pubCtx, &paho.Publish{
			Topic: updateTopic, Payload: payload, QoS: 0, Retain: true,
		}); err != nil {
			f.logger.Debug("mqtt resync topic publish failed", "topic", updateTopic, "error", err)
		}
	}
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Suitable as a connwatch probe so broker reachability
// is tracked independently of the per-publish error handling in
// forward.
func (f *Forwarder) AwaitConnection(ctx context.Context) error {
	if f.cm == nil {
		return fmt.Errorf("mqtt: forwarder not started")
	}
	return f.cm.AwaitConnection(ctx)
}

// Stop publishes a graceful offline marker and disconnects.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.cm.Publish(ctx, &paho.Publish{Topic: f.willTopic(), Payload: []byte("offline"), QoS: 1, Retain: true})
	return f.cm.Disconnect(ctx)
}
