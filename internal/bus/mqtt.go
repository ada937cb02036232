package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// connectTimeout bounds the initial broker handshake.
const connectTimeout = 30 * time.Second

// MQTTOptions configures the MQTT transport.
type MQTTOptions struct {
	BrokerURL string // e.g. "tcp://broker.example:1883" or "ssl://...:8883"
	ClientID  string
	Username  string
	Password  string
}

// MQTTBus is the Bus implementation over an MQTT broker. Subscriptions are
// recorded and replayed on every (re)connect.
type MQTTBus struct {
	client mqtt.Client
	log    *logrus.Entry

	mu   sync.Mutex
	subs map[string]Handler

	// OnFirstConnect, if set, is invoked once after the first successful
	// broker session is established. The Orchestrator uses it to apply the
	// configured default filter/scan commands.
	OnFirstConnect func()
	firstDone      bool
}

// NewMQTT constructs an MQTTBus; Connect must be called before use.
func NewMQTT(opts MQTTOptions, log *logrus.Entry) *MQTTBus {
	b := &MQTTBus{log: log, subs: map[string]Handler{}}

	co := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("mqtt connection lost")
		})
	if opts.Username != "" {
		co.SetUsername(opts.Username).SetPassword(opts.Password)
	}
	b.client = mqtt.NewClient(co)
	return b
}

// Connect establishes the broker session, blocking until connected or ctx
// expires.
func (b *MQTTBus) Connect(ctx context.Context) error {
	tok := b.client.Connect()
	done := make(chan struct{})
	go func() {
		tok.WaitTimeout(connectTimeout)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("bus: mqtt connect: %w", err)
	}
	return nil
}

func (b *MQTTBus) onConnect(c mqtt.Client) {
	b.log.Info("mqtt connected")
	b.mu.Lock()
	subs := make(map[string]Handler, len(b.subs))
	for t, h := range b.subs {
		subs[t] = h
	}
	first := !b.firstDone
	b.firstDone = true
	hook := b.OnFirstConnect
	b.mu.Unlock()

	for topic, h := range subs {
		b.subscribe(c, topic, h)
	}
	if first && hook != nil {
		hook()
	}
}

func (b *MQTTBus) subscribe(c mqtt.Client, topic string, h Handler) {
	tok := c.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		b.log.WithError(err).WithField("topic", topic).Error("mqtt subscribe failed")
	}
}

// Subscribe registers h for topic, effective immediately if connected and
// replayed on every reconnect.
func (b *MQTTBus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	b.subs[topic] = h
	connected := b.client.IsConnectionOpen()
	b.mu.Unlock()

	if connected {
		b.subscribe(b.client, topic, h)
	}
	return nil
}

// Publish sends payload on topic with QoS 0: event delivery is best-effort
// hand-off to the broker.
func (b *MQTTBus) Publish(topic string, payload []byte) error {
	tok := b.client.Publish(topic, 0, false, payload)
	// QoS 0 tokens complete as soon as the packet is queued.
	tok.Wait()
	return tok.Error()
}

// Close disconnects from the broker, allowing in-flight messages 250ms to
// drain.
func (b *MQTTBus) Close() {
	b.client.Disconnect(250)
}
