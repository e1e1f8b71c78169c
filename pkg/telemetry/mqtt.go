package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/config"
)

var ErrNotConnected = errors.New("not connected to MQTT broker")

const publishTimeout = time.Second

type MQTT struct {
	client mqtt.Client
	topic  string
}

// DialMQTT starts connecting to the configured broker.  The connection is
// retried in the background; until it is up, Send returns ErrNotConnected.
func DialMQTT(cfg config.Telemetry) *MQTT {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		fmt.Println("TLM: connected to MQTT broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		fmt.Println("TLM: MQTT connection lost:", err)
	}

	c := mqtt.NewClient(opts)
	c.Connect()
	return newMQTT(c, cfg.Topic)
}

func newMQTT(c mqtt.Client, topic string) *MQTT {
	return &MQTT{client: c, topic: topic}
}

func (m *MQTT) Send(rec Record) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode telemetry")
	}
	token := m.client.Publish(m.topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("publish to %s timed out", m.topic)
	}
	return errors.Wrapf(token.Error(), "publish to %s failed", m.topic)
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
