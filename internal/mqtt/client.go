// Package mqtt publishes tank levels and dose events to a broker so home
// automation dashboards can follow the modules without polling the REST API.
// The publisher is optional: a nil *Publisher is safe to call.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// Publisher wraps the broker connection.
type Publisher struct {
	client mqtt.Client
}

// NewPublisher connects to the broker. An empty broker URL disables
// telemetry and returns nil.
func NewPublisher(broker, clientID, username, password string) (*Publisher, error) {
	if broker == "" {
		log.Println("[INFO] MQTT broker not configured. Telemetry disabled.")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Println("[INFO] Connected to MQTT broker")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("[WARN] Connection to MQTT broker lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return &Publisher{client: client}, nil
}

func (p *Publisher) publish(topic string, payload interface{}) {
	if p == nil || p.client == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[ERROR] failed to marshal telemetry for %s: %v", topic, err)
		return
	}
	token := p.client.Publish(topic, 1, true, data)
	if !token.WaitTimeout(publishTimeout) {
		log.Printf("[WARN] timeout publishing to topic %s", topic)
		return
	}
	if token.Error() != nil {
		log.Printf("[WARN] error publishing to topic %s: %v", topic, token.Error())
	}
}

// PublishTankLevel reports the remaining volume of one container.
func (p *Publisher) PublishTankLevel(moduleID string, pump int, remainingMl, percent float64) {
	p.publish(fmt.Sprintf("doser/%s/pump%d/tank", moduleID, pump), map[string]interface{}{
		"remaining_ml": remainingMl,
		"percent":      percent,
		"ts":           time.Now().UnixMilli(),
	})
}

// PublishDoseEvent reports one realized dose.
func (p *Publisher) PublishDoseEvent(moduleID string, pump int, volumeMl float64, source string, atMs int64) {
	p.publish(fmt.Sprintf("doser/%s/pump%d/dose", moduleID, pump), map[string]interface{}{
		"volume_ml": volumeMl,
		"source":    source,
		"ts":        atMs,
	})
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p != nil && p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
