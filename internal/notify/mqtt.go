// Package notify delivers operator-facing alerts: emergency stops,
// unexpected engine stops and explicit notification requests, published
// over MQTT and optionally POSTed to a webhook.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/config"
	"github.com/warden-project/warden/internal/events"
	"github.com/warden-project/warden/internal/util"
)

// MQTT topics.
const (
	TopicAlerts = "warden/alerts"
	TopicStatus = "warden/status"
	TopicAdmin  = "warden/admin"
)

// MQTTNotifier publishes alert events to an MQTT broker.
type MQTTNotifier struct {
	cfg    *config.Config
	bus    *events.Bus
	client mqtt.Client

	// Metadata included in every message.
	metadata map[string]any
}

// NewMQTTNotifier creates an MQTT notifier from process config.
func NewMQTTNotifier(cfg *config.Config, bus *events.Bus) (*MQTTNotifier, error) {
	mqttCfg := cfg.MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]any{
		"hostname":    sysInfo.Hostname,
		"platform":    sysInfo.OS,
		"app_version": "1.0.0",
	}

	n := &MQTTNotifier{
		cfg:      cfg,
		bus:      bus,
		metadata: metadata,
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("warden-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	n.client = mqtt.NewClient(opts)
	return n, nil
}

// Start connects to the broker, subscribes to bus events and blocks
// until the context is cancelled.
func (n *MQTTNotifier) Start(ctx context.Context) error {
	log.Info().
		Str("broker", n.cfg.MQTT.BrokerURL).
		Int("port", n.cfg.MQTT.Port).
		Msg("connecting to MQTT broker")

	token := n.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	n.bus.Subscribe(events.EventNotifyOperator, "mqtt.notify", n.onNotify)
	n.bus.Subscribe(events.EventEmergencyStop, "mqtt.emergency", n.onEmergency)
	n.bus.Subscribe(events.EventEngineStopped, "mqtt.engineStopped", n.onEngineStopped)

	<-ctx.Done()

	n.publishShutdown()
	n.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")
	return nil
}

// publish sends a JSON message to an MQTT topic at QoS 1.
func (n *MQTTNotifier) publish(topic string, payload any) {
	if !n.client.IsConnected() {
		return
	}

	msg := make(map[string]any, len(n.metadata)+2)
	for k, v := range n.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := n.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (n *MQTTNotifier) onNotify(ctx context.Context, event events.Event) error {
	n.publish(TopicAlerts, event.Payload)
	return nil
}

func (n *MQTTNotifier) onEmergency(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.EmergencyPayload)
	n.publish(TopicAlerts, map[string]any{
		"event":  "emergency_stop",
		"server": payload.ServerKey,
		"reason": payload.Reason,
	})
	return nil
}

func (n *MQTTNotifier) onEngineStopped(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.EmergencyPayload)
	n.publish(TopicStatus, map[string]any{
		"event":  "engine_stopped",
		"server": payload.ServerKey,
	})
	return nil
}

// publishShutdown announces process shutdown to the broker.
func (n *MQTTNotifier) publishShutdown() {
	n.publish(TopicAdmin, map[string]any{
		"event":     "shutdown",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
