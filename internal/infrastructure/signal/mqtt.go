package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	mqttQoS          = 1
	broadcastTopic   = "all"
	mqttQuiesceMilli = 250
)

type MQTTConfig struct {
	Broker            string
	TopicPrefix       string
	ParticipantID     domain.ParticipantID
	SessionID         domain.SessionID
	Token             string
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
}

// MQTTChannel carries signaling over an MQTT broker. Each participant
// subscribes to its own topic and to the session's broadcast topic:
//
//	<prefix>/<session>/<participant>
//	<prefix>/<session>/all
type MQTTChannel struct {
	client  mqtt.Client
	cfg     MQTTConfig
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	inbox     chan domain.SignalMessage
	closeOnce sync.Once
	done      chan struct{}
}

var _ ports.SignalingChannel = (*MQTTChannel)(nil)

// DialMQTT connects to the broker. The room token, when set, is sent as the
// MQTT password.
func DialMQTT(cfg MQTTConfig, logger *zap.SugaredLogger) (*MQTTChannel, error) {
	logger = logger.With("participant_id", cfg.ParticipantID, "session_id", cfg.SessionID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.SessionID, cfg.ParticipantID))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	if cfg.Token != "" {
		opts.SetUsername(string(cfg.ParticipantID))
		opts.SetPassword(cfg.Token)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warnw("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(writeTimeout(cfg)) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return newMQTTChannel(client, cfg, logger)
}

func newMQTTChannel(client mqtt.Client, cfg MQTTConfig, logger *zap.SugaredLogger) (*MQTTChannel, error) {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	c := &MQTTChannel{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		logger:  logger,
		inbox:   make(chan domain.SignalMessage, 64),
		done:    make(chan struct{}),
	}

	topics := map[string]byte{
		c.topic(string(cfg.ParticipantID)): mqttQoS,
		c.topic(broadcastTopic):            mqttQoS,
	}
	token := client.SubscribeMultiple(topics, c.receive)
	if !token.WaitTimeout(writeTimeout(cfg)) {
		return nil, fmt.Errorf("mqtt subscribe: timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt subscribe: %w", err)
	}
	logger.Infow("mqtt signaling subscribed", "broker", cfg.Broker)
	return c, nil
}

func writeTimeout(cfg MQTTConfig) time.Duration {
	if cfg.WriteTimeout <= 0 {
		return 10 * time.Second
	}
	return cfg.WriteTimeout
}

func (c *MQTTChannel) topic(leaf string) string {
	return strings.Join([]string{strings.TrimSuffix(c.cfg.TopicPrefix, "/"), string(c.cfg.SessionID), leaf}, "/")
}

func (c *MQTTChannel) receive(_ mqtt.Client, m mqtt.Message) {
	var msg domain.SignalMessage
	if err := json.Unmarshal(m.Payload(), &msg); err != nil {
		c.logger.Warnw("dropping undecodable mqtt message", "topic", m.Topic(), "error", err)
		return
	}
	// broadcasts come back to their sender
	if msg.SenderID == c.cfg.ParticipantID {
		return
	}
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

func (c *MQTTChannel) Send(ctx context.Context, msg domain.SignalMessage) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	if msg.SessionID == "" {
		msg.SessionID = c.cfg.SessionID
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	leaf := broadcastTopic
	if msg.TargetID != "" {
		leaf = string(msg.TargetID)
	}

	token := c.client.Publish(c.topic(leaf), mqttQoS, false, raw)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Type, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrChannelClosed
	}
}

func (c *MQTTChannel) Listen(ctx context.Context, handler ports.SignalHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrChannelClosed
		case msg := <-c.inbox:
			if err := msg.Validate(); err != nil {
				c.logger.Warnw("dropping malformed signaling message", "error", err)
				continue
			}
			handler(ctx, msg)
		}
	}
}

// Close announces the departure on the broadcast topic and disconnects.
func (c *MQTTChannel) Close() error {
	c.closeOnce.Do(func() {
		leave := domain.SignalMessage{Type: domain.SignalLeave, SenderID: c.cfg.ParticipantID, SessionID: c.cfg.SessionID}
		if raw, err := json.Marshal(leave); err == nil {
			c.client.Publish(c.topic(broadcastTopic), mqttQoS, false, raw).WaitTimeout(time.Second)
		}
		close(c.done)
		c.client.Unsubscribe(c.topic(string(c.cfg.ParticipantID)), c.topic(broadcastTopic))
		c.client.Disconnect(mqttQuiesceMilli)
		c.logger.Infow("mqtt signaling closed")
	})
	return nil
}
