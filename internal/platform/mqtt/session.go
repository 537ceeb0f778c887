// Package mqtt owns the broker session: subscriptions, reconnect and the
// manual-ack handoff into the ingestion supervisor.
package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Topics is the full vendor topic set. Resubscribed as one batch on every
// (re)connect so a reconnect never leaves a vendor silently unsubscribed.
var Topics = []string{
	"ESP32_BLE_GW_TX",
	"dusun_sub",
	"dusun_status",
	"iMEDE_watch/#",
	"CM4_BLE_GW_TX",
}

// Handler receives one inbound message. ack must be called once the message
// has been handed off downstream; holding acks is how backpressure reaches
// the broker.
type Handler func(topic string, payload []byte, ack func())

type Config struct {
	Broker   string
	Port     int
	Username string
	Password string
	ClientID string
	QoS      byte
}

// Session wraps the paho client with the subscription set and lifecycle
// the pipeline needs: QoS-1, persistent session, indefinite reconnect.
type Session struct {
	cfg     Config
	client  paho.Client
	handler Handler
	log     zerolog.Logger
}

func NewSession(cfg Config, handler Handler, log zerolog.Logger) *Session {
	s := &Session{cfg: cfg, handler: handler, log: log.With().Str("component", "mqtt").Logger()}
	s.client = paho.NewClient(s.clientOptions())
	return s
}

func (s *Session) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.Broker, s.cfg.Port)).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetCleanSession(false).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(500 * time.Millisecond).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(true).
		SetAutoAckDisabled(true)

	opts.SetOnConnectHandler(func(c paho.Client) {
		s.log.Info().Str("broker", s.cfg.Broker).Msg("connected, subscribing topic set")
		s.subscribeAll(c)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.log.Warn().Err(err).Msg("connection lost, reconnecting")
	})
	return opts
}

func (s *Session) subscribeAll(c paho.Client) {
	filters := make(map[string]byte, len(Topics))
	for _, t := range Topics {
		filters[t] = s.cfg.QoS
	}
	token := c.SubscribeMultiple(filters, s.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.log.Error().Err(err).Msg("subscribe failed")
		}
	}()
}

func (s *Session) onMessage(_ paho.Client, msg paho.Message) {
	s.handler(msg.Topic(), msg.Payload(), msg.Ack)
}

// Connect blocks until the first connection succeeds or ctx expires. With
// connect-retry enabled paho keeps trying behind the scenes either way.
func (s *Session) Connect(ctx context.Context) error {
	token := s.client.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}

func (s *Session) Connected() bool { return s.client.IsConnectionOpen() }

// Close unsubscribes and disconnects, allowing in-flight publishes the
// given grace period.
func (s *Session) Close(grace time.Duration) {
	if s.client.IsConnectionOpen() {
		s.client.Unsubscribe(Topics...).WaitTimeout(grace)
	}
	s.client.Disconnect(uint(grace.Milliseconds()))
}
