package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/logger"
)

// NATSBus implements Bus over a NATS connection, for deployments that need
// the Message Bus to survive a process restart or span multiple orchestrator
// replicas. Core NATS preserves per-subject publish order to each
// subscriber, so addressing a recipient by "to" as the subject keeps the
// same per-(From,To) ordering guarantee the in-process MemoryBus provides;
// it does not add durability across a broker restart (JetStream would, and
// is a reasonable future upgrade, but is not wired here).
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to NATS using cfg, with reconnection handling mirrored
// from the in-process bus's logging conventions.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("connected to NATS", zap.String("url", cfg.URL))
	return &NATSBus{conn: conn, logger: log}, nil
}

// Publish marshals msg to JSON and publishes it to the subject msg.To.
func (b *NATSBus) Publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.conn.Publish(msg.To, data); err != nil {
		b.logger.Error("failed to publish message",
			zap.String("to", msg.To), zap.String("kind", string(msg.Kind)), zap.Error(err))
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(to string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(to, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", to, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) QueueSubscribe(to, group string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(to, group, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", to, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) msgHandler(handler Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("failed to unmarshal message", zap.String("subject", m.Subject), zap.Error(err))
			return
		}

		var err error
		for attempt := 1; attempt <= MaxRedeliveryAttempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = handler(ctx, &msg)
			cancel()
			if err == nil {
				return
			}
			b.logger.Warn("message handler failed, redelivering",
				zap.String("subject", m.Subject), zap.String("message_id", msg.ID),
				zap.Int("attempt", attempt), zap.Error(err))
		}
		b.logger.Error("message dropped after max redelivery attempts",
			zap.String("subject", m.Subject), zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// Close drains pending messages then closes the connection.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
	b.logger.Info("NATS bus closed")
}

func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
