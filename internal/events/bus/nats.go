package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// NATSConfig holds the NATS connection parameters.
type NATSConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// NATSBus implements EventBus over a NATS connection, for deployments
// where listeners and engines live in different processes.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to NATS with reconnection logic.
func NewNATSBus(cfg NATSConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

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
	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return &NATSBus{conn: conn, logger: log}, nil
}

// Publish sends the event on the delegation's subject.
func (b *NATSBus) Publish(ctx context.Context, delegationID string, event *protocol.TaskEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(SubjectPrefix+delegationID, data); err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("delegation_id", delegationID), zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers a handler for a delegation's subject.
func (b *NATSBus) Subscribe(delegationID string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectPrefix+delegationID, func(msg *nats.Msg) {
		var event protocol.TaskEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping malformed task event", zap.Error(err))
			return
		}
		handler(&event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", delegationID, err)
	}
	return &natsSubscription{sub: sub}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Close closes the connection without draining it.
func (b *NATSBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

var _ EventBus = (*NATSBus)(nil)
