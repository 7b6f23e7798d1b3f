package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"cinema-seats/shared"
)

const (
	publishRetries    = 3
	publishRetryDelay = 100 * time.Millisecond
)

// Connect dials url and keeps reconnecting for as long as the process runs.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if !nc.IsConnected() {
		nc.Close()
		return nil, fmt.Errorf("NATS connection not established")
	}
	return nc, nil
}

// natsConn is the part of *nats.Conn used for publishing.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher sends updates to every edge server over NATS. Deltas go to
// seats.update and reload signals to seats.reload.
type NATSPublisher struct {
	conn   natsConn
	logger *zap.Logger
}

func NewNATSPublisher(conn *nats.Conn, logger *zap.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, logger: logger}
}

func (p *NATSPublisher) Publish(ctx context.Context, update shared.SeatUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	subject := shared.NATSSubjectSeatUpdate
	if update.Reload {
		subject = shared.NATSSubjectSeatReload
	}

	var lastErr error
	for i := 0; i < publishRetries; i++ {
		if lastErr = p.conn.Publish(subject, data); lastErr == nil {
			return nil
		}
		p.logger.Warn("publish to NATS failed",
			zap.Int("attempt", i+1),
			zap.String("subject", subject),
			zap.String("show_key", update.ShowKey),
			zap.Error(lastErr),
		)
		if i == publishRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(publishRetryDelay):
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", subject, publishRetries, lastErr)
}

// Bridge feeds updates received from NATS into a local publisher, normally
// the edge server's hub.
type Bridge struct {
	target Publisher
	logger *zap.Logger
}

func NewBridge(target Publisher, logger *zap.Logger) *Bridge {
	return &Bridge{target: target, logger: logger}
}

// Subscribe listens on every seat subject.
func (b *Bridge) Subscribe(conn *nats.Conn) (*nats.Subscription, error) {
	sub, err := conn.Subscribe(shared.NATSSubjectAllSeats, b.handle)
	if err != nil {
		return nil, err
	}
	b.logger.Info("subscribed to seat updates", zap.String("subject", shared.NATSSubjectAllSeats))
	return sub, nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	var update shared.SeatUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		b.logger.Error("failed to parse seat update", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if msg.Subject == shared.NATSSubjectSeatReload {
		update.Reload = true
	}
	if err := b.target.Publish(context.Background(), update); err != nil {
		b.logger.Error("failed to forward seat update", zap.String("show_key", update.ShowKey), zap.Error(err))
	}
}

var _ Publisher = (*NATSPublisher)(nil)
