package transport

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/dpe/internal/nats"
	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/message"
)

// NATSConfig configures a NATS transport.
type NATSConfig struct {
	URL           string
	Name          string
	Token         string
	Username      string
	Password      string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	InboxPrefix   string
}

// NATSTransport sends messages over core NATS. Topics are used as subjects.
type NATSTransport struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// DialNATS connects to NATS and returns a transport owning the connection.
func DialNATS(ctx context.Context, cfg NATSConfig, logger *zap.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	connCfg := internalnats.DefaultConfig(cfg.URL)
	if cfg.Name != "" {
		connCfg.Name = cfg.Name
	}
	if cfg.MaxReconnects != 0 {
		connCfg.MaxReconnects = cfg.MaxReconnects
	}
	if cfg.ReconnectWait > 0 {
		connCfg.ReconnectWait = cfg.ReconnectWait
	}
	if cfg.Timeout > 0 {
		connCfg.Timeout = cfg.Timeout
	}
	connCfg.InboxPrefix = cfg.InboxPrefix
	connCfg.Token = cfg.Token
	connCfg.Username = cfg.Username
	connCfg.Password = cfg.Password

	conn, err := internalnats.Connect(ctx, connCfg, logger)
	if err != nil {
		return nil, sdkerrors.NewError("CONNECTION_FAILED", "failed to connect to NATS", err)
	}
	return NewNATSTransport(conn, logger), nil
}

// NewNATSTransport wraps an established connection.
func NewNATSTransport(conn *nats.Conn, logger *zap.Logger) *NATSTransport {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &NATSTransport{conn: conn, logger: logger}
}

// Conn exposes the underlying connection, e.g. for JetStream based registrars.
func (t *NATSTransport) Conn() *nats.Conn {
	return t.conn
}

// Send publishes msg on msg.Topic.
func (t *NATSTransport) Send(ctx context.Context, msg *message.Message) error {
	if err := ValidateTopic(msg.Topic); err != nil {
		return err
	}
	if !internalnats.IsConnected(t.conn) {
		return sdkerrors.NewTransportError(msg.Topic, "send failed", sdkerrors.ErrNotConnected)
	}
	data, err := msg.ToBytes()
	if err != nil {
		return sdkerrors.NewTransportError(msg.Topic, "failed to marshal message", err)
	}
	if err := t.conn.Publish(msg.Topic, data); err != nil {
		t.logger.Error("Failed to publish message",
			zap.String("topic", msg.Topic),
			zap.Error(err))
		return sdkerrors.NewTransportError(msg.Topic, "publish failed", errors.Join(sdkerrors.ErrPublishFailed, err))
	}
	return nil
}

// SyncSend uses NATS request/reply. The receiver answers on the request inbox, which
// message.FromNATSMsg exposes as the reply address.
func (t *NATSTransport) SyncSend(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if err := ValidateTopic(msg.Topic); err != nil {
		return nil, err
	}
	data, err := msg.ToBytes()
	if err != nil {
		return nil, sdkerrors.NewTransportError(msg.Topic, "failed to marshal message", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := t.conn.RequestWithContext(reqCtx, msg.Topic, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, sdkerrors.NewTransportError(msg.Topic, "request failed", errors.Join(sdkerrors.ErrNoResponse, err))
		}
		return nil, sdkerrors.NewTransportError(msg.Topic, "request failed", err)
	}
	return message.FromNATSMsg(reply)
}

// Subscribe delivers messages on topic to handler. NATS delivers the messages of one
// subscription sequentially.
func (t *NATSTransport) Subscribe(topic string, handler Handler) (Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	sub, err := t.conn.Subscribe(topic, func(m *nats.Msg) {
		msg, err := message.FromNATSMsg(m)
		if err != nil {
			t.logger.Warn("Dropping undecodable message",
				zap.String("topic", m.Subject),
				zap.Error(err))
			return
		}
		handler(context.Background(), msg)
	})
	if err != nil {
		return nil, sdkerrors.NewTransportError(topic, "subscribe failed", errors.Join(sdkerrors.ErrSubscriptionFailed, err))
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains and closes the connection.
func (t *NATSTransport) Close() error {
	return internalnats.Close(t.conn)
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Topic() string      { return s.sub.Subject }
func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
