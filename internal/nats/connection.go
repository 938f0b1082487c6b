// Package nats owns the NATS connection of a node. Every actor of the node shares it.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config describes how a node reaches the cluster.
type Config struct {
	URL string
	// Name identifies the connection on the server; nodes use their canonical name.
	Name string

	Token    string
	Username string
	Password string

	// MaxReconnects of -1 retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	// DrainTimeout bounds how long Close waits for in-flight replies.
	DrainTimeout time.Duration
	// InboxPrefix replaces _INBOX for request replies, so accounts can scope them.
	InboxPrefix string
}

// DefaultConfig returns the settings a node uses unless told otherwise.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:           url,
		Name:          "dpe",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

func (c *Config) options(logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(c.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Lost cluster connection", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to cluster", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("Cluster connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			topic := ""
			if sub != nil {
				topic = sub.Subject
			}
			logger.Error("Asynchronous transport error", zap.String("topic", topic), zap.Error(err))
		}),
	}
	if c.DrainTimeout > 0 {
		opts = append(opts, nats.DrainTimeout(c.DrainTimeout))
	}
	if c.InboxPrefix != "" {
		opts = append(opts, nats.CustomInboxPrefix(c.InboxPrefix))
	}
	switch {
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	case c.Username != "" && c.Password != "":
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	return opts
}

// Connect dials the cluster. When ctx ends first, a connection that is still being
// established is closed as soon as it arrives.
func Connect(ctx context.Context, cfg *Config, logger *zap.Logger) (*nats.Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connection cancelled: %w", err)
	}

	type dialed struct {
		conn *nats.Conn
		err  error
	}
	ch := make(chan dialed, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, cfg.options(logger)...)
		ch <- dialed{conn, err}
	}()

	select {
	case d := <-ch:
		if d.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, d.err)
		}
		logger.Info("Connected to cluster", zap.String("url", d.conn.ConnectedUrl()), zap.String("name", cfg.Name))
		return d.conn, nil
	case <-ctx.Done():
		go func() {
			if d := <-ch; d.conn != nil {
				d.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	}
}

// Close drains conn and waits for the drain to finish. A failed drain falls back to
// an immediate close.
func Close(conn *nats.Conn) error {
	if conn == nil || conn.IsClosed() {
		return nil
	}
	closed := make(chan struct{})
	prev := conn.ClosedHandler()
	conn.SetClosedHandler(func(nc *nats.Conn) {
		if prev != nil {
			prev(nc)
		}
		close(closed)
	})
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	<-closed
	return nil
}

// IsConnected reports whether conn can publish right now.
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}
