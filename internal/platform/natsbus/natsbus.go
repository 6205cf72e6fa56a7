// Package natsbus broadcasts terminal task transitions to other sessions of the
// same user over NATS, and listens for the ones they publish.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phrazzld/taskwatch/internal/notify"
)

// DefaultSubjectPrefix is the subject prefix completions are published under;
// the task kind is appended, e.g. "taskwatch.completed.spec-generation".
const DefaultSubjectPrefix = "taskwatch.completed"

// ErrClosed is returned when publishing on a closed connection.
var ErrClosed = errors.New("nats connection closed")

// Config holds NATS connection settings.
type Config struct {
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	Token          string        `mapstructure:"token"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "taskwatch",
		SubjectPrefix:  DefaultSubjectPrefix,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Connect opens a NATS connection.
func Connect(cfg Config, logger *slog.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "server", c.ConnectedServerName())
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
}

// Publisher is a notify.Notifier that publishes notifications to NATS.
type Publisher struct {
	conn   Conn
	prefix string
	origin string
	logger *slog.Logger
}

// NewPublisher creates a Publisher. The origin identifies this process so
// listeners can ignore their own messages.
func NewPublisher(conn Conn, prefix, origin string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		origin: origin,
		logger: logger.With("component", "nats_publisher"),
	}
}

// Message is the wire format of a published completion.
type Message struct {
	Origin       string              `json:"origin"`
	Notification notify.Notification `json:"notification"`
}

// Subject returns the subject a notification of the given kind is published on.
func Subject(prefix string, kind string) string {
	return prefix + "." + strings.ReplaceAll(kind, ".", "_")
}

// Notify implements notify.Notifier.
func (p *Publisher) Notify(ctx context.Context, n notify.Notification) error {
	if p.conn.IsClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(Message{Origin: p.origin, Notification: n})
	if err != nil {
		return fmt.Errorf("encode completion message: %w", err)
	}

	subject := Subject(p.prefix, string(n.Kind))
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	p.logger.Debug("completion published", "subject", subject, "task_id", n.TaskID)
	return nil
}

// Listen subscribes to completions published by other processes and calls fn
// for each. Messages from origin itself are skipped. The returned function
// unsubscribes.
func Listen(conn *nats.Conn, prefix, origin string, logger *slog.Logger, fn func(notify.Notification)) (func() error, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	logger = logger.With("component", "nats_listener")

	sub, err := conn.Subscribe(prefix+".>", func(m *nats.Msg) {
		msg, err := Decode(m.Data)
		if err != nil {
			logger.Warn("ignoring malformed completion message", "subject", m.Subject, "error", err)
			return
		}
		if msg.Origin == origin {
			return
		}
		fn(msg.Notification)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}

// Decode parses a published completion message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.Notification.TaskID == "" {
		return Message{}, errors.New("message has no task id")
	}
	return msg, nil
}
