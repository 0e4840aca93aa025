// Package notify publishes integrity reports to NATS for alerting.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dgnsrekt/narrator-go/internal/integrity"
	"github.com/dgnsrekt/narrator-go/internal/logging"
)

// DefaultSubject is the subject integrity reports are published on.
const DefaultSubject = "narration.integrity"

// Message is the published payload.
type Message struct {
	RenderID string            `json:"render_id"`
	AudioURL string            `json:"audio_url"`
	Report   *integrity.Report `json:"report"`
}

// Notifier wraps a NATS connection. A nil *Notifier is valid and drops
// every message.
type Notifier struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// Connect dials url. An empty url returns a nil notifier and no error.
func Connect(url, subject string, log *slog.Logger) (*Notifier, error) {
	log = logging.OrDiscard(log)
	if url == "" {
		log.Info("integrity notifications disabled")
		return nil, nil
	}
	if subject == "" {
		subject = DefaultSubject
	}

	conn, err := nats.Connect(url,
		nats.Name("narrator"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", "url", url, "subject", subject)
	return &Notifier{conn: conn, subject: subject, log: log}, nil
}

// Publish sends a report and flushes it to the server.
func (n *Notifier) Publish(ctx context.Context, msg Message) error {
	if n == nil {
		return nil
	}
	if msg.Report == nil {
		return errors.New("integrity report is required")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode integrity message: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish integrity message: %w", err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush integrity message: %w", err)
	}

	n.log.Debug("published integrity report", "render_id", msg.RenderID, "subject", n.subject, "valid", msg.Report.Valid)
	return nil
}

// Healthy reports whether the connection is up.
func (n *Notifier) Healthy() bool {
	return n != nil && n.conn != nil && n.conn.Status() == nats.CONNECTED
}

// Subject returns the subject reports are published on.
func (n *Notifier) Subject() string {
	if n == nil {
		return ""
	}
	return n.subject
}

// Close drains and closes the connection.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.log.Info("closing NATS connection")
	n.conn.Drain()
	n.conn.Close()
}
