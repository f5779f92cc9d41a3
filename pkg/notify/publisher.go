// Package notify announces restart outcomes over NATS.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when no subject is configured
const DefaultSubject = "vmwatch.restarts"

// ErrNotConnected is returned when publishing on a closed connection
var ErrNotConnected = errors.New("nats not connected")

// RestartEvent is the message published after every restart operation
type RestartEvent struct {
	*models.RestartRecord
	Host       string  `json:"host,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// Publisher sends restart records to a NATS subject
type Publisher struct {
	nc      *nats.Conn
	subject string
	host    string
	logger  *logging.Logger
}

// NewPublisher connects to url. The connection reconnects forever in the
// background; publishes while disconnected are buffered by the client.
// extra options (e.g. nats.Secure) are applied after the defaults.
func NewPublisher(url, subject, host string, logger *logging.Logger, extra ...nats.Option) (*Publisher, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if subject == "" {
		subject = DefaultSubject
	}

	opts := []nats.Option{
		nats.Name("vmwatch"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", map[string]interface{}{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", map[string]interface{}{"url": nc.ConnectedUrl()})
		}),
	}
	opts = append(opts, extra...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("Publishing restart events", map[string]interface{}{"url": nc.ConnectedUrl(), "subject": subject})
	return &Publisher{nc: nc, subject: subject, host: host, logger: logger}, nil
}

// Subject returns the subject records are published on
func (p *Publisher) Subject() string {
	return p.subject
}

// PublishRestart publishes rec as JSON
func (p *Publisher) PublishRestart(ctx context.Context, rec *models.RestartRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}

	msg, err := p.message(rec)
	if err != nil {
		return err
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish restart %s: %w", rec.OperationID, err)
	}
	return nil
}

func (p *Publisher) message(rec *models.RestartRecord) (*nats.Msg, error) {
	if rec == nil {
		return nil, errors.New("nil restart record")
	}
	data, err := json.Marshal(RestartEvent{
		RestartRecord: rec,
		Host:          p.host,
		DurationMS:    float64(rec.Duration()) / float64(time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode restart %s: %w", rec.OperationID, err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("Operation-Id", rec.OperationID)
	msg.Header.Set("Restart-State", string(rec.State))
	return msg, nil
}

// Close flushes pending messages and closes the connection
func (p *Publisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}
