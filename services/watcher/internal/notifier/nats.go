package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gigwatch/common/telemetry"
	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
	"gigwatch/services/watcher/internal/retry"
)

const DefaultSubject = "jobs.matched"

// Publisher is the part of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

type NATSOptions struct {
	URL         string
	Subject     string
	ConnTimeout time.Duration
	CallTimeout time.Duration
	Policy      retry.Policy
}

// NATSNotifier publishes each batch as one message and flushes so a returned
// nil means the server received it.
type NATSNotifier struct {
	conn        Publisher
	subject     string
	callTimeout time.Duration
	policy      retry.Policy
	logger      *zap.Logger
}

func NewNATSNotifier(opts NATSOptions, logger *zap.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(opts.URL,
		nats.Timeout(opts.ConnTimeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.Internal("connecting to NATS", err)
	}
	return NewNATSNotifierWithConn(conn, opts, logger), nil
}

func NewNATSNotifierWithConn(conn Publisher, opts NATSOptions, logger *zap.Logger) *NATSNotifier {
	subject := opts.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &NATSNotifier{
		conn:        conn,
		subject:     subject,
		callTimeout: callTimeout,
		policy:      opts.Policy,
		logger:      logger.With(zap.String("notifier", "nats")),
	}
}

func (n *NATSNotifier) Notify(ctx context.Context, postings []models.Posting) []Delivery {
	if len(postings) == 0 {
		return nil
	}

	_, span := tracer.Start(ctx, "nats.Notify")
	defer span.End()

	data, err := json.Marshal(NewMessage(postings))
	if err != nil {
		span.RecordError(err)
		return outcomes(postings, errors.Internal("marshaling message", err))
	}

	span.SetAttributes(
		telemetry.String("nats.subject", n.subject),
		telemetry.Int("message.size", len(data)),
	)

	// a retried batch may reach subscribers twice if only the flush failed
	err = n.policy.Do(ctx, func(ctx context.Context) error {
		return n.publish(ctx, data)
	})
	if err != nil {
		span.RecordError(err)
		n.logger.Error("failed to publish matched postings", zap.Error(err))
		return outcomes(postings, err)
	}

	n.logger.Debug("published matched postings",
		zap.Int("count", len(postings)),
		zap.String("subject", n.subject))
	return outcomes(postings, nil)
}

func (n *NATSNotifier) publish(ctx context.Context, data []byte) error {
	if err := n.conn.Publish(n.subject, data); err != nil {
		return errors.DeliveryFailed("publishing to NATS", err)
	}
	if err := n.conn.FlushTimeout(retry.CallTimeout(ctx, n.callTimeout)); err != nil {
		if ctx.Err() != nil {
			return errors.DeadlineExceeded("run deadline reached during delivery", ctx.Err())
		}
		return errors.DeliveryFailed("flushing NATS connection", err)
	}
	return nil
}

func (n *NATSNotifier) Close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}
