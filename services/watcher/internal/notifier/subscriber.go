package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gigwatch/common/telemetry"
)

// QueueSubscriber is the part of *nats.Conn a Subscriber uses.
type QueueSubscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// MessageHandler consumes one decoded notification.
type MessageHandler func(ctx context.Context, msg Message) error

// Subscriber is the consuming side of NATSNotifier: it decodes each
// published batch and hands it to a handler.
type Subscriber struct {
	conn    QueueSubscriber
	subject string
	queue   string
	handle  MessageHandler
	logger  *zap.Logger
	sub     *nats.Subscription
}

func NewSubscriber(conn QueueSubscriber, subject, queue string, handle MessageHandler, logger *zap.Logger) *Subscriber {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Subscriber{
		conn:    conn,
		subject: subject,
		queue:   queue,
		handle:  handle,
		logger:  logger,
	}
}

func (s *Subscriber) Start() error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, s.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("subscribed to matched postings", zap.String("subject", s.subject))
	return nil
}

func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *Subscriber) handleMsg(msg *nats.Msg) {
	ctx, span := tracer.Start(context.Background(), "nats.handleMessage")
	defer span.End()
	span.SetAttributes(telemetry.String("nats.subject", msg.Subject))

	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		span.RecordError(err)
		s.logger.Error("failed to decode notification",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}

	if err := s.handle(ctx, m); err != nil {
		span.RecordError(err)
		s.logger.Error("failed to handle notification",
			zap.String("subject", msg.Subject),
			zap.Int("count", m.Count),
			zap.Error(err))
	}
}
