package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
	"gigwatch/services/watcher/internal/retry"
)

const (
	SignatureHeader = "X-Gigwatch-Signature"
	userAgent       = "gigwatch/1.0"
)

type WebhookOptions struct {
	URL string
	// SigningSecret, when set, adds an HMAC-SHA256 of the body as
	// "sha256=<hex>" in SignatureHeader.
	SigningSecret string
	// Batch sends one request for all postings; otherwise one per posting.
	Batch       bool
	CallTimeout time.Duration
	Policy      retry.Policy
}

type WebhookNotifier struct {
	client *http.Client
	opts   WebhookOptions
	logger *zap.Logger
}

func NewWebhookNotifier(client *http.Client, opts WebhookOptions, logger *zap.Logger) (*WebhookNotifier, error) {
	if opts.URL == "" {
		return nil, errors.InvalidInput("webhook URL is required", nil)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookNotifier{
		client: client,
		opts:   opts,
		logger: logger.With(zap.String("notifier", "webhook")),
	}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, postings []models.Posting) []Delivery {
	if len(postings) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "webhook.Notify")
	defer span.End()

	if n.opts.Batch {
		err := n.send(ctx, NewMessage(postings))
		if err != nil {
			span.RecordError(err)
			n.logger.Error("batch delivery failed",
				zap.Int("postings", len(postings)),
				zap.Error(err))
		}
		return outcomes(postings, err)
	}

	out := make([]Delivery, 0, len(postings))
	for i, p := range postings {
		if ctx.Err() != nil {
			err := errors.DeadlineExceeded("delivery not attempted before deadline", ctx.Err())
			return append(out, outcomes(postings[i:], err)...)
		}
		err := n.send(ctx, NewMessage([]models.Posting{p}))
		if err != nil {
			n.logger.Warn("delivery failed",
				zap.String("fingerprint", p.Fingerprint()),
				zap.Error(err))
		}
		out = append(out, Delivery{Posting: p, Err: err})
	}
	return out
}

func (n *WebhookNotifier) send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Internal("marshaling webhook payload", err)
	}

	return n.opts.Policy.Do(ctx, func(ctx context.Context) error {
		return n.post(ctx, body)
	})
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, retry.CallTimeout(ctx, n.opts.CallTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, n.opts.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Internal("creating webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if n.opts.SigningSecret != "" {
		req.Header.Set(SignatureHeader, Sign(n.opts.SigningSecret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.DeadlineExceeded("run deadline reached during delivery", ctx.Err())
		}
		return errors.DeliveryFailed("posting to webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return classifyStatus(resp.StatusCode)
}

// classifyStatus treats 429 and 5xx as transient and other non-2xx answers
// as a permanent rejection of the payload.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return errors.DeliveryFailed(fmt.Sprintf("webhook answered %d", code), nil)
	default:
		return errors.DeliveryRejected(fmt.Sprintf("webhook answered %d", code), nil)
	}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (n *WebhookNotifier) Close() error {
	n.client.CloseIdleConnections()
	return nil
}
