package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/retry"
)

const (
	maxBodyBytes     = 5 << 20
	defaultUserAgent = "gigwatch/1.0 (+https://github.com/gigwatch)"
)

// HTTPGetter performs paced, retried JSON GETs and classifies failures into
// the source error taxonomy.
type HTTPGetter struct {
	client      *http.Client
	limiter     *rate.Limiter
	policy      retry.Policy
	callTimeout time.Duration
	logger      *zap.Logger
}

type HTTPGetterOptions struct {
	CallTimeout time.Duration
	// RequestsPerSecond paces outbound requests; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	Policy            retry.Policy
}

func NewHTTPGetter(client *http.Client, opts HTTPGetterOptions, logger *zap.Logger) *HTTPGetter {
	if client == nil {
		client = &http.Client{}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &HTTPGetter{
		client:      client,
		limiter:     limiter,
		policy:      opts.Policy,
		callTimeout: opts.CallTimeout,
		logger:      logger,
	}
}

// GetJSON fetches url and decodes the body into out.
func (g *HTTPGetter) GetJSON(ctx context.Context, url string, out any) error {
	return g.policy.Do(ctx, func(ctx context.Context) error {
		body, err := g.get(ctx, url)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return errors.SourceMalformed("decoding response", err)
		}
		return nil
	})
}

func (g *HTTPGetter) get(ctx context.Context, url string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, errors.DeadlineExceeded("waiting for request slot", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, retry.CallTimeout(ctx, g.callTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Internal("creating request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.DeadlineExceeded("run deadline reached during request", ctx.Err())
		}
		g.logger.Warn("request failed", zap.String("url", url), zap.Error(err))
		return nil, errors.SourceUnavailable("executing request", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Warn("failed to close response body", zap.Error(cerr))
		}
	}()

	if err := ClassifyStatus(resp.StatusCode); err != nil {
		g.logger.Warn("unexpected status code",
			zap.String("url", url),
			zap.Int("status_code", resp.StatusCode))
		return nil, err
	}

	body, err := readAllLimit(resp.Body, maxBodyBytes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.DeadlineExceeded("run deadline reached reading body", ctx.Err())
		}
		return nil, errors.SourceUnavailable("reading response body", err)
	}
	return body, nil
}

// ClassifyStatus maps an HTTP status to the source error taxonomy: 5xx and
// 429 are transient, 404 is a missing item, other non-2xx are malformed.
func ClassifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return errors.SourceUnavailable(fmt.Sprintf("unexpected status code: %d", code), nil)
	case code == http.StatusNotFound:
		return errors.NotFound(fmt.Sprintf("unexpected status code: %d", code), nil)
	default:
		return errors.SourceMalformed(fmt.Sprintf("unexpected status code: %d", code), nil)
	}
}

func readAllLimit(r io.Reader, max int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: max + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("response larger than %d bytes", max)
	}
	return b, nil
}
