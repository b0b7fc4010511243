package llmclient

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"terrarium-annotator/pkg/errs"
	"terrarium-annotator/pkg/logx"
)

// RetryableClient wraps a Client with the error-type-specific backoff policy from pkg/errs.
type RetryableClient struct {
	client Client
	logger *logx.Logger
}

// NewRetryableClient wraps client with retry behavior driven by each error's classified Type.
func NewRetryableClient(client Client) *RetryableClient {
	return &RetryableClient{client: client, logger: logx.NewLogger("llmclient")}
}

// Chat retries Chat calls per the classified error's retry config, with exponential backoff
// and jitter. Stops retrying once the error isn't retryable or MaxRetries is exhausted.
func (r *RetryableClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var lastErr error
	var attempt int

	for {
		if attempt > 0 {
			classified := asClassified(lastErr)
			delay := backoffDelay(attempt, classified.GetRetryConfig())
			select {
			case <-ctx.Done():
				return ChatResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := r.client.Chat(ctx, req)
		if err == nil {
			if attempt > 0 {
				r.logger.Debug("chat succeeded after %d retries", attempt)
			}
			return resp, nil
		}
		lastErr = err

		classified := asClassified(err)
		if !classified.IsRetryable() || attempt >= classified.GetRetryConfig().MaxRetries {
			return ChatResponse{}, fmt.Errorf("chat failed after %d attempts: %w", attempt+1, err)
		}
		r.logger.Debug("chat attempt %d failed, retrying: %v", attempt, err)
		attempt++
	}
}

// Tokenize is passed through without retry: the token counter treats any failure as a signal
// to fall back to the heuristic, so a retry loop here would only delay
// that fallback.
func (r *RetryableClient) Tokenize(ctx context.Context, text string) ([]int, error) {
	return r.client.Tokenize(ctx, text)
}

func asClassified(err error) *errs.Error {
	if err == nil {
		return &errs.Error{Type: errs.TypeUnknown}
	}
	var classified *errs.Error
	if e, ok := err.(*errs.Error); ok {
		classified = e
	} else {
		classified = &errs.Error{Err: err, Type: errs.TypeOf(err)}
	}
	return classified
}

func backoffDelay(attempt int, cfg errs.RetryConfig) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		jitter := time.Duration((rand.Float64()*2 - 1) * 0.1 * float64(delay)) //nolint:gosec // backoff jitter, not security-sensitive
		delay += jitter
		if delay < 0 {
			delay = cfg.InitialDelay
		}
	}
	return delay
}
