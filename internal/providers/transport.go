package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/dynamiq/connecthub/internal/integrations"
)

// TransportConfig tunes outbound calls to vendor endpoints.
type TransportConfig struct {
	// Timeout bounds a single request including retries.
	Timeout time.Duration
	// Retries is how many times a network error or 5xx is retried.
	Retries int
	// RateLimit caps requests per second across all vendors. Zero disables it.
	RateLimit float64
	// RetryDelay is the first backoff interval.
	RetryDelay time.Duration
}

// DefaultTransportConfig matches what the vendors tolerate in practice.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Timeout:    20 * time.Second,
		Retries:    1,
		RateLimit:  20,
		RetryDelay: 200 * time.Millisecond,
	}
}

var errServerStatus = errors.New("server error")

// NewHTTPClient builds the client used for token endpoints and identity
// lookups. base may be nil.
func NewHTTPClient(cfg TransportConfig, base http.RoundTripper, logger *zap.Logger) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &retryTransport{
			base:    base,
			limiter: limiter,
			tries:   uint(retries) + 1,
			delay:   delay,
			logger:  logger,
		},
	}
}

// retryTransport retries network errors and 5xx answers. 4xx answers are
// returned as-is since they mean the vendor rejected the request.
type retryTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
	tries   uint
	delay   time.Duration
	logger  *zap.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = t.delay
	expBackoff.MaxInterval = 10 * t.delay
	expBackoff.Reset()

	var attempt uint
	operation := func() (*http.Response, error) {
		attempt++
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		r := req
		if attempt > 1 {
			r = req.Clone(ctx)
			if req.Body != nil && req.Body != http.NoBody {
				if req.GetBody == nil {
					return nil, backoff.Permanent(errors.New("request body cannot be replayed"))
				}
				body, err := req.GetBody()
				if err != nil {
					return nil, backoff.Permanent(err)
				}
				r.Body = body
			}
		}

		resp, err := t.base.RoundTrip(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError && attempt < t.tries {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %d", errServerStatus, resp.StatusCode)
		}
		return resp, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(t.tries),
		backoff.WithNotify(func(err error, d time.Duration) {
			t.logger.Debug("retrying vendor request",
				zap.String("host", req.URL.Host), zap.Duration("after", d), zap.Error(err))
		}),
	)
}

// withClient makes the oauth2 package use client for token requests.
func withClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// classify turns a vendor call failure into a ProviderError.
func classify(provider integrations.Provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *integrations.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	out := &integrations.ProviderError{Provider: provider, Op: op, Err: err}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			out.StatusCode = re.Response.StatusCode
		}
		out.Code = re.ErrorCode
		out.Description = re.ErrorDescription
		out.Unreachable = out.StatusCode >= http.StatusInternalServerError
		return out
	}

	out.Unreachable = isNetworkError(err)
	return out
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
