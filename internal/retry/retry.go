package retry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Policy describes a bounded exponential backoff: up to MaxAttempts tries,
// delays doubling from BaseDelay and capped at MaxDelay. The same policy
// drives both HTTP retries (via NewHTTPClient) and the supervisor's restart
// delays (via Delay), so every backoff in the agent follows one curve.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used for enrollment and release downloads unless a call
// site overrides it.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff delay preceding the given retry attempt
// (attempt 0 is the first retry). The delay doubles per attempt and never
// exceeds MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// NewHTTPClient builds an *http.Client that retries transport errors and
// 5xx responses according to the policy. Responses with 4xx status are
// returned immediately without retry: a rejected token or a missing release
// will not become valid by asking again.
//
// caPEM, when non-nil, replaces the system root pool for TLS verification.
func (p Policy) NewHTTPClient(caPEM []byte) (*http.Client, error) {
	rc := retryablehttp.NewClient()
	rc.RetryMax = p.MaxAttempts - 1
	rc.RetryWaitMin = p.BaseDelay
	rc.RetryWaitMax = p.MaxDelay
	rc.Logger = nil // suppress default logging
	rc.CheckRetry = checkRetry

	if caPEM != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in CA bundle")
		}
		rc.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}

	return rc.StandardClient(), nil
}

// checkRetry retries connection failures and server-side errors only.
// Client errors (4xx) are terminal.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}
