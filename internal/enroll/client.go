package enroll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hyprwatch/shadow-agent/internal/retry"
)

// enrollPath is the control-plane endpoint that exchanges an organization
// token for an enrollment secret.
const enrollPath = "/api/shadow/enroll"

// ErrTokenRejected means the control plane refused the organization token.
// This is a configuration problem, not a transient one; the client never
// retries it.
var ErrTokenRejected = errors.New("organization token rejected by server")

// Result is the outcome of a successful enrollment. The secret is short-lived
// and must never be logged; it is fetched fresh on every agent run.
type Result struct {
	HostID string
	Secret string
}

type enrollRequest struct {
	HostID   string `json:"host_id"`
	OrgToken string `json:"org_token"`
}

type enrollResponse struct {
	EnrollSecret string `json:"enroll_secret"`
}

// Client exchanges an organization token for an enrollment secret.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates an enrollment client for the given control-plane base URL
// (e.g. "https://hyprwatch.cloud"). Transport failures and 5xx responses are
// retried per policy; caPEM optionally pins the TLS root pool.
func NewClient(baseURL string, caPEM []byte, policy retry.Policy, logger *slog.Logger) (*Client, error) {
	httpClient, err := policy.NewHTTPClient(caPEM)
	if err != nil {
		return nil, fmt.Errorf("enroll client: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// Enroll performs the token exchange. The call is idempotent: repeating it
// with the same token yields an equivalent secret, so a retried request is
// always safe.
func (c *Client) Enroll(ctx context.Context, hostID, orgToken string) (*Result, error) {
	body, err := json.Marshal(enrollRequest{HostID: hostID, OrgToken: orgToken})
	if err != nil {
		return nil, fmt.Errorf("marshal enroll request: %w", err)
	}

	url := c.baseURL + enrollPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create enroll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("enrolling with server", "url", url, "host_id", hostID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enroll request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read enroll response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.logger.Error("enrollment rejected",
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return nil, fmt.Errorf("%w (status %d)", ErrTokenRejected, resp.StatusCode)
	default:
		return nil, fmt.Errorf("enroll returned %d: %s", resp.StatusCode, string(respBody))
	}

	var er enrollResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("parse enroll response: %w", err)
	}
	if er.EnrollSecret == "" {
		return nil, fmt.Errorf("enroll response carried no secret")
	}

	c.logger.Info("enrolled successfully", "host_id", hostID)
	return &Result{HostID: hostID, Secret: er.EnrollSecret}, nil
}
