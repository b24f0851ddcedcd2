// Package paypal implements the transaction source against the PayPal
// reporting API. It owns the OAuth2 client-credentials token lifecycle;
// callers only ever see fresh credentials.
package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vouchd.org/internal/obs"
	"vouchd.org/internal/purchase"
)

const (
	// DefaultEndpoint is the live PayPal API host.
	DefaultEndpoint = "https://api-m.paypal.com"

	// MaxWindow is the widest date range the reporting API accepts.
	MaxWindow = 31 * 24 * time.Hour

	tokenPath        = "/v1/oauth2/token"
	transactionsPath = "/v1/reporting/transactions"

	// refreshLead controls how long before expiry a token is renewed.
	refreshLead = 60 * time.Second

	pageSize = 500
)

var (
	// ErrAuthExpired indicates the bearer credential lapsed. The client
	// recovers internally with one refresh-and-retry; callers see it only
	// wrapped in ErrRemoteUnavailable when the retry also failed.
	ErrAuthExpired = errors.New("paypal: access token expired")

	// ErrRemoteUnavailable covers transport failures and 5xx responses.
	ErrRemoteUnavailable = errors.New("paypal: reporting api unavailable")

	// ErrWindowTooWide is returned when end-start exceeds MaxWindow.
	ErrWindowTooWide = fmt.Errorf("paypal: date range exceeds %s", MaxWindow)
)

// Client talks to the reporting API. It is safe for concurrent use.
type Client struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpc        *http.Client
	limiter      *rate.Limiter

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

var _ purchase.Source = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithEndpoint overrides the API host (sandbox, tests).
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// WithRateLimit paces outbound reporting calls. Zero disables pacing.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// New builds a Client for the given API credentials.
func New(clientID, clientSecret string, opts ...Option) *Client {
	c := &Client{
		endpoint:     DefaultEndpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpc:        &http.Client{Timeout: 30 * time.Second},
		limiter:      rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartRefresher keeps a valid token available in the background,
// renewing it refreshLead before expiry, until ctx is cancelled. Fetches
// still check the token synchronously, so running the refresher is an
// optimization, not a requirement.
func (c *Client) StartRefresher(ctx context.Context) {
	go func() {
		for {
			wait := 5 * time.Second
			c.mu.Lock()
			if c.token != "" {
				wait = time.Until(c.expiresAt.Add(-refreshLead))
			}
			c.mu.Unlock()
			if wait < time.Second {
				wait = time.Second
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			if err := c.refreshToken(ctx); err != nil {
				obs.LogRequest(map[string]any{
					"ts":    time.Now().UTC().Format(time.RFC3339Nano),
					"level": "warn",
					"msg":   "paypal token refresh failed",
					"error": err.Error(),
				})
				// retry on the next loop iteration after the short wait
				c.mu.Lock()
				c.token = ""
				c.mu.Unlock()
			}
		}
	}()
}

// Transactions fetches all settled transactions in [start, end), walking
// the reporting API's pages. A lapsed credential is refreshed and the
// page retried once before the failure escalates.
func (c *Client) Transactions(ctx context.Context, start, end time.Time) ([]purchase.Transaction, error) {
	if end.Sub(start) > MaxWindow {
		return nil, ErrWindowTooWide
	}

	var out []purchase.Transaction
	page := 1
	for {
		resp, err := c.fetchPage(ctx, start, end, page)
		if errors.Is(err, ErrAuthExpired) {
			obs.ObserveProcessorRequest("auth_expired")
			if rerr := c.refreshToken(ctx); rerr != nil {
				return nil, fmt.Errorf("%w: token refresh after expiry: %v", ErrRemoteUnavailable, rerr)
			}
			resp, err = c.fetchPage(ctx, start, end, page)
			if errors.Is(err, ErrAuthExpired) {
				err = fmt.Errorf("%w: credential rejected after refresh", ErrRemoteUnavailable)
			}
		}
		if err != nil {
			obs.ObserveProcessorRequest("unavailable")
			return nil, err
		}
		obs.ObserveProcessorRequest("ok")

		for _, detail := range resp.TransactionDetails {
			out = append(out, detail.asTransaction())
		}
		if resp.TotalPages <= page {
			return out, nil
		}
		page++
	}
}

func (c *Client) fetchPage(ctx context.Context, start, end time.Time, page int) (*transactionsResponse, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	q := url.Values{}
	q.Set("start_date", formatDate(start))
	q.Set("end_date", formatDate(end))
	q.Set("transaction_status", "S")
	q.Set("fields", "cart_info,payer_info")
	q.Set("page_size", strconv.Itoa(pageSize))
	q.Set("page", strconv.Itoa(page))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+transactionsPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuthExpired
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("paypal: unexpected status %d: %s", resp.StatusCode, body)
	}

	var parsed transactionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("paypal: decode transactions: %w", err)
	}
	return &parsed, nil
}

// bearer returns a valid token, renewing synchronously when the cached
// one is absent or inside the refresh lead.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	fresh := token != "" && time.Until(c.expiresAt) > refreshLead
	c.mu.Unlock()
	if fresh {
		return token, nil
	}
	if err := c.refreshToken(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *Client) refreshToken(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: token request: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: token status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("paypal: decode token: %w", err)
	}
	if body.AccessToken == "" {
		return errors.New("paypal: token response missing access_token")
	}

	c.mu.Lock()
	c.token = body.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
