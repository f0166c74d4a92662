package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultMaxTries      = 5
	defaultRetryInterval = 500 * time.Millisecond
	maxErrorBody         = 4096
)

// StatusError is returned for non-2xx registry responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Temporary reports whether retrying may help.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the tender registry API.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	maxTries      uint
	retryInterval time.Duration
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithRetry bounds report delivery to maxTries attempts, backing off
// exponentially from interval.
func WithRetry(maxTries uint, interval time.Duration) ClientOption {
	return func(c *Client) {
		if maxTries > 0 {
			c.maxTries = maxTries
		}
		if interval > 0 {
			c.retryInterval = interval
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: defaultTimeout},
		maxTries:      defaultMaxTries,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuctionURL returns the auction resource of a tender.
func (c *Client) AuctionURL(tenderID string) string {
	return fmt.Sprintf("%s/tenders/%s/auction", c.baseURL, tenderID)
}

// FetchAuction loads the current auction data of a tender. It is not retried.
func (c *Client) FetchAuction(ctx context.Context, tenderID string) (*TenderAuction, error) {
	url := c.AuctionURL(tenderID)
	log.Printf("INFO: Get data from %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", url, err)
	}
	defer resp.Body.Close()

	log.Printf("INFO: Response from %s: %d", url, resp.StatusCode)
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var auction TenderAuction
	if err := json.NewDecoder(resp.Body).Decode(&auction); err != nil {
		return nil, fmt.Errorf("failed to decode auction data: %w", err)
	}
	return &auction, nil
}

// ReportResults patches the settled auction back to the registry, retrying
// network failures and 5xx responses with exponential backoff.
func (c *Client) ReportResults(ctx context.Context, tenderID string, auction *TenderAuction) error {
	url := c.AuctionURL(tenderID)

	body, err := json.Marshal(auction)
	if err != nil {
		return fmt.Errorf("failed to marshal auction data: %w", err)
	}

	operation := func() (struct{}, error) {
		err := c.patch(ctx, url, body)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("WARNING: Error while submitting auction data, retrying in %s: %v", next, err)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to submit auction data: %w", err)
	}
	return nil
}

func (c *Client) patch(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to patch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
