package bankfeed

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
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/quangdang/credmarket-backend/pkg/errors"
)

const (
	dateFormat            = "2006-01-02"
	defaultRetryWait      = 5 * time.Second
	responseBodyReadLimit = 1 << 20
)

var errAPIKeyRequired = errors.New("bank feed api key is required")

// Transaction is one inbound transfer reported by the bank feed.
type Transaction struct {
	ReferenceNumber    string          `json:"referenceNumber"`
	AmountIn           decimal.Decimal `json:"amountIn"`
	AmountOut          decimal.Decimal `json:"amountOut"`
	TransactionContent string          `json:"transactionContent"`
	TransactionDate    string          `json:"transactionDate"`
}

type historyResponse struct {
	Status       int           `json:"status"`
	Message      string        `json:"message"`
	Transactions []Transaction `json:"transactions"`
}

// ListParams narrows the feed query to one account and date window.
type ListParams struct {
	AccountNumber string
	FromDate      time.Time
	ToDate        time.Time
	Limit         int
}

// Client talks to the external bank-transaction feed.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient builds the bank feed client for the given endpoint and API key.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	trimmedKey := strings.TrimSpace(apiKey)
	if trimmedKey == "" {
		return nil, errAPIKeyRequired
	}
	trimmedURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedURL == "" {
		return nil, errors.New("bank feed base url is required")
	}

	client := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    trimmedURL,
		apiKey:     trimmedKey,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// ListTransactions fetches inbound transfers for the account inside the date
// window. A rate-limited response is retried once after the interval the feed
// specifies; a second rejection surfaces as a rate-limit error so the caller's
// next cycle retries from scratch.
func (c *Client) ListTransactions(ctx context.Context, params ListParams) ([]Transaction, error) {
	if strings.TrimSpace(params.AccountNumber) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account number is required")
	}

	transactions, retryAfter, err := c.fetch(ctx, params)
	if err == nil {
		return transactions, nil
	}
	if retryAfter <= 0 {
		return nil, err
	}

	if sleepErr := c.sleep(ctx, retryAfter); sleepErr != nil {
		return nil, sleepErr
	}
	transactions, _, err = c.fetch(ctx, params)
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (c *Client) fetch(ctx context.Context, params ListParams) ([]Transaction, time.Duration, error) {
	endpoint := fmt.Sprintf("%s/transactions", c.baseURL)
	query := url.Values{}
	query.Set("accountNumber", params.AccountNumber)
	query.Set("fromDate", params.FromDate.Format(dateFormat))
	query.Set("toDate", params.ToDate.Format(dateFormat))
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building bank feed request: %w", err)
	}
	req.Header.Set("Authorization", "Apikey "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "bank feed unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, retryAfterInterval(resp), pkgerrors.New(pkgerrors.CodeRateLimit, "bank feed rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, pkgerrors.New(pkgerrors.CodeDependency,
			fmt.Sprintf("bank feed returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return nil, 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reading bank feed response")
	}

	var history historyResponse
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decoding bank feed response")
	}
	if history.Status != http.StatusOK {
		return nil, 0, pkgerrors.New(pkgerrors.CodeDependency,
			fmt.Sprintf("bank feed rejected query: %s", history.Message))
	}

	return history.Transactions, 0, nil
}

func retryAfterInterval(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return defaultRetryWait
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return defaultRetryWait
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
