package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.asaas.com/v3"

	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 1 << 20
	userAgent        = "navalha-cp"
)

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Errors     []APIErrorDetail
}

type APIErrorDetail struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("gateway error (HTTP %d)", e.StatusCode)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, d := range e.Errors {
		parts = append(parts, d.Code+": "+d.Description)
	}
	return fmt.Sprintf("gateway error (HTTP %d): %s", e.StatusCode, strings.Join(parts, "; "))
}

// RESTClient implements Client over the gateway's JSON API.
type RESTClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRESTClient creates a gateway client. An empty baseURL selects DefaultBaseURL.
func NewRESTClient(baseURL, apiKey string) *RESTClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

func (c *RESTClient) CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error) {
	var out Customer
	if err := c.do(ctx, http.MethodPost, "/customers", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) UpdateCustomer(ctx context.Context, customerID string, in CustomerUpdate) error {
	return c.do(ctx, http.MethodPut, "/customers/"+url.PathEscape(customerID), in, nil)
}

func (c *RESTClient) CreateSubscription(ctx context.Context, in SubscriptionInput) (*Subscription, error) {
	if in.Cycle == "" {
		in.Cycle = CycleMonthly
	}
	var out Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) UpdateSubscription(ctx context.Context, subscriptionID string, in SubscriptionUpdate) error {
	return c.do(ctx, http.MethodPut, "/subscriptions/"+url.PathEscape(subscriptionID), in, nil)
}

func (c *RESTClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(subscriptionID), nil, nil)
}

type paymentList struct {
	Data    []Payment `json:"data"`
	HasMore bool      `json:"hasMore"`
}

func (c *RESTClient) ListSubscriptionPayments(ctx context.Context, subscriptionID string) ([]Payment, error) {
	var out paymentList
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID)+"/payments", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *RESTClient) GetPaymentTransferArtifact(ctx context.Context, paymentID string) (*TransferArtifact, error) {
	var out TransferArtifact
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID)+"/pixQrCode", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal gateway request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("access_token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Errors []APIErrorDetail `json:"errors"`
		}
		if json.Unmarshal(respBody, &envelope) == nil {
			apiErr.Errors = envelope.Errors
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
