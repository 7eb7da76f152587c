// Package payments is the outbound client for the external payment
// processor. Calls are synchronous with a bounded timeout and return typed
// failures; retry policy belongs to the caller, never to this client.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// GatewayError is a non-2xx answer from the processor.
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway returned %d: %s", e.StatusCode, e.Message)
}

// Customer is the processor's customer object, reduced to what this core uses.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CheckoutSession is the processor's hosted-checkout session.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client talks to the processor's HTTP API with a bearer secret key.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// CreateCustomer registers the user with the processor and returns the
// external customer id.
func (c *Client) CreateCustomer(ctx context.Context, email, name string) (*Customer, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("name", name)
	var cust Customer
	if err := c.postForm(ctx, "/v1/customers", form, &cust); err != nil {
		return nil, err
	}
	return &cust, nil
}

// CreateCheckoutSession opens a subscription checkout for the given price.
// user_id and package_id ride in the session metadata so the completion
// webhook can resolve them.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID, priceID, userID, packageID, successURL, cancelURL string) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer", customerID)
	form.Set("line_items[0][price]", priceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("metadata[user_id]", userID)
	form.Set("metadata[package_id]", packageID)
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)
	var sess CheckoutSession
	if err := c.postForm(ctx, "/v1/checkout/sessions", form, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return json.Unmarshal(body, out)
}
