package command

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

// userHeader must match the header the API server trusts.
const userHeader = "X-Beaker-User"

// Client talks to the lab API on behalf of one user.
type Client struct {
	BaseURL string
	User    string
	HTTP    *http.Client
}

func NewClient(baseURL, user string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		User:    user,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader) ([]byte, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if c.User != "" {
		req.Header.Set(userHeader, c.User)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(out))}
	}
	return out, nil
}

// JSON sends payload (if any) as JSON and decodes the answer into into
// (if non-nil).
func (c *Client) JSON(ctx context.Context, method, path string, query url.Values, payload, into any) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	out, err := c.do(ctx, method, path, query, contentType, body)
	if err != nil {
		return err
	}
	if into == nil || len(out) == 0 {
		return nil
	}
	return json.Unmarshal(out, into)
}

// Raw sends body verbatim and returns the raw answer.
func (c *Client) Raw(ctx context.Context, method, path string, query url.Values, contentType string, body []byte) ([]byte, error) {
	return c.do(ctx, method, path, query, contentType, bytes.NewReader(body))
}
