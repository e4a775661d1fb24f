package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPTransport posts the request body to a self-hosted embedding endpoint.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	header     http.Header
}

// NewHTTPTransport creates a transport for url. A nil client uses http.DefaultClient.
func NewHTTPTransport(url string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{url: url, httpClient: client, header: http.Header{}}
}

// SetHeader adds a header (e.g. an API key) to every request.
func (t *HTTPTransport) SetHeader(key, value string) {
	t.header.Set(key, value)
}

func (t *HTTPTransport) Invoke(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &ServiceError{Message: "request failed", Retryable: true, cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServiceError{Message: "failed to read response", Retryable: true, cause: err}
	}

	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &ServiceError{
			Message:    msg,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	return data, nil
}
