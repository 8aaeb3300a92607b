package transport

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

// ResourceBody is the JSON body exchanged with a resource endpoint.
type ResourceBody struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

// ErrorBody is the JSON body of a failed request.
type ErrorBody struct {
	Error string `json:"error"`
}

// HTTPClient writes change envelopes with PATCH and an If-Match
// precondition, and reloads resources with GET.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient creates a client for resources under base, e.g.
// "http://localhost:8089/resources". A nil client uses a 10s timeout client.
func NewHTTPClient(base string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: strings.TrimRight(base, "/"), client: client}
}

func (c *HTTPClient) resourceURL(id string) string {
	return c.base + "/" + url.PathEscape(id)
}

// Save implements Transport.
func (c *HTTPClient) Save(ctx context.Context, req Request) (Response, error) {
	if req.Envelope == nil {
		return Response{}, &Error{Kind: KindValidation, Message: "request has no change envelope"}
	}
	body, err := json.Marshal(req.Envelope)
	if err != nil {
		return Response{}, &Error{Kind: KindValidation, Message: "encode envelope", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.resourceURL(req.ResourceID), bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("save %s: %w", req.ResourceID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.VersionToken != "" {
		httpReq.Header.Set("If-Match", req.VersionToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, &Error{Kind: KindTransient, Message: "save request failed", Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return Response{}, err
	}

	var out ResourceBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return Response{}, &Error{Kind: KindTransient, Status: resp.StatusCode, Message: "decode save response", Err: err}
	}
	return Response{VersionToken: resp.Header.Get("ETag"), Fields: out.Fields}, nil
}

// Load implements Reloader.
func (c *HTTPClient) Load(ctx context.Context, resourceID string) (map[string]any, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resourceURL(resourceID), nil)
	if err != nil {
		return nil, "", fmt.Errorf("load %s: %w", resourceID, err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, "", &Error{Kind: KindTransient, Message: "load request failed", Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, "", err
	}

	var out ResourceBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", &Error{Kind: KindTransient, Status: resp.StatusCode, Message: "decode load response", Err: err}
	}
	return out.Fields, resp.Header.Get("ETag"), nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var eb ErrorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &eb); err != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(data))
	}
	if eb.Error == "" {
		eb.Error = http.StatusText(resp.StatusCode)
	}
	return FromStatus(resp.StatusCode, eb.Error)
}
