package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"factum/pkg/fact"
	"factum/pkg/httpx"
)

// Forbidden mirrors a 403 response to POST /facts: the fact was rejected
// by the remote's authorization rules. Never retried.
type Forbidden struct{}

func (e *Forbidden) Error() string { return "wire: remote rejected save (forbidden)" }

// ReauthFailed reports that credential refresh itself failed after a
// 401/407/419 response.
type ReauthFailed struct{ Cause error }

func (e *ReauthFailed) Error() string { return fmt.Sprintf("wire: reauthentication failed: %v", e.Cause) }

// TransportFatal mirrors any other 4xx response. Surfaced to the caller,
// never retried by the fork's offline queue.
type TransportFatal struct{ Status int }

func (e *TransportFatal) Error() string {
	return fmt.Sprintf("wire: remote returned fatal status %d", e.Status)
}

// CredentialProvider is the hook a Client asks for a bearer token and,
// on demand, a refreshed one, the same role an http_authentication_provider
// configuration entry plays for an outbound connection.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StaticCredentials is a CredentialProvider for a fixed token that never
// refreshes, useful for tests and for deployments with a long-lived
// service token.
type StaticCredentials struct{ Token_ string }

func (s StaticCredentials) Token(ctx context.Context) (string, error) { return s.Token_, nil }
func (s StaticCredentials) Refresh(ctx context.Context) error         { return nil }

// Client speaks the wire protocol a Server exposes: outbound save,
// reference-closure load, and feed streaming, retrying once after
// reauthentication on 401/407/419.
type Client struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials CredentialProvider
	Retries     int
	RetryDelay  time.Duration
}

// NewClient constructs a Client with the pack's usual retry defaults.
func NewClient(baseURL string, creds CredentialProvider) *Client {
	return &Client{
		BaseURL:     baseURL,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Credentials: creds,
		Retries:     2,
		RetryDelay:  500 * time.Millisecond,
	}
}

func (c *Client) authHeader(ctx context.Context) (map[string]string, error) {
	if c.Credentials == nil {
		return map[string]string{"Accept": "application/json"}, nil
	}
	token, err := c.Credentials.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Accept": "application/json", "Authorization": "Bearer " + token}, nil
}

// Save posts a batch of envelopes to POST /facts, retrying once after a
// credential refresh on 401/407/419.
func (c *Client) Save(ctx context.Context, envelopes []fact.Envelope) ([]fact.Envelope, error) {
	payload, err := json.Marshal(envelopes)
	if err != nil {
		return nil, err
	}
	return c.saveOnce(ctx, payload, false)
}

func (c *Client) saveOnce(ctx context.Context, payload []byte, reauthenticated bool) ([]fact.Envelope, error) {
	headers, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}
	status, body, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodPost, c.BaseURL+"/facts", payload, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusCreated:
		var written []fact.Envelope
		if len(body) > 0 {
			if err := json.Unmarshal(body, &written); err != nil {
				return nil, err
			}
		}
		return written, nil
	case status >= 200 && status < 300:
		return nil, nil
	case status == http.StatusForbidden:
		return nil, &Forbidden{}
	case status == http.StatusUnauthorized, status == 407, status == 419:
		if reauthenticated || c.Credentials == nil {
			return nil, &TransportFatal{Status: status}
		}
		if err := c.Credentials.Refresh(ctx); err != nil {
			return nil, &ReauthFailed{Cause: err}
		}
		return c.saveOnce(ctx, payload, true)
	default:
		return nil, &TransportFatal{Status: status}
	}
}

// Load posts a reference set to POST /load and returns their ancestor
// closure.
func (c *Client) Load(ctx context.Context, refs []fact.Reference) ([]fact.Envelope, error) {
	payload, err := json.Marshal(LoadRequest{References: refs})
	if err != nil {
		return nil, err
	}
	headers, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}
	status, body, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodPost, c.BaseURL+"/load", payload, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &TransportFatal{Status: status}
	}
	var resp LoadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Envelopes, nil
}

// FeedStream is an open GET /feeds/{name} connection, decoding one
// FeedLine at a time.
type FeedStream struct {
	resp *http.Response
	dec  *json.Decoder
}

func (f *FeedStream) Next() (FeedLine, error) {
	var line FeedLine
	err := f.dec.Decode(&line)
	return line, err
}

func (f *FeedStream) Close() error { return f.resp.Body.Close() }

// OpenFeed opens a streaming GET /feeds/{name} connection starting from
// the given references and bookmark; pkg/subscriber's NDJSON transport
// streams through it.
func (c *Client) OpenFeed(ctx context.Context, name string, start []fact.Reference, bookmark string) (*FeedStream, error) {
	q := url.Values{}
	if len(start) > 0 {
		encoded, err := json.Marshal(start)
		if err != nil {
			return nil, err
		}
		q.Set("start", string(encoded))
	}
	if bookmark != "" {
		q.Set("bookmark", bookmark)
	}
	reqURL := c.BaseURL + "/feeds/" + url.PathEscape(name)
	if enc := q.Encode(); enc != "" {
		reqURL += "?" + enc
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", FeedStreamMediaType)
	headers, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &TransportFatal{Status: resp.StatusCode}
	}
	return &FeedStream{resp: resp, dec: json.NewDecoder(resp.Body)}, nil
}
