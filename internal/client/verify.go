// Package client submits reports to a caxe server and reads the streamed
// verification result.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aspect-build/caxe/internal/logx"
	"github.com/aspect-build/caxe/internal/pipeline"
	"github.com/aspect-build/caxe/internal/version"
)

// ErrTimedOut is returned when the server closed the stream without a
// result.
var ErrTimedOut = errors.New("verification timed out before a result was available")

// RejectedError is a synchronous rejection of a submission.
type RejectedError struct {
	Status int
	Msg    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected report (%d): %s", e.Status, e.Msg)
}

// FailedError is a terminal verification failure.
type FailedError struct {
	CorrelationID string
	Msg           string
	Diagnostics   []pipeline.Diagnostic
}

func (e *FailedError) Error() string {
	return e.Msg
}

// Result holds the attestations of a verified report keyed by credential
// SAID.
type Result struct {
	CorrelationID string
	Attestations  map[string]json.RawMessage
}

// Client talks to one caxe server.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for serverURL. Plain HTTP is refused unless
// allowInsecure is set.
func New(serverURL string, allowInsecure bool) (*Client, error) {
	serverURL = normalizeServerURL(serverURL)
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", serverURL)
	}
	if u.Scheme != "https" {
		if !allowInsecure {
			return nil, fmt.Errorf("server URL %q is not HTTPS; use --insecure to allow plaintext HTTP", serverURL)
		}
		fmt.Fprintf(os.Stderr, "caxe: WARNING: communicating over plaintext HTTP (%s)\n", serverURL)
	}
	return &Client{base: serverURL, http: httpClient()}, nil
}

func normalizeServerURL(serverURL string) string {
	return strings.TrimRight(serverURL, "/")
}

// No overall timeout: the server bounds the stream and keeps it alive.
func httpClient() *http.Client {
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 20 * time.Second,
	}}
}

// Verify submits doc and waits for the terminal result.
func (c *Client) Verify(ctx context.Context, doc []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/verify", bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xhtml+xml")
	return c.do(req)
}

// VerifyURL asks the server to fetch and verify the report at reportURL.
func (c *Client) VerifyURL(ctx context.Context, reportURL string) (*Result, error) {
	q := url.Values{"url": {reportURL}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/verify?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Result, error) {
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(body, &e) != nil || e.Msg == "" {
			e.Msg = strings.TrimSpace(string(body))
		}
		return nil, &RejectedError{Status: resp.StatusCode, Msg: e.Msg}
	}

	id := resp.Header.Get("X-Correlation-Id")
	logx.Debugf("verify %s: %d bytes streamed", id, len(body))
	return parseStream(id, body)
}

// parseStream skips keep-alive newlines and decodes the terminal payload.
func parseStream(id string, body []byte) (*Result, error) {
	payload := bytes.TrimSpace(body)
	if len(payload) == 0 {
		return nil, ErrTimedOut
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("decode verify result: %w", err)
	}
	if _, ok := obj["msg"]; ok {
		if _, ok := obj["diagnostics"]; ok {
			fe := &FailedError{CorrelationID: id}
			if err := json.Unmarshal(obj["msg"], &fe.Msg); err != nil {
				return nil, fmt.Errorf("decode failure message: %w", err)
			}
			if err := json.Unmarshal(obj["diagnostics"], &fe.Diagnostics); err != nil {
				return nil, fmt.Errorf("decode diagnostics: %w", err)
			}
			return nil, fe
		}
	}
	return &Result{CorrelationID: id, Attestations: obj}, nil
}
