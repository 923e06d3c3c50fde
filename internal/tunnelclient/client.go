// Package tunnelclient drives a gateway session from the SSH client side.
package tunnelclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matst80/httpssh/internal/proto"
)

const (
	DefaultReadTimeout = 25 * time.Second
	// readGrace is added to the long-poll timeout so the server always answers first.
	readGrace             = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
	maxResponseBody       = 8 << 20
)

// StatusError is a non-2xx reply from the gateway.
type StatusError struct {
	Op     string
	Status int
	Code   string
	Owner  string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: gateway returned %d", e.Op, e.Status)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Owner != "" {
		msg += " owned by " + e.Owner
	}
	return msg
}

type Config struct {
	// Endpoint is the gateway base URL, e.g. https://bastion.example:443.
	Endpoint    string
	User        string
	Token       string
	ReadTimeout time.Duration
	// HTTPClient overrides the default client, which honours HTTP(S)_PROXY and NO_PROXY.
	HTTPClient *http.Client
}

type Client struct {
	base        *url.URL
	user, token string
	readTimeout time.Duration
	http        *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("endpoint has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.Proxy = http.ProxyFromEnvironment
		hc = &http.Client{Transport: tr}
	}
	return &Client{base: u, user: cfg.User, token: cfg.Token, readTimeout: cfg.ReadTimeout, http: hc}, nil
}

func (c *Client) ReadTimeout() time.Duration { return c.readTimeout }

// CreateSession opens a session. An empty target lets the gateway use its configured backend.
func (c *Client) CreateSession(ctx context.Context, target string) (string, error) {
	var body any
	if target != "" {
		body = proto.CreateRequest{Target: target}
	}
	var resp proto.CreateResponse
	if err := c.do(ctx, "create", http.MethodPost, "/v1/ssh/session", nil, body, &resp, defaultRequestTimeout); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("create: gateway did not return a session id")
	}
	return resp.ID, nil
}

func (c *Client) Write(ctx context.Context, id string, p []byte) error {
	body := proto.WriteRequest{Data: base64.StdEncoding.EncodeToString(p)}
	return c.do(ctx, "write", http.MethodPost, "/v1/ssh/session/"+url.PathEscape(id)+"/write", nil, body, nil, defaultRequestTimeout)
}

// Read long-polls for backend bytes. It returns no data and closed=false when the poll timed out.
func (c *Client) Read(ctx context.Context, id string) (data []byte, closed bool, err error) {
	q := url.Values{"timeout": {strconv.FormatFloat(c.readTimeout.Seconds(), 'f', -1, 64)}}
	var resp proto.ReadResponse
	if err := c.do(ctx, "read", http.MethodGet, "/v1/ssh/session/"+url.PathEscape(id)+"/read", q, nil, &resp, c.readTimeout+readGrace); err != nil {
		return nil, false, err
	}
	if resp.Data != "" {
		data, err = base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			return nil, false, fmt.Errorf("read: decode payload: %w", err)
		}
	}
	return data, resp.Closed, nil
}

// Close deletes the session. The gateway treats unknown ids as already closed.
func (c *Client) Close(ctx context.Context, id string) error {
	return c.do(ctx, "close", http.MethodDelete, "/v1/ssh/session/"+url.PathEscape(id), nil, nil, nil, defaultRequestTimeout)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" || c.token != "" {
		req.SetBasicAuth(c.user, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Op: op, Status: resp.StatusCode}
		var eb proto.ErrorResponse
		if json.Unmarshal(raw, &eb) == nil {
			se.Code = eb.Error
			se.Owner = eb.Owner
		}
		return se
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
