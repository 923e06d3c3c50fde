package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matst80/httpssh/internal/proto"
	"github.com/matst80/httpssh/internal/session"
	"github.com/matst80/httpssh/internal/state"
)

const testAuth = "codex:s3cret"

type backendFunc func(net.Conn)

func startBackend(t *testing.T, handle backendFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	return ln.Addr().String()
}

func echo(c net.Conn) {
	defer c.Close()
	_, _ = io.Copy(c, c)
}

type harness struct {
	t    *testing.T
	url  string
	reg  *session.Registry
	auth string
}

func newHarness(t *testing.T, backend backendFunc, opts session.Options, cfg Config) *harness {
	t.Helper()
	opts.Target = startBackend(t, backend)
	reg := session.NewRegistry(opts)
	if cfg.Auth == "" {
		cfg.Auth = testAuth
	}
	ts := httptest.NewServer(New(reg, cfg))
	t.Cleanup(func() {
		ts.Close()
		reg.Shutdown()
	})
	return &harness{t: t, url: ts.URL, reg: reg, auth: cfg.Auth}
}

func (h *harness) do(method, path string, body any) (*http.Response, []byte) {
	h.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.url+path, rd)
	if err != nil {
		h.t.Fatalf("request: %v", err)
	}
	if h.auth != "" {
		user, token, _ := strings.Cut(h.auth, ":")
		req.SetBasicAuth(user, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func (h *harness) create() string {
	h.t.Helper()
	resp, raw := h.do(http.MethodPost, "/v1/ssh/session", nil)
	if resp.StatusCode != http.StatusCreated {
		h.t.Fatalf("create status %d: %s", resp.StatusCode, raw)
	}
	var cr proto.CreateResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		h.t.Fatalf("create body: %v", err)
	}
	return cr.ID
}

func (h *harness) read(id string, timeout string) (int, proto.ReadResponse) {
	h.t.Helper()
	resp, raw := h.do(http.MethodGet, "/v1/ssh/session/"+id+"/read?timeout="+timeout, nil)
	var rr proto.ReadResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, &rr); err != nil {
			h.t.Fatalf("read body: %v", err)
		}
	}
	return resp.StatusCode, rr
}

func errorCode(t *testing.T, raw []byte) proto.ErrorResponse {
	t.Helper()
	var er proto.ErrorResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		t.Fatalf("error body %q: %v", raw, err)
	}
	return er
}

func TestHealthzWithoutAuth(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	h.auth = ""
	resp, raw := h.do(http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"ok"`) {
		t.Fatalf("healthz: %d %s", resp.StatusCode, raw)
	}
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	cases := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing", "", http.StatusUnauthorized, proto.ErrInvalidCredentials},
		{"wrong scheme", "Bearer abc", http.StatusUnauthorized, proto.ErrInvalidCredentials},
		{"bad base64", "Basic !!!", http.StatusUnauthorized, proto.ErrInvalidCredentials},
		{"no colon", "Basic " + base64.StdEncoding.EncodeToString([]byte("codex")), http.StatusUnauthorized, proto.ErrInvalidCredentials},
		{"mismatch", "Basic " + base64.StdEncoding.EncodeToString([]byte("codex:nope")), http.StatusForbidden, proto.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, h.url+"/v1/ssh/session", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status %d want %d", resp.StatusCode, tc.status)
			}
			if got := errorCode(t, raw).Error; got != tc.code {
				t.Fatalf("error %q want %q", got, tc.code)
			}
		})
	}
	if h.reg.Len() != 0 {
		t.Fatalf("rejected requests must not create sessions, have %d", h.reg.Len())
	}
}

func TestCreateTargetOverride(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	resp, raw := h.do(http.MethodPost, "/v1/ssh/session", proto.CreateRequest{Target: "10.0.0.9:22"})
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, raw).Error != proto.ErrTargetNotAllowed {
		t.Fatalf("override: %d %s", resp.StatusCode, raw)
	}
	resp, raw = h.do(http.MethodPost, "/v1/ssh/session", proto.CreateRequest{Target: h.reg.Target()})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("matching target: %d %s", resp.StatusCode, raw)
	}
	var cr proto.CreateResponse
	_ = json.Unmarshal(raw, &cr)
	if cr.TTL != session.DefaultTTL.Seconds() || len(cr.ID) != 32 {
		t.Fatalf("unexpected create response %+v", cr)
	}
}

func TestCreateInvalidJSON(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	resp, raw := h.do(http.MethodPost, "/v1/ssh/session", "{not json")
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, raw).Error != proto.ErrInvalidJSON {
		t.Fatalf("got %d %s", resp.StatusCode, raw)
	}
	if h.reg.Len() != 0 {
		t.Fatal("invalid request created a session")
	}
}

func TestCreateDialFailure(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	_ = ln.Close()
	reg := session.NewRegistry(session.Options{Target: addr, DialTimeout: time.Second})
	ts := httptest.NewServer(New(reg, Config{}))
	t.Cleanup(func() { ts.Close(); reg.Shutdown() })

	resp, err := http.Post(ts.URL+"/v1/ssh/session", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError || errorCode(t, raw).Error != proto.ErrCreateFailed {
		t.Fatalf("got %d %s", resp.StatusCode, raw)
	}
}

func TestCreateRateLimited(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{CreateRate: 0.001, CreateBurst: 1})
	h.create()
	resp, raw := h.do(http.MethodPost, "/v1/ssh/session", nil)
	if resp.StatusCode != http.StatusTooManyRequests || errorCode(t, raw).Error != proto.ErrRateLimited {
		t.Fatalf("got %d %s", resp.StatusCode, raw)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	id := h.create()

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	resp, raw := h.do(http.MethodPost, "/v1/ssh/session/"+id+"/write", proto.WriteRequest{Data: base64.StdEncoding.EncodeToString(payload)})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("write: %d %s", resp.StatusCode, raw)
	}

	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		status, rr := h.read(id, "1")
		if status != http.StatusOK || rr.Closed {
			t.Fatalf("read: %d %+v", status, rr)
		}
		chunk, err := base64.StdEncoding.DecodeString(rr.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch: got %d bytes", len(got))
	}
}

func TestReadPendingWhenIdle(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	id := h.create()
	start := time.Now()
	status, rr := h.read(id, "0.1")
	if status != http.StatusOK || rr.Closed || rr.Data != "" {
		t.Fatalf("got %d %+v", status, rr)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("read did not honor timeout")
	}
}

func TestWriteInvalidBase64ClosesSession(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	id := h.create()
	resp, raw := h.do(http.MethodPost, "/v1/ssh/session/"+id+"/write", proto.WriteRequest{Data: "***not base64***"})
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, raw).Error != proto.ErrInvalidData {
		t.Fatalf("write: %d %s", resp.StatusCode, raw)
	}
	if status, _ := h.read(id, "0"); status != http.StatusNotFound {
		t.Fatalf("read after invalid data: %d", status)
	}
}

func TestWriteMissingDataKeepsSession(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	id := h.create()
	resp, raw := h.do(http.MethodPost, "/v1/ssh/session/"+id+"/write", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, raw).Error != proto.ErrMissingData {
		t.Fatalf("write: %d %s", resp.StatusCode, raw)
	}
	resp, raw = h.do(http.MethodPost, "/v1/ssh/session/"+id+"/write", "[1,2")
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, raw).Error != proto.ErrInvalidJSON {
		t.Fatalf("write: %d %s", resp.StatusCode, raw)
	}
	if status, _ := h.read(id, "0"); status != http.StatusOK {
		t.Fatalf("session should survive, read status %d", status)
	}
}

func TestBackendCloseReportedOnce(t *testing.T) {
	h := newHarness(t, func(c net.Conn) {
		_, _ = c.Write([]byte("SSH-2.0-test\r\n"))
		_ = c.Close()
	}, session.Options{}, Config{})
	id := h.create()

	var got []byte
	closed := false
	for i := 0; i < 20 && !closed; i++ {
		status, rr := h.read(id, "1")
		if status != http.StatusOK {
			t.Fatalf("read status %d", status)
		}
		chunk, _ := base64.StdEncoding.DecodeString(rr.Data)
		got = append(got, chunk...)
		closed = rr.Closed
	}
	if !closed {
		t.Fatal("never observed closed")
	}
	if string(got) != "SSH-2.0-test\r\n" {
		t.Fatalf("got %q", got)
	}
	if status, _ := h.read(id, "0"); status != http.StatusNotFound {
		t.Fatalf("read after close: %d", status)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	id := h.create()
	for i := 0; i < 2; i++ {
		if resp, _ := h.do(http.MethodDelete, "/v1/ssh/session/"+id, nil); resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delete %d: status %d", i, resp.StatusCode)
		}
	}
	if resp, _ := h.do(http.MethodDelete, "/v1/ssh/session/never-existed", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete unknown: %d", resp.StatusCode)
	}
	resp, raw := h.do(http.MethodPost, "/v1/ssh/session/"+id+"/write", proto.WriteRequest{Data: "aGk="})
	if resp.StatusCode != http.StatusNotFound || errorCode(t, raw).Error != proto.ErrUnknownSession {
		t.Fatalf("write after delete: %d %s", resp.StatusCode, raw)
	}
}

func TestUnknownEndpoint(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/ssh/other"},
		{http.MethodPut, "/v1/ssh/session"},
		{http.MethodPost, "/healthz"},
	} {
		resp, raw := h.do(tc.method, tc.path, nil)
		if resp.StatusCode != http.StatusNotFound || errorCode(t, raw).Error != proto.ErrUnknownEndpoint {
			t.Errorf("%s %s: %d %s", tc.method, tc.path, resp.StatusCode, raw)
		}
	}
}

func TestTrailingSlash(t *testing.T) {
	h := newHarness(t, echo, session.Options{}, Config{})
	if resp, raw := h.do(http.MethodPost, "/v1/ssh/session/", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create with trailing slash: %d %s", resp.StatusCode, raw)
	}
}

func TestUnknownSessionOwnerHint(t *testing.T) {
	store := state.NewMemoryStore()
	h := newHarness(t, echo, session.Options{Store: store, InstanceID: "gw-a"}, Config{})
	_ = store.Register(context.Background(), "elsewhere", "gw-b", time.Minute)

	resp, raw := h.do(http.MethodGet, "/v1/ssh/session/elsewhere/read?timeout=0", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if er := errorCode(t, raw); er.Error != proto.ErrUnknownSession || er.Owner != "gw-b" {
		t.Fatalf("got %+v", er)
	}
	resp, raw = h.do(http.MethodGet, "/v1/ssh/session/nobody/read", nil)
	if er := errorCode(t, raw); resp.StatusCode != http.StatusNotFound || er.Owner != "" {
		t.Fatalf("got %d %+v", resp.StatusCode, er)
	}
}

func TestReadTimeoutClamp(t *testing.T) {
	s := New(session.NewRegistry(session.Options{}), Config{DefaultReadTimeout: 25 * time.Second, MaxReadTimeout: 60 * time.Second})
	cases := map[string]time.Duration{
		"":      25 * time.Second,
		"abc":   25 * time.Second,
		"NaN":   25 * time.Second,
		"-3":    0,
		"0":     0,
		"1.5":   1500 * time.Millisecond,
		"600":   60 * time.Second,
		"+Inf":  25 * time.Second,
	}
	for raw, want := range cases {
		if got := s.readTimeout(raw); got != want {
			t.Errorf("readTimeout(%q) = %v want %v", raw, got, want)
		}
	}
}

func TestMaxReadTimeoutRaisedToDefault(t *testing.T) {
	s := New(session.NewRegistry(session.Options{}), Config{DefaultReadTimeout: 20 * time.Second, MaxReadTimeout: 5 * time.Second})
	if s.cfg.MaxReadTimeout != 20*time.Second {
		t.Fatalf("max read timeout %v", s.cfg.MaxReadTimeout)
	}
	if got := s.readTimeout("90"); got != 20*time.Second {
		t.Fatalf("readTimeout(90) = %v", got)
	}
}
