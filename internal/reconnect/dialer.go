package reconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Backend paths the dialer talks to.
const (
	PathStatus   = "/status"
	PathUserInfo = "/userinfo"
	PathLogin    = "/login"
	PathWSAuth   = "/irc/wsauth"
	PathBridge   = "/irc/ws"
)

var (
	// ErrUnreachable means the backend did not answer the status probe.
	ErrUnreachable = errors.New("backend unreachable")
	// ErrUnauthorized means the login session is no longer valid.
	ErrUnauthorized = errors.New("login session not authorized")
	// ErrHandshakeRefused means the backend declined to schedule an upgrade.
	ErrHandshakeRefused = errors.New("bridge handshake refused")
)

// Stream is an open bridge transport. *websocket.Conn satisfies it.
type Stream interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer performs the network steps of a reconnection sequence.
type Dialer interface {
	// Reachable checks that the backend answers at all.
	Reachable(ctx context.Context) error
	// Authorized checks that the login session is still valid.
	Authorized(ctx context.Context) error
	// BeginHandshake asks the backend to admit the next upgrade.
	BeginHandshake(ctx context.Context) error
	// Upgrade opens the bridge socket.
	Upgrade(ctx context.Context) (Stream, error)
}

// HTTPDialer is a Dialer for a backend reachable over HTTP. The session
// cookie set by Login lives in the client's jar and rides along on every
// request including the websocket upgrade.
type HTTPDialer struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPDialer returns a dialer for baseURL. A nil client gets a default
// one; a client without a cookie jar gets a fresh jar.
func NewHTTPDialer(baseURL string, client *http.Client) (*HTTPDialer, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		client.Jar = jar
	}
	return &HTTPDialer{base: base, client: client}, nil
}

// Login authenticates against the backend and stores the session cookie.
func (d *HTTPDialer) Login(ctx context.Context, user, password string) error {
	body, err := json.Marshal(map[string]string{"user": user, "password": password})
	if err != nil {
		return err
	}
	resp, err := d.do(ctx, http.MethodPost, PathLogin, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Reachable implements Dialer.
func (d *HTTPDialer) Reachable(ctx context.Context) error {
	resp, err := d.do(ctx, http.MethodGet, PathStatus, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// Authorized implements Dialer.
func (d *HTTPDialer) Authorized(ctx context.Context) error {
	resp, err := d.do(ctx, http.MethodGet, PathUserInfo, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	}
	return nil
}

// BeginHandshake implements Dialer.
func (d *HTTPDialer) BeginHandshake(ctx context.Context) error {
	resp, err := d.do(ctx, http.MethodPost, PathWSAuth, []byte("{}"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("%w: status %d", ErrHandshakeRefused, resp.StatusCode)
	}

	var reply struct {
		Error bool `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("%w: decode reply: %v", ErrHandshakeRefused, err)
	}
	if reply.Error {
		return ErrHandshakeRefused
	}
	return nil
}

// Upgrade implements Dialer.
func (d *HTTPDialer) Upgrade(ctx context.Context) (Stream, error) {
	wsURL := *d.base
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + PathBridge

	dialer := websocket.Dialer{Jar: d.client.Jar, Proxy: http.ProxyFromEnvironment}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.HandshakeTimeout = time.Until(deadline)
	}
	header := http.Header{}
	header.Set("Origin", d.base.Scheme+"://"+d.base.Host)

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			drain(resp)
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w: upgrade rejected", ErrUnauthorized)
			}
			return nil, fmt.Errorf("upgrade: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return conn, nil
}

func (d *HTTPDialer) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	u := *d.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return d.client.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
