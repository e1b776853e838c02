// Package handshake authorizes bridge upgrades with a short-lived, one-time
// credential bound to the caller's login session.
//
// A logged-in browser first asks for a handshake (Begin). The coordinator
// remembers the browser's raw session value for a few seconds. The browser
// then opens the websocket; the upgrade request carries the same signed
// session cookie, and Complete accepts it exactly once inside the window.
package handshake

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irc-web-bridge/backend/internal/cookiesig"
	"github.com/irc-web-bridge/backend/internal/metrics"
)

// DefaultTTL is how long an issued handshake stays valid.
const DefaultTTL = 10 * time.Second

var (
	// ErrNoCookie is returned when the upgrade request carries no session cookie.
	ErrNoCookie = errors.New("session cookie not found")

	// ErrNoRecord is returned when no handshake is outstanding.
	ErrNoRecord = errors.New("no handshake outstanding")

	// ErrMismatch is returned when the cookie does not match the outstanding handshake.
	ErrMismatch = errors.New("handshake credential mismatch")

	// ErrExpired is returned when the outstanding handshake is past its expiry.
	ErrExpired = errors.New("handshake expired")

	// ErrEmptyIdentity is returned when Begin is called without a session identity.
	ErrEmptyIdentity = errors.New("session identity is required")
)

// Record is an issued upgrade credential.
type Record struct {
	ID        string
	Secret    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Config holds coordinator settings.
type Config struct {
	// CookieName is the name of the signed login session cookie.
	CookieName string
	// Secret is the key the session cookie is signed with.
	Secret string
	// TTL bounds how long an issued record remains valid.
	TTL time.Duration
	// Now returns the current time. Tests replace it.
	Now      func() time.Time
	Logger   *slog.Logger
	Observer metrics.Observer
}

// DefaultConfig returns a config with the default TTL and clock.
func DefaultConfig(cookieName, secret string) Config {
	return Config{
		CookieName: cookieName,
		Secret:     secret,
		TTL:        DefaultTTL,
		Now:        time.Now,
		Logger:     slog.Default(),
	}
}

// Coordinator holds the single outstanding handshake record for the process.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	observer metrics.Observer

	mu   sync.Mutex
	slot *Record
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   cfg.Logger,
		observer: metrics.OrNoop(cfg.Observer),
	}
}

// CookieName returns the name of the cookie read during upgrade.
func (c *Coordinator) CookieName() string {
	return c.cfg.CookieName
}

// Begin issues a new record for the given raw session identity, replacing
// any record still outstanding. Only one upgrade may be in flight at a time.
func (c *Coordinator) Begin(sessionIdentity string) (Record, error) {
	if sessionIdentity == "" {
		return Record{}, ErrEmptyIdentity
	}

	now := c.cfg.Now()
	rec := Record{
		ID:        uuid.New().String(),
		Secret:    sessionIdentity,
		IssuedAt:  now,
		ExpiresAt: now.Add(c.cfg.TTL),
	}

	c.mu.Lock()
	replaced := c.slot != nil
	c.slot = &rec
	c.mu.Unlock()

	c.observer.HandshakeBegun()
	c.logger.Debug("handshake issued", "handshake_id", rec.ID, "replaced", replaced, "expires_at", rec.ExpiresAt)
	return rec, nil
}

// Complete reports whether the upgrade request carries a valid credential
// for the outstanding record, consuming the record on success.
func (c *Coordinator) Complete(r *http.Request) bool {
	return c.Validate(r) == nil
}

// Validate is Complete with the reason for rejection.
// On failure the outstanding record is left as it was.
func (c *Coordinator) Validate(r *http.Request) error {
	id, err := c.verifyCookie(r)
	if err != nil {
		c.reject(r, err)
		return err
	}

	now := c.cfg.Now()

	c.mu.Lock()
	rec := c.slot
	if rec == nil {
		c.mu.Unlock()
		c.reject(r, ErrNoRecord)
		return ErrNoRecord
	}
	match := subtle.ConstantTimeCompare([]byte(id), []byte(rec.Secret)) == 1
	live := now.Before(rec.ExpiresAt)
	if match && live {
		c.slot = nil
	}
	c.mu.Unlock()

	switch {
	case !match:
		c.reject(r, ErrMismatch)
		return ErrMismatch
	case !live:
		c.reject(r, ErrExpired)
		return ErrExpired
	}

	c.observer.Handshake(metrics.HandshakeOK)
	c.logger.Info("handshake accepted", "handshake_id", rec.ID, "remote_addr", r.RemoteAddr)
	return nil
}

// Pending returns the outstanding record if there is one and it has not expired.
func (c *Coordinator) Pending() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot == nil || !c.cfg.Now().Before(c.slot.ExpiresAt) {
		return Record{}, false
	}
	return *c.slot, true
}

// verifyCookie extracts the session cookie and checks its signature.
func (c *Coordinator) verifyCookie(r *http.Request) (string, error) {
	cookie, err := r.Cookie(c.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return "", ErrNoCookie
	}

	id, err := cookiesig.Unsign(cookiesig.Decode(cookie.Value), c.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("verify session cookie: %w", err)
	}
	return id, nil
}

func (c *Coordinator) reject(r *http.Request, err error) {
	c.observer.Handshake(resultFor(err))
	c.logger.Warn("handshake rejected",
		"error", err,
		"remote_addr", r.RemoteAddr,
		"forwarded_for", r.Header.Get("X-Forwarded-For"),
		"user_agent", r.UserAgent(),
	)
}

func resultFor(err error) metrics.HandshakeResult {
	switch {
	case errors.Is(err, ErrNoCookie):
		return metrics.HandshakeNoCookie
	case errors.Is(err, cookiesig.ErrUnsigned):
		return metrics.HandshakeUnsigned
	case errors.Is(err, ErrNoRecord):
		return metrics.HandshakeNoRecord
	case errors.Is(err, ErrMismatch):
		return metrics.HandshakeMismatch
	case errors.Is(err, ErrExpired):
		return metrics.HandshakeExpired
	default:
		return metrics.HandshakeBadSignature
	}
}
