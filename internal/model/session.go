package model

import (
	"time"
)

// LoginSession represents an authenticated browser login.
type LoginSession struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *LoginSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the time left before the session expires.
func (s *LoginSession) Remaining(now time.Time) time.Duration {
	if s.Expired(now) {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

// LoginRequest represents a request to create a login session.
type LoginRequest struct {
	Username   string `json:"user" binding:"required"`
	Password   string `json:"password" binding:"required"`
	RemoteAddr string `json:"-"`
}

// Validate validates the login request.
func (r *LoginRequest) Validate() error {
	if r.Username == "" || r.Password == "" {
		return ErrInvalidCredentials
	}
	return nil
}

// UpstreamState is a snapshot of the IRC session and bridge for diagnostics.
type UpstreamState struct {
	Server           string `json:"server"`
	Nick             string `json:"nick"`
	Connected        bool   `json:"connected"`
	BridgeClients    int    `json:"bridgeClients"`
	HandshakePending bool   `json:"handshakePending"`
}
