package model

import "errors"

var (
	// ErrSessionNotFound is returned when a login session does not exist or has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnauthorized is returned when a request carries no valid login session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidCredentials is returned when a login attempt fails.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrUpstreamNotConnected is returned when a line is sent while the IRC session is down.
	ErrUpstreamNotConnected = errors.New("irc session not connected")

	// ErrInvalidLine is returned when an outgoing IRC line is empty or contains CR, LF or NUL.
	ErrInvalidLine = errors.New("invalid irc line")
)
