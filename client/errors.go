package client

import "errors"

var (
	// ErrInvalidURL means the gateway URL is not a ws:// or wss:// URL.
	ErrInvalidURL = errors.New("invalid gateway url")

	// ErrConnectionTimeout means no handshake completed within the
	// connect timeout.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrNotConnected is returned by operations issued while the
	// connection is down, and delivered to every request still pending
	// when the connection drops.
	ErrNotConnected = errors.New("not connected")

	// ErrRequestTimeout means the server did not answer a request within
	// the request timeout.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrMaxReconnectAttemptsReached is surfaced once automatic
	// reconnection gives up; a manual Connect is required afterwards.
	ErrMaxReconnectAttemptsReached = errors.New("max reconnect attempts reached")
)

// ServerError carries an envelope error field verbatim.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }
