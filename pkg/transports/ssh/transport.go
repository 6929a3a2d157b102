// Package ssh connects to remote site hosts. It runs shell commands over
// exec sessions and exposes an SFTP client for file operations.
package ssh

import "time"

// ConnectionInfo describes an established connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "sftp")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary lets the engine's error classifier retry connection-level failures.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
