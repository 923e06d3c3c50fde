package session

import "errors"

var (
	// ErrClosed is returned by Send once the session has been closed.
	ErrClosed = errors.New("session: closed")
	// ErrNotFound is returned by Registry.Get for ids that are not registered.
	ErrNotFound = errors.New("session: not found")
	// ErrShuttingDown is returned by Registry.Create after Shutdown.
	ErrShuttingDown = errors.New("session: registry shutting down")
)
