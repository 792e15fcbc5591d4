package scheduler

import "errors"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("scheduler closed")

	// ErrUnknownSession is returned for a session ID that is not registered.
	ErrUnknownSession = errors.New("unknown session")

	// ErrDuplicateSession is returned when registering an ID twice.
	ErrDuplicateSession = errors.New("session already registered")

	// ErrInvalidConfig is returned for an unusable session configuration.
	ErrInvalidConfig = errors.New("invalid session config")
)
