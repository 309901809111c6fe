package temserver

import "errors"

var (
	// ErrServerConfigNil indicates a nil *ServerConfig was passed to an option or constructor.
	ErrServerConfigNil = errors.New("server config is nil")

	// ErrNotListening is returned by Serve when Listen has not succeeded.
	ErrNotListening = errors.New("server is not listening")

	// ErrServerClosed is returned by Listen and Serve after Close.
	ErrServerClosed = errors.New("server closed")
)
