package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation targets a modem that is
	// not connected, or when no modem is connected at all.
	ErrNotConnected = errors.New("modem not connected")

	// ErrUnknownModem is returned for identifiers missing from the registry.
	// It matches ErrNotConnected.
	ErrUnknownModem = fmt.Errorf("%w: unknown modem", ErrNotConnected)

	// ErrAlreadyConnected is returned by Connect for a modem that is
	// connecting or connected.
	ErrAlreadyConnected = errors.New("modem already connected")

	// ErrLimitExceeded is returned by Connect when the maximum number of
	// connected modems is reached.
	ErrLimitExceeded = errors.New("too many connected modems")

	// ErrConnectAborted is returned by Connect when the modem was
	// disconnected while the connection was being set up.
	ErrConnectAborted = errors.New("connect aborted by disconnect")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("coordinator closed")
)
