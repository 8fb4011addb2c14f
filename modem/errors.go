package modem

import (
	"errors"
	"fmt"
	"io"

	"i4.energy/across/simhub/at"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	//
	// This can occur if initialization failed or if the Modem was not created
	// via New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrClosed is returned by operations issued after the command channel
	// was closed, and wrapped into the error of a command that was in flight
	// when it closed.
	ErrClosed = errors.New("command channel closed")

	// ErrLoopRunning is returned when Loop or Run is started twice.
	ErrLoopRunning = errors.New("modem loop already running")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")

	// ErrTimeout is returned when no terminal token arrived within the
	// command timeout. The command channel never retries on its own.
	ErrTimeout = errors.New("command timeout")

	// ErrCanceled is returned to a caller whose command was abandoned,
	// either by its own context or because the modem was closed.
	ErrCanceled = errors.New("command canceled")

	// ErrWrite wraps transport write failures.
	ErrWrite = errors.New("write to modem failed")

	// ErrRetriesExhausted wraps the last error of an idempotent query that
	// failed on every attempt.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrIndeterminate is returned when a side-effecting operation lost
	// contact with the modem after the point of no return. The message may
	// or may not have been sent; resending risks a duplicate.
	ErrIndeterminate = errors.New("outcome indeterminate")

	// ErrMessageNotFound is returned when a storage index holds no message.
	ErrMessageNotFound = errors.New("message not found")

	// ErrFieldAbsent marks an identity field the modem answered without a
	// value, typically the subscriber number on SIMs that do not store it.
	ErrFieldAbsent = errors.New("field not available")

	// ErrUSSDTimeout is returned when the network answer to a USSD request
	// did not arrive within the USSD wait.
	ErrUSSDTimeout = errors.New("USSD answer timeout")

	// ErrInvalidArgument is returned for malformed operation input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnexpectedResponse is returned when the modem answered OK but the
	// payload could not be understood.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// errCanceledByClose is what callers see when Close interrupts them.
var errCanceledByClose = fmt.Errorf("%w: %w", ErrCanceled, ErrClosed)

// ErrorKind groups errors by how a caller should react to them.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindTransient errors may go away on their own; idempotent queries
	// are retried internally.
	KindTransient
	// KindRejected errors are the modem or operator refusing the command.
	// They are surfaced with their decoded reason and never retried.
	KindRejected
	// KindIndeterminate errors leave the outcome of a side effect unknown.
	KindIndeterminate
	// KindFatal errors mean the channel is gone or was never usable.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindIndeterminate:
		return "indeterminate"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	var final *at.FinalError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrIndeterminate):
		return KindIndeterminate
	case errors.Is(err, ErrClosed),
		errors.Is(err, ErrAlreadyClosed),
		errors.Is(err, ErrNotInitialized),
		errors.Is(err, ErrNoDialer),
		errors.Is(err, ErrLineTooLong),
		errors.Is(err, io.EOF):
		return KindFatal
	case errors.As(err, &final),
		errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrFieldAbsent),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrSIMPinRequired),
		errors.Is(err, ErrUnexpectedResponse):
		return KindRejected
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrCanceled),
		errors.Is(err, ErrWrite),
		errors.Is(err, ErrUSSDTimeout),
		errors.Is(err, ErrRetriesExhausted):
		return KindTransient
	default:
		return KindFatal
	}
}
