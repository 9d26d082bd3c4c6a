package rpc

import (
	"errors"
	"fmt"
	"strings"

	"torrentd/internal/domain"
)

var (
	ErrNotAuthorized      = errors.New("not authorized")
	ErrBadLogin           = errors.New("bad login")
	ErrIncompatibleClient = errors.New("incompatible client")
	ErrUnknownMethod      = errors.New("unknown method")
	ErrInvalidArgument    = errors.New("invalid argument")

	// ErrDisconnected fails calls still waiting when the connection ends.
	ErrDisconnected = errors.New("rpc: disconnected")
	ErrServerClosed = errors.New("rpc: server closed")
)

// WrappedException is the wire type of any error without a dedicated name.
const WrappedException = "WrappedException"

// errorTypes names the errors that cross the wire with their identity
// intact. The first matching entry wins when encoding.
var errorTypes = []struct {
	name string
	err  error
}{
	{"NotAuthorizedError", ErrNotAuthorized},
	{"BadLoginError", ErrBadLogin},
	{"IncompatibleClient", ErrIncompatibleClient},
	{"UnknownMethodError", ErrUnknownMethod},
	{"InvalidArgumentError", ErrInvalidArgument},
	{"InvalidTorrentError", domain.ErrNotFound},
	{"AddTorrentError", domain.ErrInvalidSource},
	{"TorrentExistsError", domain.ErrAlreadyExists},
}

// RemoteError is an error returned by the other end of the connection.
type RemoteError struct {
	Type      string
	Args      []any
	Kwargs    map[string]any
	Traceback string
}

func (e *RemoteError) Error() string {
	if len(e.Args) == 0 {
		return "rpc: remote " + e.Type
	}
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = fmt.Sprint(a)
	}
	return "rpc: remote " + e.Type + ": " + strings.Join(parts, ", ")
}

// Is matches the sentinel the error type was encoded from, so callers can
// write errors.Is(err, domain.ErrNotFound) against a remote failure.
func (e *RemoteError) Is(target error) bool {
	for _, t := range errorTypes {
		if t.name == e.Type {
			return t.err == target
		}
	}
	return false
}

// toRemote converts a handler error into its wire form.
func toRemote(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	for _, t := range errorTypes {
		if errors.Is(err, t.err) {
			return &RemoteError{Type: t.name, Args: []any{err.Error()}}
		}
	}
	return &RemoteError{Type: WrappedException, Args: []any{err.Error()}}
}
