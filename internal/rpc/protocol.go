// Package rpc carries requests, responses and events between the daemon and
// its clients over wire frames.
//
// A client sends a frame holding a list of requests, each encoded as
// [id, method, args, kwargs]. The daemon answers every request with one
// frame: [1, id, result] on success or
// [2, id, errorType, args, kwargs, traceback] on failure. Events pushed by
// the daemon travel as [3, name, args].
package rpc

import (
	"errors"
	"fmt"

	"torrentd/internal/codec"
)

// Message kinds, the first element of every daemon-to-client message.
const (
	KindResponse = 1
	KindError    = 2
	KindEvent    = 3
)

// AuthLevel orders what a session may call.
type AuthLevel int

const (
	AuthNone     AuthLevel = 0
	AuthReadOnly AuthLevel = 1
	AuthNormal   AuthLevel = 5
	AuthAdmin    AuthLevel = 10

	AuthDefault = AuthNormal
)

var errMalformed = errors.New("rpc: malformed message")

type request struct {
	ID     int64
	Method string
	Args   []any
	Kwargs map[string]any
}

func (r request) encode() []any {
	args := r.Args
	if args == nil {
		args = []any{}
	}
	kwargs := r.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return []any{r.ID, r.Method, args, kwargs}
}

// decodeRequests parses one client frame into its requests. A request that
// cannot be parsed is reported through bad with whatever id could be read.
func decodeRequests(raw codec.RawMessage) (reqs []request, bad []error, err error) {
	var items []codec.RawMessage
	if err := codec.Unmarshal(raw, &items); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	for _, item := range items {
		req, err := decodeRequest(item)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, bad, nil
}

func decodeRequest(raw codec.RawMessage) (request, error) {
	var parts []codec.RawMessage
	if err := codec.Unmarshal(raw, &parts); err != nil {
		return request{}, fmt.Errorf("%w: request: %v", errMalformed, err)
	}
	if len(parts) != 4 {
		return request{}, fmt.Errorf("%w: request has %d elements, want 4", errMalformed, len(parts))
	}
	var req request
	if err := codec.Unmarshal(parts[0], &req.ID); err != nil {
		return request{}, fmt.Errorf("%w: request id: %v", errMalformed, err)
	}
	if err := codec.Unmarshal(parts[1], &req.Method); err != nil {
		return request{}, fmt.Errorf("%w: request method: %v", errMalformed, err)
	}
	if err := codec.Unmarshal(parts[2], &req.Args); err != nil {
		return request{}, fmt.Errorf("%w: request args: %v", errMalformed, err)
	}
	if err := codec.Unmarshal(parts[3], &req.Kwargs); err != nil {
		return request{}, fmt.Errorf("%w: request kwargs: %v", errMalformed, err)
	}
	return req, nil
}

func responseMessage(id int64, result any) []any {
	return []any{KindResponse, id, result}
}

func errorMessage(id int64, e *RemoteError) []any {
	args := e.Args
	if args == nil {
		args = []any{}
	}
	kwargs := e.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return []any{KindError, id, e.Type, args, kwargs, e.Traceback}
}

func eventMessage(name string, args []any) []any {
	if args == nil {
		args = []any{}
	}
	return []any{KindEvent, name, args}
}

// incoming is a daemon-to-client message after its kind has been read.
type incoming struct {
	kind   int
	id     int64
	result codec.RawMessage
	err    *RemoteError
	event  string
	args   []any
}

func decodeIncoming(raw codec.RawMessage) (incoming, error) {
	var parts []codec.RawMessage
	if err := codec.Unmarshal(raw, &parts); err != nil {
		return incoming{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(parts) < 3 {
		return incoming{}, fmt.Errorf("%w: %d elements", errMalformed, len(parts))
	}
	var msg incoming
	if err := codec.Unmarshal(parts[0], &msg.kind); err != nil {
		return incoming{}, fmt.Errorf("%w: kind: %v", errMalformed, err)
	}

	switch msg.kind {
	case KindResponse:
		if err := codec.Unmarshal(parts[1], &msg.id); err != nil {
			return incoming{}, fmt.Errorf("%w: response id: %v", errMalformed, err)
		}
		msg.result = parts[2]
	case KindError:
		if len(parts) < 4 {
			return incoming{}, fmt.Errorf("%w: error has %d elements", errMalformed, len(parts))
		}
		if err := codec.Unmarshal(parts[1], &msg.id); err != nil {
			return incoming{}, fmt.Errorf("%w: error id: %v", errMalformed, err)
		}
		re := &RemoteError{}
		if err := codec.Unmarshal(parts[2], &re.Type); err != nil {
			return incoming{}, fmt.Errorf("%w: error type: %v", errMalformed, err)
		}
		if err := codec.Unmarshal(parts[3], &re.Args); err != nil {
			return incoming{}, fmt.Errorf("%w: error args: %v", errMalformed, err)
		}
		if len(parts) > 4 {
			if err := codec.Unmarshal(parts[4], &re.Kwargs); err != nil {
				return incoming{}, fmt.Errorf("%w: error kwargs: %v", errMalformed, err)
			}
		}
		if len(parts) > 5 {
			if err := codec.Unmarshal(parts[5], &re.Traceback); err != nil {
				return incoming{}, fmt.Errorf("%w: traceback: %v", errMalformed, err)
			}
		}
		msg.err = re
	case KindEvent:
		if err := codec.Unmarshal(parts[1], &msg.event); err != nil {
			return incoming{}, fmt.Errorf("%w: event name: %v", errMalformed, err)
		}
		if err := codec.Unmarshal(parts[2], &msg.args); err != nil {
			return incoming{}, fmt.Errorf("%w: event args: %v", errMalformed, err)
		}
	default:
		return incoming{}, fmt.Errorf("%w: unknown kind %d", errMalformed, msg.kind)
	}
	return msg, nil
}
