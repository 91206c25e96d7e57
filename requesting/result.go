// Package requesting is the broker's RPC layer.
//
// A Requester sends "<name>::request" messages and correlates the
// "<name>::response" messages coming back by request id. A RequestReceiver
// serves the other side: it hands request payloads to a Handler and posts the
// handler's result back. RemoteCallAdaptor layers "function name + positional
// arguments" calls on top.
//
//	Requester ──► {request_id, payload} ──► RequestReceiver ──► Handler
//	    ▲                                                          │
//	    └──── {request_id, payload | error_message} ◄── ResultCallback
package requesting

import (
	"errors"
	"fmt"

	"scard-broker/value"
)

type Status int

const (
	StatusSucceeded Status = iota
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is the outcome of a request. Payload is set only on success,
// ErrorMessage only otherwise.
type Result struct {
	Status       Status
	Payload      value.Value
	ErrorMessage string
}

func Succeeded(payload value.Value) Result {
	return Result{Status: StatusSucceeded, Payload: payload}
}

func Failed(format string, args ...any) Result {
	return Result{Status: StatusFailed, ErrorMessage: fmt.Sprintf(format, args...)}
}

func Canceled(reason string) Result {
	return Result{Status: StatusCanceled, ErrorMessage: reason}
}

func (r Result) IsSuccessful() bool { return r.Status == StatusSucceeded }

// ErrRequestFailed wraps every error returned by Result.Err.
var ErrRequestFailed = errors.New("request failed")

// Err is nil for a successful result.
func (r Result) Err() error {
	if r.IsSuccessful() {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrRequestFailed, r.Status, r.ErrorMessage)
}
