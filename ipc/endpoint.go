package ipc

import (
	"errors"
	"io"
	"time"
)

// Endpoint adapts one channel end to io.ReadWriteCloser so stream code
// (framing, codecs) can run on top of it.
type Endpoint struct {
	registry *Registry
	id       int64
}

// Endpoint returns a stream view of channel id. Reads block until data
// arrives, even on a non-blocking channel, and report io.EOF once closed.
func (r *Registry) Endpoint(id int64) *Endpoint {
	return &Endpoint{registry: r, id: id}
}

func (e *Endpoint) ID() int64 { return e.id }

func (e *Endpoint) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		data, err := e.registry.Read(e.id, len(p))
		switch {
		case err == nil:
			return copy(p, data), nil
		case errors.Is(err, ErrNoData):
			state, err := e.registry.WaitReadable(e.id, -1*time.Second)
			if err != nil || state == Closed {
				return 0, io.EOF
			}
		case errors.Is(err, ErrClosed), errors.Is(err, ErrUnknownChannel):
			return 0, io.EOF
		default:
			return 0, err
		}
	}
}

// Write is all-or-nothing: the whole slice lands in the peer buffer at once.
func (e *Endpoint) Write(p []byte) (int, error) {
	if err := e.registry.Write(e.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (e *Endpoint) Close() error {
	return e.registry.Close(e.id)
}
