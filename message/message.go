// Package message defines the envelopes exchanged between the broker and its peers.
//
// Every envelope is a TypedMessage: the Type string selects the single route that
// handles it, Data carries the payload. Requests and responses of the RPC layer
// travel inside TypedMessages whose type is derived from the requester name:
//
//	"<name>::request"   data = {request_id, payload}
//	"<name>::response"  data = {request_id, payload} or {request_id, error_message}
package message

import (
	"errors"
	"fmt"

	"scard-broker/value"
)

const (
	keyType = "type"
	keyData = "data"

	requestSuffix  = "::request"
	responseSuffix = "::response"
)

var ErrMalformed = errors.New("message: malformed envelope")

// TypedMessage is the envelope for all inter-party communication.
type TypedMessage struct {
	Type string
	Data value.Value
}

// ToValue renders the envelope as {"type", "data"}.
func (m TypedMessage) ToValue() (value.Value, error) {
	return value.Dictionary(map[string]value.Value{
		keyType: value.String(m.Type),
		keyData: m.Data,
	}), nil
}

// FromValue parses {"type", "data"}. A missing data item is treated as null.
func (m *TypedMessage) FromValue(v value.Value) error {
	if v.Kind() != value.KindDictionary {
		return fmt.Errorf("%w: expected dictionary, got %s", ErrMalformed, v.Kind())
	}
	typ, ok := v.Get(keyType)
	if !ok {
		return fmt.Errorf("%w: no %q item", ErrMalformed, keyType)
	}
	s, err := typ.AsString()
	if err != nil || s == "" {
		return fmt.Errorf("%w: bad %q item %s", ErrMalformed, keyType, typ)
	}
	if v.Len() > 2 {
		return fmt.Errorf("%w: unexpected items in %s", ErrMalformed, v)
	}
	data, _ := v.Get(keyData)
	m.Type = s
	m.Data = data
	return nil
}

// RequestType is the message type a requester named name sends requests with.
func RequestType(name string) string { return name + requestSuffix }

// ResponseType is the message type responses to requester name arrive with.
func ResponseType(name string) string { return name + responseSuffix }

// RequestData is the data of a request envelope.
type RequestData struct {
	RequestID int64       `value:"request_id"`
	Payload   value.Value `value:"payload"`
}

// ResponseData is the data of a response envelope; exactly one of Payload and
// ErrorMessage is set.
type ResponseData struct {
	RequestID    int64        `value:"request_id"`
	Payload      *value.Value `value:"payload,optional"`
	ErrorMessage *string      `value:"error_message,optional"`
}

func NewRequest(name string, id int64, payload value.Value) TypedMessage {
	return TypedMessage{
		Type: RequestType(name),
		Data: value.MustFrom(RequestData{RequestID: id, Payload: payload}),
	}
}

func NewSuccessResponse(name string, id int64, payload value.Value) TypedMessage {
	return TypedMessage{
		Type: ResponseType(name),
		Data: value.MustFrom(ResponseData{RequestID: id, Payload: &payload}),
	}
}

func NewErrorResponse(name string, id int64, errorMessage string) TypedMessage {
	return TypedMessage{
		Type: ResponseType(name),
		Data: value.MustFrom(ResponseData{RequestID: id, ErrorMessage: &errorMessage}),
	}
}

// ParseResponse validates response data. It returns the request id whenever it
// could be read, even when the rest of the data is malformed, so that the
// caller waiting for that id can be failed instead of hanging.
func ParseResponse(data value.Value) (ResponseData, bool, error) {
	var resp ResponseData
	idItem, ok := data.Get("request_id")
	if !ok {
		return resp, false, fmt.Errorf("%w: response without request_id", ErrMalformed)
	}
	id, err := idItem.AsInt64()
	if err != nil {
		return resp, false, fmt.Errorf("%w: request_id: %v", ErrMalformed, err)
	}
	resp.RequestID = id
	payload, hasPayload := data.Get("payload")
	errItem, hasError := data.Get("error_message")
	if hasPayload == hasError || data.Len() != 2 {
		return resp, true, fmt.Errorf("%w: response must carry exactly one of payload and error_message", ErrMalformed)
	}
	if hasPayload {
		resp.Payload = &payload
		return resp, true, nil
	}
	msg, err := errItem.AsString()
	if err != nil {
		return resp, true, fmt.Errorf("%w: error_message: %v", ErrMalformed, err)
	}
	resp.ErrorMessage = &msg
	return resp, true, nil
}
