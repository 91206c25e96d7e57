package requesting

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"scard-broker/logging"
	"scard-broker/value"
)

// RemoteCallRequest is a parsed [function_name, arg0, arg1, ...] payload.
type RemoteCallRequest struct {
	FunctionName string
	Args         []value.Value
}

func BuildRemoteCallPayload(functionName string, args ...any) (value.Value, error) {
	items := make([]value.Value, 0, len(args)+1)
	items = append(items, value.String(functionName))
	for i, arg := range args {
		v, err := value.From(arg)
		if err != nil {
			return value.Value{}, fmt.Errorf("argument #%d of %s: %w", i, functionName, err)
		}
		items = append(items, v)
	}
	return value.Array(items...), nil
}

func ParseRemoteCallRequest(payload value.Value) (RemoteCallRequest, error) {
	items, err := payload.AsArray()
	if err != nil {
		return RemoteCallRequest{}, fmt.Errorf("remote call payload: %w", err)
	}
	if len(items) == 0 {
		return RemoteCallRequest{}, fmt.Errorf("remote call payload is empty")
	}
	name, err := items[0].AsString()
	if err != nil {
		return RemoteCallRequest{}, fmt.Errorf("remote call function name: %w", err)
	}
	return RemoteCallRequest{FunctionName: name, Args: items[1:]}, nil
}

// ExtractArgs decodes args into the pointers in outs. Arity or type mismatches
// are returned as errors: request arguments come from clients.
func ExtractArgs(args []value.Value, outs ...any) error {
	if len(args) != len(outs) {
		return fmt.Errorf("expected %d arguments, got %d", len(outs), len(args))
	}
	for i, item := range args {
		if err := value.Decode(item, outs[i]); err != nil {
			return fmt.Errorf("argument #%d: %w", i, err)
		}
	}
	return nil
}

// BuildRemoteCallResult makes the [return_code, out0, out1, ...] payload.
func BuildRemoteCallResult(items ...any) (value.Value, error) {
	v, err := value.From(items)
	if err != nil {
		return value.Value{}, fmt.Errorf("remote call result: %w", err)
	}
	return v, nil
}

// RemoteCallAdaptor sends remote calls through a Requester.
type RemoteCallAdaptor struct {
	requester *Requester
	logger    *zap.Logger
}

func NewRemoteCallAdaptor(requester *Requester, logger *zap.Logger) *RemoteCallAdaptor {
	return &RemoteCallAdaptor{
		requester: requester,
		logger:    logging.OrNop(logger).Named("remote_call").With(zap.String("requester", requester.Name())),
	}
}

func (a *RemoteCallAdaptor) Requester() *Requester { return a.requester }

func (a *RemoteCallAdaptor) SyncCall(ctx context.Context, functionName string, args ...any) Result {
	payload, err := BuildRemoteCallPayload(functionName, args...)
	if err != nil {
		return Failed("%v", err)
	}
	return a.requester.PerformSyncRequest(ctx, payload)
}

func (a *RemoteCallAdaptor) AsyncCall(functionName string, args []any, callback Callback) RequestID {
	payload, err := BuildRemoteCallPayload(functionName, args...)
	if err != nil {
		callback(Failed("%v", err))
		return 0
	}
	return a.requester.StartAsyncRequest(payload, callback)
}

// ExtractResultPayload decodes a successful result's [return_code, outs...]
// into the pointers in outs (the first one receives the return code). Both
// ends of a remote call are this program's own code, so a result of the wrong
// shape is a protocol bug and panics. A failed result is returned as error.
func (a *RemoteCallAdaptor) ExtractResultPayload(result Result, outs ...any) error {
	if !result.IsSuccessful() {
		return result.Err()
	}
	items, err := result.Payload.AsArray()
	if err != nil {
		a.logger.Panic("remote call result is not an array", zap.Stringer("payload", result.Payload))
	}
	if len(items) != len(outs) {
		a.logger.Panic("remote call result has wrong arity",
			zap.Int("want", len(outs)), zap.Int("got", len(items)), zap.Stringer("payload", result.Payload))
	}
	for i, item := range items {
		if err := value.Decode(item, outs[i]); err != nil {
			a.logger.Panic("remote call result item has wrong type",
				zap.Int("index", i), zap.Error(err), zap.Stringer("payload", result.Payload))
		}
	}
	return nil
}
