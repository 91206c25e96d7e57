package processor

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"scard-broker/pcsc"
	"scard-broker/requesting"
	"scard-broker/value"
)

// function handlers return the remote call result items, status code first.
type function func(p *Processor, ctx context.Context, args []value.Value) ([]any, error)

var functions = map[string]function{
	"pcsc_lite_version_number": (*Processor).versionNumber,
	"pcsc_stringify_error":     (*Processor).stringifyError,
	"SCardEstablishContext":    (*Processor).establishContext,
	"SCardReleaseContext":      (*Processor).releaseContext,
	"SCardConnect":             (*Processor).connect,
	"SCardReconnect":           (*Processor).reconnect,
	"SCardDisconnect":          (*Processor).disconnect,
	"SCardBeginTransaction":    (*Processor).beginTransaction,
	"SCardEndTransaction":      (*Processor).endTransaction,
	"SCardStatus":              (*Processor).status,
	"SCardGetStatusChange":     (*Processor).getStatusChange,
	"SCardControl":             (*Processor).control,
	"SCardGetAttrib":           (*Processor).getAttrib,
	"SCardSetAttrib":           (*Processor).setAttrib,
	"SCardTransmit":            (*Processor).transmit,
	"SCardListReaders":         (*Processor).listReaders,
	"SCardListReaderGroups":    (*Processor).listReaderGroups,
	"SCardCancel":              (*Processor).cancel,
	"SCardIsValidContext":      (*Processor).isValidContext,
}

// FunctionNames lists every remote function a Processor serves.
func FunctionNames() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	return names
}

var errNotNull = errors.New("reserved argument must be null")

func requireNull(v value.Value) error {
	if !v.IsNull() {
		return errNotNull
	}
	return nil
}

func codeOnly(code pcsc.ReturnCode) []any { return []any{code} }

// ownContext checks that c belongs to this client.
func (p *Processor) ownContext(c pcsc.Context, function string) bool {
	if p.registry.ContainsContext(c) {
		return true
	}
	p.logger.Warn("call with a context the client does not own",
		zap.String("function", function), zap.Uint32("context", uint32(c)))
	return false
}

// ownHandle checks that h belongs to this client and returns its context.
func (p *Processor) ownHandle(h pcsc.Handle, function string) (pcsc.Context, bool) {
	c, ok := p.registry.FindContextByHandle(h)
	if !ok {
		p.logger.Warn("call with a card handle the client does not own",
			zap.String("function", function), zap.Uint32("handle", uint32(h)))
	}
	return c, ok
}

// contextCall guards and runs call on one of the client's contexts.
func (p *Processor) contextCall(c pcsc.Context, function string, call func() (pcsc.ReturnCode, []any)) []any {
	defer p.enterContext(c, function)()
	if !p.ownContext(c, function) {
		return codeOnly(pcsc.SCARD_E_INVALID_HANDLE)
	}
	code, outs := call()
	if code == pcsc.SCARD_E_INVALID_HANDLE {
		p.onContextRevoked(c)
	}
	if code != pcsc.SCARD_S_SUCCESS {
		return codeOnly(code)
	}
	return append([]any{code}, outs...)
}

// handleCall guards and runs call on one of the client's card handles.
func (p *Processor) handleCall(h pcsc.Handle, function string, call func() (pcsc.ReturnCode, []any)) []any {
	c, ok := p.ownHandle(h, function)
	if !ok {
		return codeOnly(pcsc.SCARD_E_INVALID_HANDLE)
	}
	defer p.enterContext(c, function)()
	code, outs := call()
	if code == pcsc.SCARD_E_INVALID_HANDLE {
		p.onHandleRevoked(h)
	}
	if code != pcsc.SCARD_S_SUCCESS {
		return codeOnly(code)
	}
	return append([]any{code}, outs...)
}

func (p *Processor) versionNumber(_ context.Context, args []value.Value) ([]any, error) {
	if err := requesting.ExtractArgs(args); err != nil {
		return nil, err
	}
	return []any{pcsc.VersionNumber}, nil
}

func (p *Processor) stringifyError(_ context.Context, args []value.Value) ([]any, error) {
	var code pcsc.ReturnCode
	if err := requesting.ExtractArgs(args, &code); err != nil {
		return nil, err
	}
	return []any{pcsc.StringifyError(code)}, nil
}

func (p *Processor) establishContext(_ context.Context, args []value.Value) ([]any, error) {
	var (
		scope                pcsc.Scope
		reserved1, reserved2 value.Value
	)
	if err := requesting.ExtractArgs(args, &scope, &reserved1, &reserved2); err != nil {
		return nil, err
	}
	if err := errors.Join(requireNull(reserved1), requireNull(reserved2)); err != nil {
		return nil, err
	}

	c, err := p.engine.EstablishContext(scope)
	code := pcsc.CodeOf(err)
	if code != pcsc.SCARD_S_SUCCESS {
		return codeOnly(code), nil
	}
	// the engine reuses the id of a context it dropped behind our back
	p.onContextRevoked(c)
	p.registry.AddContext(c)
	return []any{code, c}, nil
}

func (p *Processor) releaseContext(_ context.Context, args []value.Value) ([]any, error) {
	var c pcsc.Context
	if err := requesting.ExtractArgs(args, &c); err != nil {
		return nil, err
	}
	return p.contextCall(c, "SCardReleaseContext", func() (pcsc.ReturnCode, []any) {
		code := pcsc.CodeOf(p.engine.ReleaseContext(c))
		if code == pcsc.SCARD_S_SUCCESS && !p.registry.TryRemoveContext(c) {
			p.logger.Warn("released context was already forgotten", zap.Uint32("context", uint32(c)))
		}
		return code, nil
	}), nil
}

func (p *Processor) connect(ctx context.Context, args []value.Value) ([]any, error) {
	var (
		c         pcsc.Context
		reader    string
		share     pcsc.ShareMode
		preferred pcsc.Protocol
	)
	if err := requesting.ExtractArgs(args, &c, &reader, &share, &preferred); err != nil {
		return nil, err
	}
	return p.contextCall(c, "SCardConnect", func() (pcsc.ReturnCode, []any) {
		h, active, err := p.engine.Connect(c, reader, share, preferred)
		code := pcsc.CodeOf(err)
		if code == pcsc.SCARD_E_PROTO_MISMATCH && p.disconnectFallbackAllowed(ctx) {
			h, active, code = p.connectAfterReset(c, reader, share, preferred, code)
		}
		if code != pcsc.SCARD_S_SUCCESS {
			return code, nil
		}
		p.onHandleRevoked(h)
		if !p.registry.ContainsContext(c) {
			// the context went away while connecting
			_ = p.engine.Disconnect(h, pcsc.SCARD_LEAVE_CARD)
			return pcsc.SCARD_E_INVALID_HANDLE, nil
		}
		p.registry.AddHandle(c, h)
		return code, []any{h, active}
	}), nil
}

// connectAfterReset resets the card, which may be left in a protocol that
// regular connects cannot negotiate, and retries the connect once. The
// original error is kept when the retry fails too.
func (p *Processor) connectAfterReset(c pcsc.Context, reader string, share pcsc.ShareMode, preferred pcsc.Protocol, original pcsc.ReturnCode) (pcsc.Handle, pcsc.Protocol, pcsc.ReturnCode) {
	log := p.logger.With(zap.String("reader", reader))
	log.Info("connect failed with a protocol mismatch; resetting the card and retrying")

	rh, _, err := p.engine.Connect(c, reader, pcsc.SCARD_SHARE_SHARED,
		pcsc.SCARD_PROTOCOL_ANY|pcsc.SCARD_PROTOCOL_RAW|pcsc.SCARD_PROTOCOL_T15)
	if err == nil {
		err = p.engine.Disconnect(rh, pcsc.SCARD_RESET_CARD)
	}
	if err != nil {
		log.Warn("card reset failed", zap.Error(err))
		return 0, 0, original
	}

	h, active, err := p.engine.Connect(c, reader, share, preferred)
	if err != nil {
		log.Warn("connect after card reset failed", zap.Error(err))
		return 0, 0, original
	}
	return h, active, pcsc.SCARD_S_SUCCESS
}

func (p *Processor) reconnect(_ context.Context, args []value.Value) ([]any, error) {
	var (
		h              pcsc.Handle
		share          pcsc.ShareMode
		preferred      pcsc.Protocol
		initialization pcsc.Disposition
	)
	if err := requesting.ExtractArgs(args, &h, &share, &preferred, &initialization); err != nil {
		return nil, err
	}
	return p.handleCall(h, "SCardReconnect", func() (pcsc.ReturnCode, []any) {
		active, err := p.engine.Reconnect(h, share, preferred, initialization)
		return pcsc.CodeOf(err), []any{active}
	}), nil
}

func (p *Processor) disconnect(_ context.Context, args []value.Value) ([]any, error) {
	var (
		h           pcsc.Handle
		disposition pcsc.Disposition
	)
	if err := requesting.ExtractArgs(args, &h, &disposition); err != nil {
		return nil, err
	}
	return p.handleCall(h, "SCardDisconnect", func() (pcsc.ReturnCode, []any) {
		code := pcsc.CodeOf(p.engine.Disconnect(h, disposition))
		if code == pcsc.SCARD_S_SUCCESS && !p.registry.TryRemoveHandle(h) {
			p.logger.Warn("disconnected handle was already forgotten", zap.Uint32("handle", uint32(h)))
		}
		return code, nil
	}), nil
}

func (p *Processor) beginTransaction(_ context.Context, args []value.Value) ([]any, error) {
	var h pcsc.Handle
	if err := requesting.ExtractArgs(args, &h); err != nil {
		return nil, err
	}
	return p.handleCall(h, "SCardBeginTransaction", func() (pcsc.ReturnCode, []any) {
		return pcsc.CodeOf(p.engine.BeginTransaction(h)), nil
	}), nil
}

func (p *Processor) endTransaction(_ context.Context, args []value.Value) ([]any, error) {
	var (
		h           pcsc.Handle
		disposition pcsc.Disposition
	)
	if err := requesting.ExtractArgs(args, &h, &disposition); err != nil {
		return nil, err
	}
	return p.handleCall(h, "SCardEndTransaction", func() (pcsc.ReturnCode, []any) {
		return pcsc.CodeOf(p.engine.EndTransaction(h, disposition)), nil
	}), nil
}

func (p *Processor) status(_ context.Context, args []value.Value) ([]any, error) {
	var h pcsc.Handle
	if err := requesting.ExtractArgs(args, &h); err != nil {
		return nil, err
	}
	return p.handleCall(h, "SCardStatus", func() (pcsc.ReturnCode, []any) {
		st, err := p.engine.Status(h)
		return pcsc.CodeOf(err), []any{st.ReaderName, st.State, st.Protocol, st.Atr}
	}), nil
}

func (p *Processor) getStatusChange(_ context.Context, args []value.Value) ([]any, error) {
	var (
		c       pcsc.Context
		timeout uint32
		states  []pcsc.ReaderStateIn
	)
	if err := requesting.ExtractArgs(args, &c, &timeout, &states); err != nil {
		return nil, err
	}
	return p.contextCall(c, "SCardGetStatusChange", func() (pcsc.ReturnCode, []any) {
		out, err := p.engine.GetStatusChange(c, timeout, states)
		if out == nil {
			out = []pcsc.ReaderStateOut{}
		}
		return pcsc.CodeOf(err), []any{out}
	}), nil
}

func (p *Processor) control(_ context.Context, args []value.Value) ([]any, error) {
	var (
		h           pcsc.Handle
		controlCode uint32
		data        []byte
	)
	if err := requesting.ExtractArgs(args, &h, &controlCode, &data); err != nil {
		return nil, err
	}
	return p.handleCall(h, "SCardControl", func() (pcsc.ReturnCode, []any) {
		resp, err := p.engine.Control(h, controlCode, data)
		return pcsc.CodeOf(err), []any{resp}
	}), nil
}

func (p *Processor) getAttrib(_ context.Context, args []value.Value) ([]any, error) {
	var (
		h      pcsc.Handle
		attrID uint32
	)
	if err := requesting.ExtractArgs(args, &h, &attrID); err != nil {
		return nil, err
	}
	return p.handleCall(h, "SCardGetAttrib", func() (pcsc.ReturnCode, []any) {
		attr, err := p.engine.GetAttrib(h, attrID)
		return pcsc.CodeOf(err), []any{attr}
	}), nil
}

func (p *Processor) setAttrib(_ context.Context, args []value.Value) ([]any, error) {
	var (
		h      pcsc.Handle
		attrID uint32
		attr   []byte
	)
	if err := requesting.ExtractArgs(args, &h, &attrID, &attr); err != nil {
		return nil, err
	}
	return p.handleCall(h, "SCardSetAttrib", func() (pcsc.ReturnCode, []any) {
		return pcsc.CodeOf(p.engine.SetAttrib(h, attrID, attr)), nil
	}), nil
}

func (p *Processor) transmit(_ context.Context, args []value.Value) ([]any, error) {
	var (
		h       pcsc.Handle
		sendPCI pcsc.IORequest
		data    []byte
		recvPCI *pcsc.IORequest
	)
	if err := requesting.ExtractArgs(args, &h, &sendPCI, &data, &recvPCI); err != nil {
		return nil, err
	}
	return p.handleCall(h, "SCardTransmit", func() (pcsc.ReturnCode, []any) {
		out, resp, err := p.engine.Transmit(h, sendPCI, data, recvPCI)
		if recvPCI == nil {
			out = pcsc.IORequest{Protocol: sendPCI.Protocol}
		}
		return pcsc.CodeOf(err), []any{out, resp}
	}), nil
}

func (p *Processor) listReaders(_ context.Context, args []value.Value) ([]any, error) {
	var (
		c      pcsc.Context
		groups value.Value
	)
	if err := requesting.ExtractArgs(args, &c, &groups); err != nil {
		return nil, err
	}
	if err := requireNull(groups); err != nil {
		return nil, err
	}
	return p.contextCall(c, "SCardListReaders", func() (pcsc.ReturnCode, []any) {
		readers, err := p.engine.ListReaders(c)
		return pcsc.CodeOf(err), []any{readers}
	}), nil
}

func (p *Processor) listReaderGroups(_ context.Context, args []value.Value) ([]any, error) {
	var c pcsc.Context
	if err := requesting.ExtractArgs(args, &c); err != nil {
		return nil, err
	}
	return p.contextCall(c, "SCardListReaderGroups", func() (pcsc.ReturnCode, []any) {
		groups, err := p.engine.ListReaderGroups(c)
		return pcsc.CodeOf(err), []any{groups}
	}), nil
}

// cancel skips the concurrency guard: interrupting a running call is its
// purpose.
func (p *Processor) cancel(_ context.Context, args []value.Value) ([]any, error) {
	var c pcsc.Context
	if err := requesting.ExtractArgs(args, &c); err != nil {
		return nil, err
	}
	if !p.ownContext(c, "SCardCancel") {
		return codeOnly(pcsc.SCARD_E_INVALID_HANDLE), nil
	}
	code := pcsc.CodeOf(p.engine.Cancel(c))
	if code == pcsc.SCARD_E_INVALID_HANDLE {
		p.onContextRevoked(c)
	}
	return codeOnly(code), nil
}

func (p *Processor) isValidContext(_ context.Context, args []value.Value) ([]any, error) {
	var c pcsc.Context
	if err := requesting.ExtractArgs(args, &c); err != nil {
		return nil, err
	}
	return p.contextCall(c, "SCardIsValidContext", func() (pcsc.ReturnCode, []any) {
		return pcsc.CodeOf(p.engine.IsValidContext(c)), nil
	}), nil
}
