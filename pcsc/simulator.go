package pcsc

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"scard-broker/logging"
)

// PnPNotificationReader is the pseudo reader name whose state tracks the
// number of attached readers in GetStatusChange.
const PnPNotificationReader = `\\?PnP?\Notification`

const defaultReaderGroup = "SCard$DefaultReaders"

// Attribute ids understood by the simulator out of the box.
const (
	SCARD_ATTR_ATR_STRING             uint32 = 0x00090303
	SCARD_ATTR_DEVICE_FRIENDLY_NAME_A uint32 = 0x7FFF0003
)

// stateMask covers the reader state bits GetStatusChange compares.
const stateMask = SCARD_STATE_UNKNOWN | SCARD_STATE_UNAVAILABLE | SCARD_STATE_EMPTY |
	SCARD_STATE_PRESENT | SCARD_STATE_EXCLUSIVE | SCARD_STATE_INUSE | SCARD_STATE_MUTE

// ReaderConfig describes a reader present when the simulator starts. A nil Atr
// means the reader is empty.
type ReaderConfig struct {
	Name string
	Atr  []byte
}

// Responder produces the response APDU, status word included, for a command
// APDU sent to a reader.
type Responder func(reader string, apdu []byte) []byte

type simReader struct {
	name   string
	atr    []byte
	events uint32
	attrs  map[uint32][]byte
	// set while the card sits in a protocol no regular connect can negotiate;
	// a reset clears it
	protoStuck bool
}

type simContext struct {
	cancel chan struct{}
}

type simHandle struct {
	ctx           Context
	reader        *simReader
	share         ShareMode
	protocol      Protocol
	inTransaction bool
}

// Simulator is an in-memory Engine with a set of readers and cards that tests
// and the daemon can manipulate. It also serves as a reader Driver.
type Simulator struct {
	logger *zap.Logger

	mu          sync.Mutex
	nextContext uint32
	nextHandle  uint32
	contexts    map[Context]*simContext
	handles     map[Handle]*simHandle
	readers     []*simReader
	changed     chan struct{}
	responder   Responder

	attachFailures []error
	resets         []string
}

func NewSimulator(logger *zap.Logger, readers ...ReaderConfig) *Simulator {
	s := &Simulator{
		logger:      logging.OrNop(logger).Named("simulator"),
		nextContext: 0x1000,
		nextHandle:  0x2000,
		contexts:    make(map[Context]*simContext),
		handles:     make(map[Handle]*simHandle),
		changed:     make(chan struct{}),
	}
	for _, r := range readers {
		s.readers = append(s.readers, newSimReader(r.Name, r.Atr))
	}
	return s
}

func newSimReader(name string, atr []byte) *simReader {
	return &simReader{
		name: name,
		atr:  slices.Clone(atr),
		attrs: map[uint32][]byte{
			SCARD_ATTR_DEVICE_FRIENDLY_NAME_A: append([]byte(name), 0),
		},
	}
}

// notifyLocked wakes every GetStatusChange waiter.
func (s *Simulator) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Simulator) findReaderLocked(name string) *simReader {
	for _, r := range s.readers {
		if r.name == name {
			return r
		}
	}
	return nil
}

func (s *Simulator) handleLocked(h Handle) (*simHandle, error) {
	sh, ok := s.handles[h]
	if !ok {
		return nil, SCARD_E_INVALID_HANDLE
	}
	return sh, nil
}

// cardHandleLocked also requires the card the handle was connected to to be
// still inserted.
func (s *Simulator) cardHandleLocked(h Handle) (*simHandle, error) {
	sh, err := s.handleLocked(h)
	if err != nil {
		return nil, err
	}
	if sh.reader.atr == nil {
		return nil, SCARD_W_REMOVED_CARD
	}
	return sh, nil
}

func (s *Simulator) resetCardLocked(r *simReader) {
	r.protoStuck = false
	r.events++
	s.notifyLocked()
}

func (s *Simulator) EstablishContext(scope Scope) (Context, error) {
	if scope > SCARD_SCOPE_SYSTEM {
		return 0, SCARD_E_INVALID_VALUE
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextContext++
	c := Context(s.nextContext)
	s.contexts[c] = &simContext{cancel: make(chan struct{})}
	s.logger.Debug("context established", zap.Uint32("context", uint32(c)))
	return c, nil
}

func (s *Simulator) ReleaseContext(c Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.contexts[c]
	if !ok {
		return SCARD_E_INVALID_HANDLE
	}
	delete(s.contexts, c)
	close(sc.cancel)
	for h, sh := range s.handles {
		if sh.ctx == c {
			delete(s.handles, h)
		}
	}
	s.notifyLocked()
	return nil
}

func (s *Simulator) Connect(c Context, reader string, share ShareMode, preferred Protocol) (Handle, Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[c]; !ok {
		return 0, 0, SCARD_E_INVALID_HANDLE
	}
	if share < SCARD_SHARE_EXCLUSIVE || share > SCARD_SHARE_DIRECT {
		return 0, 0, SCARD_E_INVALID_VALUE
	}
	r := s.findReaderLocked(reader)
	if r == nil {
		return 0, 0, SCARD_E_UNKNOWN_READER
	}
	for _, other := range s.handles {
		if other.reader != r {
			continue
		}
		if share == SCARD_SHARE_EXCLUSIVE || other.share == SCARD_SHARE_EXCLUSIVE {
			return 0, 0, SCARD_E_SHARING_VIOLATION
		}
	}

	protocol := SCARD_PROTOCOL_UNDEFINED
	if share != SCARD_SHARE_DIRECT {
		if r.atr == nil {
			return 0, 0, SCARD_E_NO_SMARTCARD
		}
		var err error
		if protocol, err = negotiate(r, preferred); err != nil {
			return 0, 0, err
		}
	}

	s.nextHandle++
	h := Handle(s.nextHandle)
	s.handles[h] = &simHandle{ctx: c, reader: r, share: share, protocol: protocol}
	s.notifyLocked()
	return h, protocol, nil
}

func negotiate(r *simReader, preferred Protocol) (Protocol, error) {
	switch {
	case r.protoStuck && preferred&SCARD_PROTOCOL_RAW != 0:
		return SCARD_PROTOCOL_RAW, nil
	case r.protoStuck:
		return 0, SCARD_E_PROTO_MISMATCH
	case preferred&SCARD_PROTOCOL_T1 != 0:
		return SCARD_PROTOCOL_T1, nil
	case preferred&SCARD_PROTOCOL_T0 != 0:
		return SCARD_PROTOCOL_T0, nil
	case preferred&SCARD_PROTOCOL_RAW != 0:
		return SCARD_PROTOCOL_RAW, nil
	default:
		return 0, SCARD_E_PROTO_MISMATCH
	}
}

func (s *Simulator) Reconnect(h Handle, share ShareMode, preferred Protocol, initialization Disposition) (Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.cardHandleLocked(h)
	if err != nil {
		return 0, err
	}
	if initialization == SCARD_RESET_CARD || initialization == SCARD_UNPOWER_CARD {
		s.resetCardLocked(sh.reader)
	}
	protocol, err := negotiate(sh.reader, preferred)
	if err != nil {
		return 0, err
	}
	sh.share = share
	sh.protocol = protocol
	return protocol, nil
}

func (s *Simulator) Disconnect(h Handle, disposition Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.handleLocked(h)
	if err != nil {
		return err
	}
	delete(s.handles, h)
	if disposition != SCARD_LEAVE_CARD && sh.reader.atr != nil {
		s.resetCardLocked(sh.reader)
		return nil
	}
	s.notifyLocked()
	return nil
}

func (s *Simulator) BeginTransaction(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.cardHandleLocked(h)
	if err != nil {
		return err
	}
	for other, oh := range s.handles {
		if other != h && oh.reader == sh.reader && oh.inTransaction {
			return SCARD_E_SHARING_VIOLATION
		}
	}
	sh.inTransaction = true
	return nil
}

func (s *Simulator) EndTransaction(h Handle, disposition Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.cardHandleLocked(h)
	if err != nil {
		return err
	}
	if !sh.inTransaction {
		return SCARD_E_NOT_TRANSACTED
	}
	sh.inTransaction = false
	if disposition == SCARD_RESET_CARD || disposition == SCARD_UNPOWER_CARD {
		s.resetCardLocked(sh.reader)
	}
	return nil
}

func (s *Simulator) Status(h Handle) (CardStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.cardHandleLocked(h)
	if err != nil {
		return CardStatus{}, err
	}
	return CardStatus{
		ReaderName: sh.reader.name,
		State:      SCARD_PRESENT | SCARD_POWERED | SCARD_NEGOTIABLE | SCARD_SPECIFIC,
		Protocol:   sh.protocol,
		Atr:        slices.Clone(sh.reader.atr),
	}, nil
}

func (s *Simulator) GetStatusChange(c Context, timeoutMs uint32, states []ReaderStateIn) ([]ReaderStateOut, error) {
	var deadline <-chan time.Time
	if timeoutMs != INFINITE {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		s.mu.Lock()
		sc, ok := s.contexts[c]
		if !ok {
			s.mu.Unlock()
			return nil, SCARD_E_INVALID_HANDLE
		}
		out, changed := s.evaluateLocked(states)
		wake, cancel := s.changed, sc.cancel
		s.mu.Unlock()
		if changed || len(states) == 0 {
			return out, nil
		}

		select {
		case <-wake:
		case <-cancel:
			return nil, SCARD_E_CANCELLED
		case <-deadline:
			return nil, SCARD_E_TIMEOUT
		}
	}
}

func (s *Simulator) evaluateLocked(states []ReaderStateIn) ([]ReaderStateOut, bool) {
	out := make([]ReaderStateOut, len(states))
	anyChanged := false
	for i, in := range states {
		o := ReaderStateOut{ReaderName: in.ReaderName, UserData: in.UserData, CurrentState: in.CurrentState}
		switch {
		case in.CurrentState&SCARD_STATE_IGNORE != 0:
			o.EventState = SCARD_STATE_IGNORE
		case in.ReaderName == PnPNotificationReader:
			o.EventState = uint32(len(s.readers)) << 16
			if in.CurrentState>>16 != o.EventState>>16 {
				o.EventState |= SCARD_STATE_CHANGED
			}
		default:
			r := s.findReaderLocked(in.ReaderName)
			o.EventState, o.Atr = s.readerStateLocked(r)
			if readerStateChanged(in.CurrentState, o.EventState) {
				o.EventState |= SCARD_STATE_CHANGED
			}
		}
		if o.EventState&SCARD_STATE_CHANGED != 0 {
			anyChanged = true
		}
		out[i] = o
	}
	return out, anyChanged
}

func (s *Simulator) readerStateLocked(r *simReader) (uint32, []byte) {
	if r == nil {
		return SCARD_STATE_UNKNOWN, nil
	}
	state := r.events << 16
	if r.atr == nil {
		return state | SCARD_STATE_EMPTY, nil
	}
	state |= SCARD_STATE_PRESENT
	for _, sh := range s.handles {
		if sh.reader != r {
			continue
		}
		state |= SCARD_STATE_INUSE
		if sh.share == SCARD_SHARE_EXCLUSIVE {
			state |= SCARD_STATE_EXCLUSIVE
		}
	}
	return state, slices.Clone(r.atr)
}

func readerStateChanged(current, event uint32) bool {
	if current == SCARD_STATE_UNAWARE {
		return true
	}
	if current&stateMask != event&stateMask {
		return true
	}
	// the upper half counts card events; zero means the caller does not track it
	return current>>16 != 0 && current>>16 != event>>16
}

func (s *Simulator) Control(h Handle, controlCode uint32, data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.handleLocked(h); err != nil {
		return nil, err
	}
	return slices.Clone(data), nil
}

func (s *Simulator) GetAttrib(h Handle, attrID uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.handleLocked(h)
	if err != nil {
		return nil, err
	}
	if attrID == SCARD_ATTR_ATR_STRING {
		if sh.reader.atr == nil {
			return nil, SCARD_W_REMOVED_CARD
		}
		return slices.Clone(sh.reader.atr), nil
	}
	attr, ok := sh.reader.attrs[attrID]
	if !ok {
		return nil, SCARD_E_UNSUPPORTED_FEATURE
	}
	return slices.Clone(attr), nil
}

func (s *Simulator) SetAttrib(h Handle, attrID uint32, attr []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.handleLocked(h)
	if err != nil {
		return err
	}
	if attrID == SCARD_ATTR_ATR_STRING {
		return SCARD_E_INVALID_PARAMETER
	}
	sh.reader.attrs[attrID] = slices.Clone(attr)
	return nil
}

func (s *Simulator) Transmit(h Handle, sendPCI IORequest, data []byte, _ *IORequest) (IORequest, []byte, error) {
	s.mu.Lock()
	sh, err := s.cardHandleLocked(h)
	if err != nil {
		s.mu.Unlock()
		return IORequest{}, nil, err
	}
	if sendPCI.Protocol != sh.protocol {
		s.mu.Unlock()
		return IORequest{}, nil, SCARD_E_PROTO_MISMATCH
	}
	if len(data) == 0 {
		s.mu.Unlock()
		return IORequest{}, nil, SCARD_E_INVALID_PARAMETER
	}
	reader, protocol, respond := sh.reader.name, sh.protocol, s.responder
	s.mu.Unlock()

	if respond == nil {
		respond = echoResponder
	}
	return IORequest{Protocol: protocol}, respond(reader, bytes.Clone(data)), nil
}

func echoResponder(_ string, apdu []byte) []byte {
	return append(apdu, 0x90, 0x00)
}

func (s *Simulator) ListReaders(c Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[c]; !ok {
		return nil, SCARD_E_INVALID_HANDLE
	}
	if len(s.readers) == 0 {
		return nil, SCARD_E_NO_READERS_AVAILABLE
	}
	names := make([]string, 0, len(s.readers))
	for _, r := range s.readers {
		names = append(names, r.name)
	}
	return names, nil
}

func (s *Simulator) ListReaderGroups(c Context) ([]string, error) {
	if err := s.IsValidContext(c); err != nil {
		return nil, err
	}
	return []string{defaultReaderGroup}, nil
}

// Cancel interrupts a GetStatusChange waiting on c.
func (s *Simulator) Cancel(c Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.contexts[c]
	if !ok {
		return SCARD_E_INVALID_HANDLE
	}
	close(sc.cancel)
	sc.cancel = make(chan struct{})
	return nil
}

func (s *Simulator) IsValidContext(c Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[c]; !ok {
		return SCARD_E_INVALID_HANDLE
	}
	return nil
}

// SetResponder replaces the default responder, which echoes the command
// followed by 90 00.
func (s *Simulator) SetResponder(r Responder) {
	s.mu.Lock()
	s.responder = r
	s.mu.Unlock()
}

// InsertCard puts a card with the given ATR into the reader.
func (s *Simulator) InsertCard(reader string, atr []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findReaderLocked(reader)
	if r == nil {
		return SCARD_E_UNKNOWN_READER
	}
	r.atr = slices.Clone(atr)
	r.protoStuck = false
	r.events++
	s.notifyLocked()
	return nil
}

func (s *Simulator) RemoveCard(reader string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findReaderLocked(reader)
	if r == nil {
		return SCARD_E_UNKNOWN_READER
	}
	r.atr = nil
	r.events++
	s.notifyLocked()
	return nil
}

// SetProtocolStuck leaves the card in the reader in a state where only a raw
// connect succeeds until the card is reset.
func (s *Simulator) SetProtocolStuck(reader string, stuck bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findReaderLocked(reader)
	if r == nil {
		return SCARD_E_UNKNOWN_READER
	}
	r.protoStuck = stuck
	return nil
}

// RevokeContext drops a context, and its handles, behind its owner's back, as
// an engine does when it resets.
func (s *Simulator) RevokeContext(c Context) {
	if err := s.ReleaseContext(c); err != nil {
		s.logger.Debug("revoking unknown context", zap.Uint32("context", uint32(c)))
	}
}

func (s *Simulator) RevokeHandle(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h)
	s.notifyLocked()
}

// FailNextAttaches makes the following AttachReader calls fail with errs, in
// order.
func (s *Simulator) FailNextAttaches(errs ...error) {
	s.mu.Lock()
	s.attachFailures = append(s.attachFailures, errs...)
	s.mu.Unlock()
}

// AttachReader makes a reader appear, empty.
func (s *Simulator) AttachReader(_ context.Context, name string, _ int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attachFailures) > 0 {
		err := s.attachFailures[0]
		s.attachFailures = s.attachFailures[1:]
		return err
	}
	if s.findReaderLocked(name) != nil {
		return SCARD_E_SHARING_VIOLATION
	}
	s.readers = append(s.readers, newSimReader(name, nil))
	s.notifyLocked()
	return nil
}

// DetachReader removes a reader together with every handle connected to it.
func (s *Simulator) DetachReader(name string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.readers, func(r *simReader) bool { return r.name == name })
	if i < 0 {
		return SCARD_E_UNKNOWN_READER
	}
	r := s.readers[i]
	s.readers = slices.Delete(s.readers, i, i+1)
	for h, sh := range s.handles {
		if sh.reader == r {
			delete(s.handles, h)
		}
	}
	s.notifyLocked()
	return nil
}

// ResetDevice records a USB reset of device.
func (s *Simulator) ResetDevice(_ context.Context, device string) error {
	s.mu.Lock()
	s.resets = append(s.resets, device)
	s.mu.Unlock()
	s.logger.Info("device reset", zap.String("device", device))
	return nil
}

func (s *Simulator) DeviceResets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.resets)
}

var _ Engine = (*Simulator)(nil)
