package pcsc

// Engine is the classic PC/SC call surface. Errors are ReturnCode values for
// ordinary PC/SC failures; CodeOf maps any other error to SCARD_F_INTERNAL_ERROR.
//
// GetStatusChange and Transmit may block; Cancel on the same context unblocks
// a waiting GetStatusChange with SCARD_E_CANCELLED.
type Engine interface {
	EstablishContext(scope Scope) (Context, error)
	ReleaseContext(ctx Context) error
	Connect(ctx Context, reader string, share ShareMode, preferred Protocol) (Handle, Protocol, error)
	Reconnect(h Handle, share ShareMode, preferred Protocol, initialization Disposition) (Protocol, error)
	Disconnect(h Handle, disposition Disposition) error
	BeginTransaction(h Handle) error
	EndTransaction(h Handle, disposition Disposition) error
	Status(h Handle) (CardStatus, error)
	GetStatusChange(ctx Context, timeoutMs uint32, states []ReaderStateIn) ([]ReaderStateOut, error)
	Control(h Handle, controlCode uint32, data []byte) ([]byte, error)
	GetAttrib(h Handle, attrID uint32) ([]byte, error)
	SetAttrib(h Handle, attrID uint32, attr []byte) error
	// Transmit sends an APDU. recvPCI may be nil; the returned IORequest is
	// the response protocol information.
	Transmit(h Handle, sendPCI IORequest, data []byte, recvPCI *IORequest) (IORequest, []byte, error)
	ListReaders(ctx Context) ([]string, error)
	ListReaderGroups(ctx Context) ([]string, error)
	Cancel(ctx Context) error
	IsValidContext(ctx Context) error
}
