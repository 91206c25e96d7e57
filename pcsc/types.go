package pcsc

// VersionNumber is reported by the pcsc_lite_version_number remote function.
const VersionNumber = "1.9.9"

// Context and Handle are opaque engine identifiers; a Handle always lives
// inside the Context it was connected with.
type (
	Context uint32
	Handle  uint32
)

type Scope uint32

const (
	SCARD_SCOPE_USER     Scope = 0
	SCARD_SCOPE_TERMINAL Scope = 1
	SCARD_SCOPE_SYSTEM   Scope = 2
)

type ShareMode uint32

const (
	SCARD_SHARE_EXCLUSIVE ShareMode = 1
	SCARD_SHARE_SHARED    ShareMode = 2
	SCARD_SHARE_DIRECT    ShareMode = 3
)

// Protocol is a bit set of card protocols.
type Protocol uint32

const (
	SCARD_PROTOCOL_UNDEFINED Protocol = 0
	SCARD_PROTOCOL_T0        Protocol = 0x0001
	SCARD_PROTOCOL_T1        Protocol = 0x0002
	SCARD_PROTOCOL_RAW       Protocol = 0x0004
	SCARD_PROTOCOL_T15       Protocol = 0x0008
	SCARD_PROTOCOL_ANY                = SCARD_PROTOCOL_T0 | SCARD_PROTOCOL_T1
)

type Disposition uint32

const (
	SCARD_LEAVE_CARD   Disposition = 0
	SCARD_RESET_CARD   Disposition = 1
	SCARD_UNPOWER_CARD Disposition = 2
	SCARD_EJECT_CARD   Disposition = 3
)

// Reader state flags used by GetStatusChange.
const (
	SCARD_STATE_UNAWARE     uint32 = 0x0000
	SCARD_STATE_IGNORE      uint32 = 0x0001
	SCARD_STATE_CHANGED     uint32 = 0x0002
	SCARD_STATE_UNKNOWN     uint32 = 0x0004
	SCARD_STATE_UNAVAILABLE uint32 = 0x0008
	SCARD_STATE_EMPTY       uint32 = 0x0010
	SCARD_STATE_PRESENT     uint32 = 0x0020
	SCARD_STATE_ATRMATCH    uint32 = 0x0040
	SCARD_STATE_EXCLUSIVE   uint32 = 0x0080
	SCARD_STATE_INUSE       uint32 = 0x0100
	SCARD_STATE_MUTE        uint32 = 0x0200
	SCARD_STATE_UNPOWERED   uint32 = 0x0400
)

// Card states reported by Status.
const (
	SCARD_UNKNOWN    uint32 = 0x0001
	SCARD_ABSENT     uint32 = 0x0002
	SCARD_PRESENT    uint32 = 0x0004
	SCARD_SWALLOWED  uint32 = 0x0008
	SCARD_POWERED    uint32 = 0x0010
	SCARD_NEGOTIABLE uint32 = 0x0020
	SCARD_SPECIFIC   uint32 = 0x0040
)

// INFINITE is the GetStatusChange timeout that never expires.
const INFINITE uint32 = 0xFFFFFFFF

// ReaderStateIn is one reader entry passed to GetStatusChange.
type ReaderStateIn struct {
	ReaderName   string `value:"reader_name"`
	UserData     int64  `value:"user_data,optional"`
	CurrentState uint32 `value:"current_state"`
}

// ReaderStateOut is one reader entry GetStatusChange reports back.
type ReaderStateOut struct {
	ReaderName   string `value:"reader_name"`
	UserData     int64  `value:"user_data,optional"`
	CurrentState uint32 `value:"current_state"`
	EventState   uint32 `value:"event_state"`
	Atr          []byte `value:"atr"`
}

// IORequest is SCARD_IO_REQUEST: the protocol control information of a Transmit.
type IORequest struct {
	Protocol Protocol `value:"protocol"`
}

// CardStatus is what Status reports for a connected card.
type CardStatus struct {
	ReaderName string
	State      uint32
	Protocol   Protocol
	Atr        []byte
}
