// Package pcsc describes the PC/SC call surface the broker forwards to, along
// with its constants and an in-memory engine.
package pcsc

import (
	"errors"
	"fmt"
)

// ReturnCode is a PC/SC status code. Every non-success code is also an error,
// so engine methods can return it directly.
type ReturnCode uint32

const (
	SCARD_S_SUCCESS              ReturnCode = 0x00000000
	SCARD_F_INTERNAL_ERROR       ReturnCode = 0x80100001
	SCARD_E_CANCELLED            ReturnCode = 0x80100002
	SCARD_E_INVALID_HANDLE       ReturnCode = 0x80100003
	SCARD_E_INVALID_PARAMETER    ReturnCode = 0x80100004
	SCARD_E_INVALID_TARGET       ReturnCode = 0x80100005
	SCARD_E_NO_MEMORY            ReturnCode = 0x80100006
	SCARD_F_WAITED_TOO_LONG      ReturnCode = 0x80100007
	SCARD_E_INSUFFICIENT_BUFFER  ReturnCode = 0x80100008
	SCARD_E_UNKNOWN_READER       ReturnCode = 0x80100009
	SCARD_E_TIMEOUT              ReturnCode = 0x8010000A
	SCARD_E_SHARING_VIOLATION    ReturnCode = 0x8010000B
	SCARD_E_NO_SMARTCARD         ReturnCode = 0x8010000C
	SCARD_E_UNKNOWN_CARD         ReturnCode = 0x8010000D
	SCARD_E_CANT_DISPOSE         ReturnCode = 0x8010000E
	SCARD_E_PROTO_MISMATCH       ReturnCode = 0x8010000F
	SCARD_E_NOT_READY            ReturnCode = 0x80100010
	SCARD_E_INVALID_VALUE        ReturnCode = 0x80100011
	SCARD_E_SYSTEM_CANCELLED     ReturnCode = 0x80100012
	SCARD_F_COMM_ERROR           ReturnCode = 0x80100013
	SCARD_F_UNKNOWN_ERROR        ReturnCode = 0x80100014
	SCARD_E_INVALID_ATR          ReturnCode = 0x80100015
	SCARD_E_NOT_TRANSACTED       ReturnCode = 0x80100016
	SCARD_E_READER_UNAVAILABLE   ReturnCode = 0x80100017
	SCARD_E_NO_SERVICE           ReturnCode = 0x8010001D
	SCARD_E_SERVICE_STOPPED      ReturnCode = 0x8010001E
	SCARD_E_UNSUPPORTED_FEATURE  ReturnCode = 0x8010001F
	SCARD_E_NO_READERS_AVAILABLE ReturnCode = 0x8010002E
	SCARD_W_UNSUPPORTED_CARD     ReturnCode = 0x80100065
	SCARD_W_UNRESPONSIVE_CARD    ReturnCode = 0x80100066
	SCARD_W_UNPOWERED_CARD       ReturnCode = 0x80100067
	SCARD_W_RESET_CARD           ReturnCode = 0x80100068
	SCARD_W_REMOVED_CARD         ReturnCode = 0x80100069
)

var codeText = map[ReturnCode]string{
	SCARD_S_SUCCESS:              "Command successful.",
	SCARD_F_INTERNAL_ERROR:       "Internal error.",
	SCARD_E_CANCELLED:            "Command cancelled.",
	SCARD_E_INVALID_HANDLE:       "Invalid handle.",
	SCARD_E_INVALID_PARAMETER:    "Invalid parameter given.",
	SCARD_E_INVALID_TARGET:       "Invalid target given.",
	SCARD_E_NO_MEMORY:            "Not enough memory.",
	SCARD_F_WAITED_TOO_LONG:      "Waited too long.",
	SCARD_E_INSUFFICIENT_BUFFER:  "Insufficient buffer.",
	SCARD_E_UNKNOWN_READER:       "Unknown reader specified.",
	SCARD_E_TIMEOUT:              "Command timeout.",
	SCARD_E_SHARING_VIOLATION:    "Sharing violation.",
	SCARD_E_NO_SMARTCARD:         "No smart card inserted.",
	SCARD_E_UNKNOWN_CARD:         "Unknown card.",
	SCARD_E_CANT_DISPOSE:         "Cannot dispose handle.",
	SCARD_E_PROTO_MISMATCH:       "Card protocol mismatch.",
	SCARD_E_NOT_READY:            "Subsystem not ready.",
	SCARD_E_INVALID_VALUE:        "Invalid value given.",
	SCARD_E_SYSTEM_CANCELLED:     "System cancelled.",
	SCARD_F_COMM_ERROR:           "RPC transport error.",
	SCARD_F_UNKNOWN_ERROR:        "Unknown error.",
	SCARD_E_INVALID_ATR:          "Invalid ATR.",
	SCARD_E_NOT_TRANSACTED:       "Transaction failed.",
	SCARD_E_READER_UNAVAILABLE:   "Reader is unavailable.",
	SCARD_E_NO_SERVICE:           "Service not available.",
	SCARD_E_SERVICE_STOPPED:      "Service was stopped.",
	SCARD_E_UNSUPPORTED_FEATURE:  "Feature not supported.",
	SCARD_E_NO_READERS_AVAILABLE: "Cannot find a smart card reader.",
	SCARD_W_UNSUPPORTED_CARD:     "Card is not supported.",
	SCARD_W_UNRESPONSIVE_CARD:    "Card is unresponsive.",
	SCARD_W_UNPOWERED_CARD:       "Card is unpowered.",
	SCARD_W_RESET_CARD:           "Card was reset.",
	SCARD_W_REMOVED_CARD:         "Card was removed.",
}

// StringifyError is the human-readable text for a status code.
func StringifyError(code ReturnCode) string {
	if text, ok := codeText[code]; ok {
		return text
	}
	return fmt.Sprintf("Unknown error: 0x%08X", uint32(code))
}

func (c ReturnCode) Error() string {
	return fmt.Sprintf("%s (0x%08X)", StringifyError(c), uint32(c))
}

// CodeOf maps an engine error to a status code: nil is success, a ReturnCode
// is itself, and anything else is an internal error.
func CodeOf(err error) ReturnCode {
	if err == nil {
		return SCARD_S_SUCCESS
	}
	var code ReturnCode
	if errors.As(err, &code) {
		return code
	}
	return SCARD_F_INTERNAL_ERROR
}

// AsError turns a status code into an engine error: nil for success.
func AsError(code ReturnCode) error {
	if code == SCARD_S_SUCCESS {
		return nil
	}
	return code
}
