package ledger

import "fmt"

// ErrorCode identifies a ledger failure mode. Callers branch on the code,
// not on the formatted message.
type ErrorCode string

const (
	ErrCodeCorruption   ErrorCode = "LEDGER_ERR_CORRUPTION"
	ErrCodeStorageIO    ErrorCode = "LEDGER_ERR_STORAGE_IO"
	ErrCodeFull         ErrorCode = "LEDGER_ERR_FULL"
	ErrCodeNotFound     ErrorCode = "LEDGER_ERR_NOT_FOUND"
	ErrCodeUnsafeTrunc  ErrorCode = "LEDGER_ERR_UNSAFE_TRUNCATE"
	ErrCodeSuperblock   ErrorCode = "LEDGER_ERR_SUPERBLOCK_QUORUM"
	ErrCodeBadFrame     ErrorCode = "LEDGER_ERR_BAD_FRAME"
)

// Error is the typed error every exported ledger operation returns.
type Error struct {
	Code ErrorCode
	Offset int64 // meaningful for ErrCodeCorruption, else 0
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Code == ErrCodeCorruption {
		msg = fmt.Sprintf("%s (offset=%d)", msg, e.Offset)
	}
	if e.Err != nil {
		return fmt.Sprintf("ledger: %s: %v", msg, e.Err)
	}
	return fmt.Sprintf("ledger: %s", msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(code ErrorCode, msg string, wrapped error) error {
	return &Error{Code: code, Msg: msg, Err: wrapped}
}

func newCorruptionErr(offset int64, msg string) error {
	return &Error{Code: ErrCodeCorruption, Offset: offset, Msg: msg}
}
