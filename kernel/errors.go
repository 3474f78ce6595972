package kernel

import "fmt"

// ErrorCode identifies a kernel command failure. Every failure mode is
// total: apply_committed never panics, it returns one of these.
type ErrorCode string

const (
	ErrCodeStreamExists     ErrorCode = "KERNEL_ERR_STREAM_EXISTS"
	ErrCodeStreamNotFound   ErrorCode = "KERNEL_ERR_STREAM_NOT_FOUND"
	ErrCodeOffsetMismatch   ErrorCode = "KERNEL_ERR_OFFSET_MISMATCH"
	ErrCodeConsentRequired  ErrorCode = "KERNEL_ERR_CONSENT_REQUIRED"
	ErrCodeReconfigInFlight ErrorCode = "KERNEL_ERR_RECONFIG_IN_FLIGHT"
	ErrCodeInvalidReconfig  ErrorCode = "KERNEL_ERR_INVALID_RECONFIG"
	ErrCodeUnknownStandby   ErrorCode = "KERNEL_ERR_UNKNOWN_STANDBY"
	ErrCodeUnknownCommand   ErrorCode = "KERNEL_ERR_UNKNOWN_COMMAND"
)

// Error is the typed error every kernel command returns on failure.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func kerr(code ErrorCode, msg string) error {
	return &Error{Code: code, Msg: msg}
}
