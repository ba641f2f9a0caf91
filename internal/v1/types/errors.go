package types

import "fmt"

// ErrorCode is the machine-readable code carried by room:error frames and
// REST error bodies.
type ErrorCode string

const (
	ErrCodeRoomNotFound  ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeRoomClosed    ErrorCode = "ROOM_CLOSED"
	ErrCodeRoomFull      ErrorCode = "ROOM_FULL"
	ErrCodeInvalidName   ErrorCode = "INVALID_NAME"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeNotInRoom     ErrorCode = "NOT_IN_ROOM"
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimited   ErrorCode = "RATE_LIMITED"
	ErrCodeProviderError ErrorCode = "PROVIDER_ERROR"
	ErrCodeToolTimeout   ErrorCode = "TOOL_TIMEOUT"
)

// WireError is the error shape delivered to clients. It satisfies the error
// interface so component boundaries can return it directly.
type WireError struct {
	Code    ErrorCode  `json:"code"`
	Message string     `json:"message"`
	RoomID  RoomIDType `json:"roomId,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewWireError builds a WireError with a formatted message.
func NewWireError(code ErrorCode, roomID RoomIDType, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...), RoomID: roomID}
}

// CodeOf extracts the ErrorCode from err, or INVALID_INPUT when err is not a
// WireError.
func CodeOf(err error) ErrorCode {
	if we, ok := err.(*WireError); ok {
		return we.Code
	}
	return ErrCodeInvalidInput
}
