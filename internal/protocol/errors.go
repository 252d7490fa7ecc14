package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownFormat     = errors.New("protocol: unknown format")
	ErrNativePayload     = errors.New("protocol: native payload cannot be serialized")
	ErrStatusOK          = errors.New("protocol: error status must not be ok")
	ErrNotCall           = errors.New("protocol: message is not a call")
	ErrUnsupportedFormat = errors.New("protocol: unsupported payload format")
)

// Unset marks an absent Error position field.
const Unset = -1

// Error is a protocol or service level failure. Status is never StatusOK.
type Error struct {
	Status      Status
	Description string
	Line        int
	Column      int
	Offset      int
}

// NewError builds an Error without position information.
func NewError(status Status, description string) *Error {
	return &Error{
		Status:      status,
		Description: description,
		Line:        Unset,
		Column:      Unset,
		Offset:      Unset,
	}
}

// Errorf formats the description.
func Errorf(status Status, format string, args ...any) *Error {
	return NewError(status, fmt.Sprintf(format, args...))
}

// WithPosition returns a copy carrying parse position details.
func (e *Error) WithPosition(line, column, offset int) *Error {
	out := *e
	out.Line = line
	out.Column = column
	out.Offset = offset
	return &out
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("protocol: %s", e.Status)
	}
	return fmt.Sprintf("protocol: %s: %s", e.Status, e.Description)
}

// AsError extracts a protocol Error from err. Any other non-nil error maps
// to StatusInternalError so a failing handler always produces a reply.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Status != StatusOK {
		return pe
	}
	return NewError(StatusInternalError, err.Error())
}
