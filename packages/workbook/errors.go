package workbook

import "fmt"

// AppErrorCode represents gRPC-style error codes for application-level errors.
// Only the codes the workbook returns are declared.
type AppErrorCode int

const (
	// InvalidArgument indicates the caller passed a malformed address,
	// formula, name or value.
	InvalidArgument AppErrorCode = 3

	// NotFound means a worksheet or defined name was not found.
	NotFound AppErrorCode = 5

	// AlreadyExists means an attempt to create a worksheet failed because
	// one already exists under that name.
	AlreadyExists AppErrorCode = 6

	// FailedPrecondition indicates the workbook is not in a state required
	// for the operation.
	FailedPrecondition AppErrorCode = 9

	// OutOfRange means a structural edit was attempted past the grid.
	OutOfRange AppErrorCode = 11
)

var codeNames = map[AppErrorCode]string{
	InvalidArgument:    "InvalidArgument",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	FailedPrecondition: "FailedPrecondition",
	OutOfRange:         "OutOfRange",
}

func (c AppErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("AppErrorCode(%d)", int(c))
}

// AppError represents errors at the application level (not spreadsheet
// formula errors).
type AppError struct {
	Code    AppErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any *AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// NewApplicationError creates a new application error.
func NewApplicationError(code AppErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func wrapError(code AppErrorCode, err error, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}
