package modules

import (
	"fmt"
	"net/http"
)

const (
	codeInvalidParams = -32602
	codeServerError   = -32000
)

// ModuleError carries both the JSON-RPC error payload and the HTTP status the
// transport should write alongside it.
type ModuleError struct {
	HTTPStatus int
	Code       int
	Message    string
	Data       interface{}
}

// Error implements the error interface for logging call sites.
func (e *ModuleError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc module error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...interface{}) *ModuleError {
	return &ModuleError{
		HTTPStatus: http.StatusBadRequest,
		Code:       codeInvalidParams,
		Message:    fmt.Sprintf(format, args...),
	}
}

func serverError(format string, args ...interface{}) *ModuleError {
	return &ModuleError{
		HTTPStatus: http.StatusInternalServerError,
		Code:       codeServerError,
		Message:    fmt.Sprintf(format, args...),
	}
}
