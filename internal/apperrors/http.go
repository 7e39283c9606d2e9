package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, ErrCompute):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// JSON-RPC 2.0 error codes. The -320xx range is reserved for implementation-defined
// server errors.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
	RPCUnknownJob     = -32004
	RPCNotReady       = -32009
	RPCConflict       = -32010
	RPCCompute        = -32022
	RPCUnavailable    = -32053
)

// RPCCode maps an error to a JSON-RPC fault code.
func RPCCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return RPCInvalidParams
	case errors.Is(err, ErrNotFound):
		return RPCUnknownJob
	case errors.Is(err, ErrNotReady):
		return RPCNotReady
	case errors.Is(err, ErrConflict):
		return RPCConflict
	case errors.Is(err, ErrCompute):
		return RPCCompute
	case errors.Is(err, ErrUnavailable):
		return RPCUnavailable
	default:
		return RPCInternalError
	}
}
