// Package errors provides structured error handling for configuration and
// host-adapter failures.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Flow configuration errors
	CodeConfigInvalid          Code = "CONFIG_INVALID"
	CodeProviderDuplicate      Code = "PROVIDER_DUPLICATE"
	CodeProviderUnknown        Code = "PROVIDER_UNKNOWN"
	CodeDefaultProviderMissing Code = "DEFAULT_PROVIDER_MISSING"
	CodeChooserWithDefault     Code = "CHOOSER_WITH_DEFAULT"
	CodeAnonymousOnly          Code = "ANONYMOUS_ONLY"

	// Flow lifecycle errors
	CodeFlowDisposed      Code = "FLOW_DISPOSED"
	CodeFlowStateMismatch Code = "FLOW_STATE_MISMATCH"

	// Request errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes for the host adapter.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeConfigInvalid,
		CodeProviderDuplicate,
		CodeProviderUnknown,
		CodeDefaultProviderMissing,
		CodeChooserWithDefault,
		CodeAnonymousOnly,
		CodeInvalidArgument:
		return http.StatusBadRequest

	case CodeFlowDisposed:
		return http.StatusGone

	case CodeFlowStateMismatch:
		return http.StatusConflict

	case CodeNotFound:
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}
