package recipe

import "fmt"

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeMissingRecipe   Code = "RECIPE_001"
	CodeEmptySteps      Code = "RECIPE_004"
	CodeInvalidDocument Code = "RECIPE_900"

	CodeInvalidState         Code = "RECIPE_100"
	CodeNoRecipe             Code = "RECIPE_101"
	CodeHardwareDisconnected Code = "RECIPE_102"
	CodeSafetyDenied         Code = "RECIPE_103"
	CodeLoadCancelled        Code = "RECIPE_104"
	CodeEngineFailure        Code = "RECIPE_200"
	CodeEngineRefused        Code = "RECIPE_201"
	CodeHubClosed            Code = "RECIPE_300"
	CodeSafetyAbort          Code = "RECIPE_301"
)

// Error is returned by every Hub operation that fails. errors.Is matches
// on Code, so callers can compare against the Err* values.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrMissingRecipe        = &Error{Code: CodeMissingRecipe, Message: "recipe is required"}
	ErrEmptySteps           = &Error{Code: CodeEmptySteps, Message: "recipe has no steps"}
	ErrInvalidState         = &Error{Code: CodeInvalidState, Message: "operation not allowed in current state"}
	ErrNoRecipe             = &Error{Code: CodeNoRecipe, Message: "no recipe loaded"}
	ErrHardwareDisconnected = &Error{Code: CodeHardwareDisconnected, Message: "robot hardware not connected"}
	ErrSafetyDenied         = &Error{Code: CodeSafetyDenied, Message: "safety conditions do not permit robot operation"}
	ErrEngineFailure        = &Error{Code: CodeEngineFailure, Message: "recipe engine failed"}
	ErrEngineRefused        = &Error{Code: CodeEngineRefused, Message: "recipe engine refused the request"}
	ErrHubClosed            = &Error{Code: CodeHubClosed, Message: "recipe hub is closed"}
)

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
