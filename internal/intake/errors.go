package intake

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies intake failures.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindDependency     Kind = "dependency"
	KindPersistence    Kind = "persistence"
)

// Machine-readable reasons carried in Error.Code.
const (
	CodeUnauthorized        = "unauthorized"
	CodeMissingFields       = "missing_fields"
	CodeMissingUserID       = "missing_user_id"
	CodeInvalidSource       = "invalid_source"
	CodeRecipeNotFound      = "recipe_not_found"
	CodeMissingContext      = "missing_context"
	CodeNotSchedulable      = "recipe_not_schedulable"
	CodeWorkspaceUnresolved = "workspace_unresolved"
	CodeLookupFailed        = "lookup_failed"
	CodeCreateFailed        = "create_failed"
)

// Error is the structured failure returned by Queue.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Missing lists the absent items for CodeMissingFields and CodeMissingContext.
	Missing []string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Missing) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to a response code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindDependency:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

func validationError(code, msg string, missing ...string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg, Missing: missing}
}

// Unauthorized builds an authentication failure.
func Unauthorized(msg string) *Error {
	return &Error{Kind: KindAuthentication, Code: CodeUnauthorized, Message: msg}
}

// MissingUserID is returned for service calls that omit user_id.
func MissingUserID() *Error {
	return validationError(CodeMissingUserID, "user_id is required for service calls")
}
