package app

import (
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidOperation = "INVALID_OPERATION"
	CodeConflict         = "CONFLICT"
	CodeServer           = "SERVER_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

// invalidInput turns an ozzo-validation result into a ValidationError that
// reports each failing field.
func invalidInput(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		return validationError("Invalid input", fieldErrs)
	}
	return validationError(err.Error(), nil)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func invalidOperation(message string) *DomainError {
	return domainError(http.StatusConflict, CodeInvalidOperation, message, nil)
}

func conflictError(message string) *DomainError {
	return domainError(http.StatusConflict, CodeConflict, message, nil)
}

func internalError(err error) *DomainError {
	return &DomainError{
		Status:  http.StatusInternalServerError,
		Code:    CodeServer,
		Message: "Server error",
		Err:     err,
	}
}
