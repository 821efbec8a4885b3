package app

import (
	"fmt"

	"gridbook/api/internal/gate"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// denialError lifts a gate refusal into the error shape the HTTP
// boundary maps.
func denialError(d *gate.Denial) *DomainError {
	return &DomainError{
		Status:  d.Status,
		Code:    d.Code,
		Message: d.Message,
	}
}
