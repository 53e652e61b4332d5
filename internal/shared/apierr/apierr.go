// Package apierr carries typed errors across the external AI service
// boundaries so callers can classify failures without string matching.
package apierr

import (
	"errors"
	"fmt"
)

// Error is a structured failure from a collaborator API.
type Error struct {
	Provider   string // "gemini", "veo", "meshy"
	HTTPStatus int
	Code       string // provider status string, e.g. NOT_FOUND
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error (%d %s): %s", e.Provider, e.HTTPStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.HTTPStatus, e.Message)
}

// Credential reports whether the failure indicates a rejected credential.
func (e *Error) Credential() bool {
	switch e.HTTPStatus {
	case 401, 403:
		return true
	}
	switch e.Code {
	case "UNAUTHENTICATED", "PERMISSION_DENIED", "NOT_FOUND":
		return true
	}
	return false
}

// IsCredential reports whether err wraps a credential-class API error.
func IsCredential(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Credential()
	}
	return false
}
