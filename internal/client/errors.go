package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrServer       = errors.New("server error")
	ErrTimeout      = errors.New("request timeout")
	ErrNetwork      = errors.New("network error")
	ErrBusiness     = errors.New("business error")
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status    int
	Code      int
	Message   string
	RequestID string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d", e.Status)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrBadRequest:
		return e.Status == http.StatusBadRequest
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrServer:
		return e.Status >= http.StatusInternalServerError
	}
	return false
}

// BusinessError is a 2xx response whose envelope reports success=false.
type BusinessError struct {
	Code      int
	Message   string
	RequestID string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("business error %d: %s", e.Code, e.Message)
}

func (e *BusinessError) Is(target error) bool {
	switch target {
	case ErrBusiness:
		return true
	case ErrUnauthorized:
		return IsAuthCode(e.Code)
	case ErrForbidden:
		return e.Code == http.StatusForbidden || e.Code == 40003
	case ErrNotFound:
		return e.Code == 40004
	}
	return false
}

// NetworkError means no response was received.
type NetworkError struct {
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("request timeout: %v", e.Err)
	}
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return true
	case ErrTimeout:
		return e.Timeout
	}
	return false
}

// IsAuthCode reports whether an envelope code means the session is no
// longer accepted.
func IsAuthCode(code int) bool {
	switch code {
	case http.StatusUnauthorized, 40101, 40102, 40103:
		return true
	}
	return false
}
