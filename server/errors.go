package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lectorlabs/lector/browser"
	"github.com/lectorlabs/lector/storage"
)

// ErrorKind classifies request failures for the response envelope.
type ErrorKind string

const (
	KindInvalidArgument        ErrorKind = "InvalidArgument"
	KindUnauthenticated        ErrorKind = "Unauthenticated"
	KindInsufficientBalance    ErrorKind = "InsufficientBalance"
	KindRateLimited            ErrorKind = "RateLimited"
	KindUpstreamBrowserFailure ErrorKind = "UpstreamBrowserFailure"
	KindUpstreamModelFailure   ErrorKind = "UpstreamModelFailure"
	KindStorageFailure         ErrorKind = "StorageFailure"
	KindInternal               ErrorKind = "Internal"
)

// Envelope is the non-streaming error response body.
type Envelope struct {
	Code    ErrorKind `json:"code"`
	Message string    `json:"message"`
}

// status maps an ErrorKind to its HTTP status code.
func (k ErrorKind) status() int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamBrowserFailure, KindUpstreamModelFailure:
		return http.StatusBadGateway
	case KindStorageFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// classifyError maps an internal error onto an ErrorKind.
func classifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, browser.ErrUnavailable):
		return KindUpstreamBrowserFailure
	case errors.Is(err, storage.ErrNotFound):
		return KindStorageFailure
	default:
		return KindInternal
	}
}

// writeError writes the standard envelope.
func writeError(w http.ResponseWriter, kind ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.status())
	_ = json.NewEncoder(w).Encode(Envelope{Code: kind, Message: message})
}
