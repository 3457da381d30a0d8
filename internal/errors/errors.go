// Package errors provides error codes and the failure taxonomy used by the
// synchronization core to decide what is retried and what is surfaced.
package errors

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// ErrorCode represents a stable, user-facing error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Remote errors
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrNoConnectivity ErrorCode = "OFFLINE"
	ErrServer         ErrorCode = "SERVER_ERROR"
	ErrClient         ErrorCode = "CLIENT_ERROR"
	ErrAuthFailed     ErrorCode = "AUTH_FAILED"
	ErrUnavailable    ErrorCode = "FEATURE_UNAVAILABLE"
	ErrParse          ErrorCode = "PARSE_ERROR"
	ErrContentInvalid ErrorCode = "CONTENT_INVALID"

	// Sync errors
	ErrSyncFailed   ErrorCode = "SYNC_FAILED"
	ErrUploadFailed ErrorCode = "UPLOAD_FAILED"
	ErrReplayFailed ErrorCode = "REPLAY_FAILED"
	ErrSyncTimeout  ErrorCode = "SYNC_TIMEOUT"
)

// Kind is the failure class of an error. Only network and server failures
// are worth another attempt.
type Kind string

const (
	KindNetwork  Kind = "network"
	KindServer   Kind = "server"
	KindClient   Kind = "client"
	KindContent  Kind = "content"
	KindParse    Kind = "parse"
	KindInternal Kind = "internal"
)

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindServer
}

// AppError represents an application error with code, kind and message.
type AppError struct {
	Code    ErrorCode
	Kind    Kind
	Message string
	// Status is the HTTP status for remote failures, zero otherwise.
	Status int
	Err    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches sentinel AppErrors by code, so errors.Is(err, ErrOffline) works
// for wrapped copies.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Kind == "" || t.Kind == e.Kind)
}

// Sentinels shared across packages.
var (
	ErrNotFoundSentinel   = &AppError{Code: ErrNotFound, Kind: KindClient, Message: "not found"}
	ErrFeatureUnavailable = &AppError{Code: ErrUnavailable, Kind: KindClient, Message: "feature unavailable on server"}
	ErrOffline            = &AppError{Code: ErrNoConnectivity, Kind: KindNetwork, Message: "no validated connectivity"}
	ErrUploadInFlight     = &AppError{Code: ErrUploadFailed, Kind: KindInternal, Message: "upload already in progress"}
)

// New creates a new AppError of internal kind.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Kind:    KindInternal,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Kind:    KindOf(err),
		Message: message,
		Err:     err,
	}
}

// WithKind wraps err as an AppError of the given kind.
func WithKind(kind Kind, code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Network wraps a transport-level failure.
func Network(message string, err error) *AppError {
	return WithKind(KindNetwork, ErrNetwork, message, err)
}

// Content wraps a local data failure that needs user action.
func Content(message string, err error) *AppError {
	return WithKind(KindContent, ErrContentInvalid, message, err)
}

// Parse wraps an unexpected response shape.
func Parse(message string, err error) *AppError {
	return WithKind(KindParse, ErrParse, message, err)
}

// HTTPStatus builds the error for a non-success HTTP response.
func HTTPStatus(status int, message string) *AppError {
	e := &AppError{Status: status, Message: message}
	switch {
	case status >= 500:
		e.Kind, e.Code = KindServer, ErrServer
	case status == 404:
		e.Kind, e.Code = KindClient, ErrNotFound
	case status == 401 || status == 403:
		e.Kind, e.Code = KindClient, ErrAuthFailed
	case status >= 400:
		e.Kind, e.Code = KindClient, ErrClient
	default:
		e.Kind, e.Code = KindParse, ErrParse
	}
	return e
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// KindOf classifies err into the failure taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Kind != "" {
		return appErr.Kind
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	// Certificate problems do not go away by retrying.
	var certErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if stderrors.As(err, &certErr) || stderrors.As(err, &authorityErr) || stderrors.As(err, &hostErr) {
		return KindClient
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return KindNetwork
	}

	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return KindNetwork
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindNetwork
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return KindNetwork
	}

	if stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.ENETUNREACH) || stderrors.Is(err, syscall.EHOSTUNREACH) {
		return KindNetwork
	}

	return KindInternal
}

// Retryable reports whether err is a network or server failure.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// StatusOf returns the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}

// UserMessage returns a short message suitable for the audit log.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNetwork:
		return "No connection to the server. Will retry automatically."
	case KindServer:
		return "The server reported an error. Will retry automatically."
	case KindClient:
		if Is(err, ErrNotFound) {
			return "The item no longer exists on the server."
		}
		if Is(err, ErrAuthFailed) {
			return "The server rejected the credentials. Please log in again."
		}
		return "The server rejected the change."
	case KindContent:
		return "The local file could not be read. Please check the scan."
	case KindParse:
		return "The server sent an unexpected response."
	default:
		return "Something went wrong."
	}
}
