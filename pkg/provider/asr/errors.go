package asr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

// Code is a backend-agnostic failure class surfaced to end users.
type Code string

const (
	CodeAuthenticationFailure Code = "AUTHENTICATION_FAILURE"
	CodeBadRequestParameters  Code = "BAD_REQUEST_PARAMETERS"
	CodeTooManyRequests       Code = "TOO_MANY_REQUESTS"
	CodeConnectionFailure     Code = "CONNECTION_FAILURE"
	CodeServiceTimeout        Code = "SERVICE_TIMEOUT"
	CodeServiceError          Code = "SERVICE_ERROR"
	CodeRuntimeError          Code = "RUNTIME_ERROR"
	CodeForbidden             Code = "FORBIDDEN"
	CodeStartupTimeout        Code = "STARTUP_TIMEOUT"
	CodeStartupError          Code = "STARTUP_ERROR"
)

var codeMessages = map[Code]string{
	CodeAuthenticationFailure: "Transcription unavailable: the speech service rejected the credentials.",
	CodeBadRequestParameters:  "Transcription unavailable: the speech service rejected the stream configuration.",
	CodeTooManyRequests:       "Transcription paused: the speech service is rate limiting this account.",
	CodeConnectionFailure:     "Transcription interrupted: the speech service could not be reached.",
	CodeServiceTimeout:        "Transcription interrupted: the speech service stopped responding.",
	CodeServiceError:          "Transcription interrupted: the speech service reported an internal error.",
	CodeRuntimeError:          "Transcription interrupted by an unexpected error.",
	CodeForbidden:             "Transcription unavailable: access to the speech service is forbidden.",
	CodeStartupTimeout:        "Transcription unavailable: the speech service did not start in time.",
	CodeStartupError:          "Transcription unavailable: the speech service failed to start.",
}

// Message returns the human-readable description shown to end users.
func (c Code) Message() string {
	if m, ok := codeMessages[c]; ok {
		return m
	}
	return codeMessages[CodeRuntimeError]
}

// Error is a classified backend failure.
type Error struct {
	Code Code

	// Critical failures suppress automatic reconnection.
	Critical bool

	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "asr: " + string(e.Code)
	}
	return fmt.Sprintf("asr: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies err. An err that already is an *Error is returned as is.
func NewError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeOf(err), Critical: IsCritical(err), Err: err}
}

// Errorf returns an *Error with an explicit code.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf classifies an arbitrary error into the shared taxonomy.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeServiceTimeout
	}
	if IsCritical(err) {
		return CodeConnectionFailure
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		return CodeForbidden
	case websocket.StatusInternalError:
		return CodeServiceError
	case websocket.StatusTryAgainLater:
		return CodeTooManyRequests
	case websocket.StatusInvalidFramePayloadData, websocket.StatusUnsupportedData:
		return CodeBadRequestParameters
	case websocket.StatusGoingAway, websocket.StatusAbnormalClosure:
		return CodeConnectionFailure
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeServiceTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return CodeConnectionFailure
	}
	return CodeRuntimeError
}

// CodeFromHTTPStatus maps an HTTP status returned by a provider (for example
// during a WebSocket upgrade or a token request) into the taxonomy.
func CodeFromHTTPStatus(status int) Code {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return CodeBadRequestParameters
	case status == http.StatusUnauthorized, status == http.StatusPaymentRequired:
		return CodeAuthenticationFailure
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CodeServiceTimeout
	case status == http.StatusTooManyRequests:
		return CodeTooManyRequests
	case status >= 500:
		return CodeServiceError
	}
	return CodeRuntimeError
}

// DialError classifies a failed WebSocket dial. resp is the handshake
// response, if any.
func DialError(resp *http.Response, err error) *Error {
	if resp != nil && resp.StatusCode >= 400 {
		return &Error{Code: CodeFromHTTPStatus(resp.StatusCode), Err: err}
	}
	ae := NewError(err)
	if ae.Code == CodeRuntimeError {
		ae.Code = CodeConnectionFailure
	}
	return ae
}

// IsCritical reports whether err is a certificate trust failure. Reconnecting
// cannot fix these, so backends give up immediately.
func IsCritical(err error) bool {
	if err == nil {
		return false
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Critical {
		return true
	}
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &hostname) ||
		errors.As(err, &verification)
}
