package asr

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "", want: KindNoop},
		{in: "noop", want: KindNoop},
		{in: "Realtime", want: KindRealtime},
		{in: " deepgram ", want: KindDeepgram},
		{in: "whisper", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseKind(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
		if got.String() == "" {
			t.Errorf("Kind %d has empty name", got)
		}
	}
}

func TestCodeFromHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := map[int]Code{
		http.StatusBadRequest:          CodeBadRequestParameters,
		http.StatusUnauthorized:        CodeAuthenticationFailure,
		http.StatusForbidden:           CodeForbidden,
		http.StatusTooManyRequests:     CodeTooManyRequests,
		http.StatusGatewayTimeout:      CodeServiceTimeout,
		http.StatusInternalServerError: CodeServiceError,
		http.StatusTeapot:              CodeRuntimeError,
	}
	for status, want := range tests {
		if got := CodeFromHTTPStatus(status); got != want {
			t.Errorf("CodeFromHTTPStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestCodeOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "classified", err: fmt.Errorf("wrap: %w", &Error{Code: CodeForbidden}), want: CodeForbidden},
		{name: "deadline", err: context.DeadlineExceeded, want: CodeServiceTimeout},
		{name: "net timeout", err: timeoutErr{}, want: CodeServiceTimeout},
		{name: "dial", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: CodeConnectionFailure},
		{name: "certificate", err: x509.UnknownAuthorityError{}, want: CodeConnectionFailure},
		{name: "other", err: errors.New("boom"), want: CodeRuntimeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsCritical(t *testing.T) {
	t.Parallel()
	if !IsCritical(fmt.Errorf("dial: %w", x509.UnknownAuthorityError{})) {
		t.Error("unknown authority should be critical")
	}
	if !IsCritical(x509.HostnameError{Host: "example.com"}) {
		t.Error("hostname mismatch should be critical")
	}
	if IsCritical(errors.New("connection reset")) {
		t.Error("plain error should not be critical")
	}
	if !NewError(x509.UnknownAuthorityError{}).Critical {
		t.Error("NewError should carry the critical flag")
	}
}

func TestCode_MessageFallsBack(t *testing.T) {
	t.Parallel()
	if CodeServiceError.Message() == "" {
		t.Error("missing message for SERVICE_ERROR")
	}
	if got, want := Code("NOPE").Message(), CodeRuntimeError.Message(); got != want {
		t.Errorf("unknown code message = %q, want %q", got, want)
	}
}

func TestDialError(t *testing.T) {
	t.Parallel()
	resp := &http.Response{StatusCode: http.StatusUnauthorized}
	if got := DialError(resp, errors.New("expected handshake response status code 101")); got.Code != CodeAuthenticationFailure {
		t.Errorf("code = %s, want AUTHENTICATION_FAILURE", got.Code)
	}
	if got := DialError(nil, errors.New("no route")); got.Code != CodeConnectionFailure {
		t.Errorf("code = %s, want CONNECTION_FAILURE", got.Code)
	}
}

func TestReconnectPolicy_Delay(t *testing.T) {
	t.Parallel()
	p := ReconnectPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond}
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestReconnectPolicy_RetryStopsOnCritical(t *testing.T) {
	t.Parallel()
	p := ReconnectPolicy{MaxRetries: 5, Backoff: time.Millisecond}
	calls := 0
	err := p.Retry(context.Background(), "test", func(context.Context, int) error {
		calls++
		return x509.UnknownAuthorityError{}
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !IsCritical(err) {
		t.Errorf("err = %v, want critical", err)
	}
}

func TestReconnectPolicy_RetrySucceedsEventually(t *testing.T) {
	t.Parallel()
	p := ReconnectPolicy{MaxRetries: 3, Backoff: time.Millisecond}
	calls := 0
	err := p.Retry(context.Background(), "test", func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestReconnectPolicy_RetryExhausts(t *testing.T) {
	t.Parallel()
	p := ReconnectPolicy{MaxRetries: 2, Backoff: time.Millisecond}
	err := p.Retry(context.Background(), "test", func(context.Context, int) error {
		return &Error{Code: CodeServiceError}
	})
	if CodeOf(err) != CodeServiceError {
		t.Errorf("code = %s, want SERVICE_ERROR", CodeOf(err))
	}
}
