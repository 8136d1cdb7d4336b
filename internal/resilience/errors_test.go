package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	if IsTransient(errors.New("invalid input: missing field")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	if !IsTransient(fmt.Errorf("write tcp: %w", syscall.ECONNRESET)) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	if !IsTransient(&net.DNSError{IsTimeout: true, Err: "timeout"}) {
		t.Error("network timeout should be transient")
	}
}

func TestIsRateLimited_Wrapped(t *testing.T) {
	inner := NewRateLimitError(errors.New("429 too many requests"), 2*time.Second)
	wrapped := fmt.Errorf("places search: %w", inner)
	if !IsRateLimited(wrapped) {
		t.Error("expected wrapped RateLimitError to be rate limited")
	}
	if !IsTransient(wrapped) {
		t.Error("rate limit errors are also transient")
	}
	if IsRateLimited(NewTransientError(errors.New("503"), 503)) {
		t.Error("a 503 is not a rate-limit signal")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{NewRateLimitError(errors.New("slow down"), 0), "rate_limited"},
		{NewValidationError(errors.New("industry is required")), "validation"},
		{NewUnavailableError("anthropic", errors.New("no api key")), "unavailable"},
		{fmt.Errorf("breaker: %w", ErrCircuitOpen), "unavailable"},
		{NewTransientError(errors.New("bad gateway"), 502), "transient"},
		{errors.New("boom"), "permanent"},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestFromHTTPStatus(t *testing.T) {
	base := errors.New("provider said no")

	if !IsRateLimited(FromHTTPStatus(base, 429, time.Second)) {
		t.Error("429 should map to a rate-limit error")
	}
	if !IsUnavailable(FromHTTPStatus(base, 401, 0)) {
		t.Error("401 should map to unavailable")
	}
	if err := FromHTTPStatus(base, 503, 0); !IsTransient(err) || IsRateLimited(err) {
		t.Error("503 should be transient but not rate limited")
	}
	if err := FromHTTPStatus(base, 400, 0); err != base {
		t.Error("400 should pass through unchanged")
	}
}

func TestUnavailableError_Message(t *testing.T) {
	err := NewUnavailableError("perplexity", errors.New("missing key"))
	if err.Error() != "perplexity unavailable: missing key" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
