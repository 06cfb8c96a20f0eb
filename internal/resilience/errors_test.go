package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	wrapped := fmt.Errorf("api call failed: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_ConnectionRefused(t *testing.T) {
	err := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	if !IsTransient(err) {
		t.Error("ECONNREFUSED should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range patterns {
		err := errors.New(p)
		if !IsTransient(err) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	transient := []int{408, 429, 500, 502, 503, 504}
	for _, code := range transient {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}

	permanent := []int{200, 201, 400, 401, 403, 404, 405, 409, 422}
	for _, code := range permanent {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)

	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}

	if te.StatusCode != 500 {
		t.Errorf("expected StatusCode 500, got %d", te.StatusCode)
	}
}

func TestTransientError_ErrorMessage(t *testing.T) {
	inner := errors.New("something went wrong")
	te := NewTransientError(inner, 503)

	if te.Error() != "something went wrong" {
		t.Errorf("expected error message %q, got %q", inner.Error(), te.Error())
	}
}

func TestCheckStatus(t *testing.T) {
	if err := CheckStatus("overpass", 200, nil); err != nil {
		t.Fatalf("expected nil for 200, got %v", err)
	}

	err := CheckStatus("overpass", 503, []byte("  too busy  "))
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if StatusCode(err) != 503 {
		t.Errorf("expected status 503, got %d", StatusCode(err))
	}
	if !IsTransient(err) {
		t.Error("503 status error should be transient")
	}
	if err.Error() != "overpass: unexpected status 503: too busy" {
		t.Errorf("unexpected message %q", err.Error())
	}

	if IsTransient(CheckStatus("google", 403, nil)) {
		t.Error("403 status error should not be transient")
	}
}

func TestCheckStatus_TruncatesBody(t *testing.T) {
	body := make([]byte, 1000)
	for i := range body {
		body[i] = 'x'
	}
	var se *StatusError
	if !errors.As(CheckStatus("google", 500, body), &se) {
		t.Fatal("expected *StatusError")
	}
	if len(se.Body) != 256 {
		t.Errorf("expected truncated body of 256, got %d", len(se.Body))
	}
}

func TestStatusCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &StatusError{Service: "overpass", StatusCode: 429})
	if StatusCode(err) != 429 {
		t.Errorf("expected 429, got %d", StatusCode(err))
	}
	if StatusCode(errors.New("dial tcp: refused")) != 0 {
		t.Error("expected 0 for non-HTTP error")
	}
}
