package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New("stream", CodeAuth, WithMessage("no signer configured"))
	wrapped := fmt.Errorf("subscribe fill: %w", err)

	if !errors.Is(wrapped, ErrAuth) {
		t.Fatal("expected wrapped auth error to match ErrAuth")
	}
	if errors.Is(wrapped, ErrSubscription) {
		t.Fatal("auth error must not match ErrSubscription")
	}
	if got := CodeOf(wrapped); got != CodeAuth {
		t.Fatalf("CodeOf = %q, want %q", got, CodeAuth)
	}
}

func TestUnwrapCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("stream", CodeTransport, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}

func TestErrorRendering(t *testing.T) {
	err := New("execution", CodeSubmission,
		WithMessage("insufficient margin"),
		WithRawCode("2006"),
		WithField("product_id", "2"),
		WithField("order_id", "0xabc"),
	)
	got := err.Error()
	for _, want := range []string{"execution:", "code=submission", `message="insufficient margin"`, "raw_code=2006", `order_id="0xabc"`, `product_id="2"`} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
	if strings.Index(got, "order_id") > strings.Index(got, "product_id") {
		t.Errorf("fields not sorted: %q", got)
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("x")); got != "" {
		t.Fatalf("CodeOf(plain) = %q", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("CodeOf(nil) = %q", got)
	}
}
