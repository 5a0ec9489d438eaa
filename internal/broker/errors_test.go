package broker

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassOfDefaultsTransient(t *testing.T) {
	t.Parallel()
	if got := ClassOf(errors.New("connection reset")); got != Transient {
		t.Errorf("ClassOf(plain error) = %s, want TRANSIENT", got)
	}
}

func TestClassOfUnwraps(t *testing.T) {
	t.Parallel()
	inner := NewError("kraken", CodeAuth, Fatal, "", errors.New("invalid key"))
	wrapped := fmt.Errorf("connect: %w", inner)

	if got := ClassOf(wrapped); got != Fatal {
		t.Errorf("ClassOf = %s, want FATAL through the wrap", got)
	}
	if got := CodeOf(wrapped); got != CodeAuth {
		t.Errorf("CodeOf = %s, want AUTH", got)
	}
	if !IsCode(wrapped, CodeAuth) {
		t.Error("IsCode should see AUTH through the wrap")
	}
	if IsCode(wrapped, CodeRateLimited) {
		t.Error("IsCode matched the wrong code")
	}
}

func TestErrorMessageFormat(t *testing.T) {
	t.Parallel()
	err := NewError("coinbase", CodeMinNotional, Business, "BTC-USD", errors.New("too small"))
	want := "coinbase/MIN_NOTIONAL BTC-USD: too small"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestClassifyHTTP(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		code   Code
		class  Class
	}{
		{429, CodeRateLimited, Transient},
		{401, CodeAuth, Fatal},
		// 403 blocks outlast bursts but do clear; only 401 halts the account.
		{403, CodePermission, Transient},
		{404, CodeNotFound, Business},
		{500, CodeVenueUnavailable, Transient},
		{503, CodeVenueUnavailable, Transient},
		{400, CodeOrderRejected, Business},
		{422, CodeOrderRejected, Business},
	}
	for _, tc := range cases {
		code, class := classifyHTTP(tc.status)
		if code != tc.code || class != tc.class {
			t.Errorf("classifyHTTP(%d) = %s/%s, want %s/%s",
				tc.status, code, class, tc.code, tc.class)
		}
	}
}
