package host

import (
	"testing"
	"time"
)

func TestParseSplitsOnLastColon(t *testing.T) {
	h, err := Parse("cass01.example.com:9160")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Address() != "cass01.example.com" || h.Port() != 9160 {
		t.Fatalf("got %q:%d", h.Address(), h.Port())
	}
}

func TestParseIPv6Bracketed(t *testing.T) {
	h, err := Parse("[::1]:9160")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Address() != "::1" || h.Port() != 9160 {
		t.Fatalf("got %q:%d", h.Address(), h.Port())
	}
}

func TestParseNoPort(t *testing.T) {
	if _, err := Parse("no-port-here"); err == nil {
		t.Fatal("expected error for missing port")
	}
}

func TestEqualityByAddressAndPortOnly(t *testing.T) {
	a := New("10.0.0.1", 9160, WithMaxPoolSize(5))
	b := New("10.0.0.1", 9160, WithMaxPoolSize(50), WithBorrowTimeout(time.Minute))
	if a.Key() != b.Key() {
		t.Fatalf("expected equal identity keys, got %+v vs %+v", a.Key(), b.Key())
	}
	if !a.Equal(b) {
		t.Fatal("expected Equal to ignore tunables")
	}
	c := New("10.0.0.2", 9160)
	if a.Equal(c) {
		t.Fatal("expected different address to be unequal")
	}
}

func TestDefaultsAndMaxIdleClamp(t *testing.T) {
	h := New("h", 1, WithMaxPoolSize(4), WithMaxIdle(100))
	if h.MaxIdle() != 4 {
		t.Fatalf("expected MaxIdle clamped to MaxPoolSize (4), got %d", h.MaxIdle())
	}
}

func TestStringRoundTrip(t *testing.T) {
	h := New("example.com", 9160)
	parsed, err := Parse(h.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", h.String(), err)
	}
	if !parsed.Equal(h) {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, h)
	}
}
