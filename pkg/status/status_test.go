package status

import (
	"errors"
	"testing"
)

func TestOK(t *testing.T) {
	s := OK()
	if !s.IsOK() || s.IsError() || s.IsNotSupported() {
		t.Fatalf("OK() = %v, want only IsOK", s)
	}
	if s.Err() != nil {
		t.Fatalf("OK().Err() = %v, want nil", s.Err())
	}
}

func TestNotSupported(t *testing.T) {
	s := NotSupported()
	if !s.IsNotSupported() || s.IsOK() || s.IsError() {
		t.Fatalf("NotSupported() = %v, want only IsNotSupported", s)
	}
}

func TestError(t *testing.T) {
	cause := errors.New("boom")
	s := Error(cause)
	if !s.IsError() || s.IsOK() || s.IsNotSupported() {
		t.Fatalf("Error() = %v, want only IsError", s)
	}
	if !errors.Is(s.Err(), cause) {
		t.Fatalf("Err() = %v, want %v", s.Err(), cause)
	}
}

func TestErrorf(t *testing.T) {
	s := Errorf("rule %d malformed", 7)
	if !s.IsError() {
		t.Fatalf("Errorf() should be an Error status")
	}
	if s.Err().Error() != "rule 7 malformed" {
		t.Fatalf("Err() = %q, want %q", s.Err().Error(), "rule 7 malformed")
	}
}

func TestString(t *testing.T) {
	if OK().String() != "OK" {
		t.Fatalf("OK().String() = %q", OK().String())
	}
	if NotSupported().String() != "NotSupported" {
		t.Fatalf("NotSupported().String() = %q", NotSupported().String())
	}
	if Error(errors.New("x")).String() != "Error: x" {
		t.Fatalf("Error().String() = %q", Error(errors.New("x")).String())
	}
}
