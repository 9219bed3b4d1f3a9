package bicherr

import (
	"errors"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{InvalidParameter, 400},
		{PayloadTooLarge, 400},
		{PermissionDenied, 401},
		{Forbidden, 403},
		{ResourceNotFound, 404},
		{RequestTimeout, 408},
		{AlreadyExists, 409},
		{TooManyRequest, 429},
		{InternalError, 500},
		{Kind(999), 500},
	}
	for _, c := range cases {
		if got := c.kind.HTTPStatus(); got != c.want {
			t.Errorf("%v.HTTPStatus() = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if got := InvalidParameter.String(); got != "InvalidParameter" {
		t.Errorf("String() = %q, want InvalidParameter", got)
	}
	if got := Kind(999).String(); got != "Unknown" {
		t.Errorf("String() on unknown kind = %q, want Unknown", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IoError, "failed to write", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}

func TestIs(t *testing.T) {
	err := New(ResourceNotFound, "account 7 not found")
	if !Is(err, ResourceNotFound) {
		t.Error("expected Is to match the error's own kind")
	}
	if Is(err, PermissionDenied) {
		t.Error("expected Is to reject a different kind")
	}
	if Is(errors.New("plain error"), ResourceNotFound) {
		t.Error("expected Is to reject a non-*Error")
	}
}

func TestToJSON(t *testing.T) {
	err := New(AlreadyExists, "account already exists")
	j := ToJSON(err)
	if j.Code != int(AlreadyExists) || j.Message != "account already exists" {
		t.Errorf("ToJSON() = %+v, unexpected shape", j)
	}

	plain := ToJSON(errors.New("boom"))
	if plain.Code != int(InternalError) {
		t.Errorf("ToJSON(plain) code = %d, want %d", plain.Code, int(InternalError))
	}
	if plain.Message != "internal error" {
		t.Error("expected ToJSON to avoid leaking the raw error message for non-*Error values")
	}
}
