package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticTokenValidate(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty stored token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "empty presented token denied", stored: "abc", input: "", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})
	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestFromConfigAndBearerToken(t *testing.T) {
	if FromConfig("  ") != nil {
		t.Fatalf("blank token must leave the surface open")
	}
	v := FromConfig("s3cret")

	r := httptest.NewRequest(http.MethodGet, "/hops", nil)
	if got := BearerToken(r); got != "" {
		t.Fatalf("token without header: %q", got)
	}
	r.Header.Set("Authorization", "Basic s3cret")
	if got := BearerToken(r); got != "" {
		t.Fatalf("basic scheme accepted: %q", got)
	}
	r.Header.Set("Authorization", "bearer  s3cret ")
	if err := v.Validate(BearerToken(r)); err != nil {
		t.Fatalf("bearer token rejected: %v", err)
	}
}
