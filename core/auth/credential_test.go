package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid", "Bearer abc.def", "abc.def", true},
		{"trailing space trimmed", "Bearer tok  ", "tok", true},
		{"missing", "", "", false},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", false},
		{"lowercase scheme", "bearer tok", "", false},
		{"no space", "Bearertok", "", false},
		{"empty token", "Bearer ", "", false},
		{"blank token", "Bearer    ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/job/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got, err := BearerToken(req)
			if tc.ok {
				if err != nil || got != tc.want {
					t.Fatalf("got %q, %v; want %q", got, err, tc.want)
				}
				return
			}
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected unauthorized, got %q, %v", got, err)
			}
		})
	}
}

func TestBearerTokenNilRequest(t *testing.T) {
	if _, err := BearerToken(nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized")
	}
}
