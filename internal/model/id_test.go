package model

import (
	"net/http"
	"strings"
	"testing"
)

func TestGenerateTaskID(t *testing.T) {
	a := GenerateTaskID()
	b := GenerateTaskID()
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if len(a) != 32 {
		t.Errorf("id length: got %d, want 32", len(a))
	}
	if strings.ContainsAny(a, "-_.") {
		t.Errorf("id contains separator characters: %s", a)
	}
}

func TestSanitizeAccount(t *testing.T) {
	tests := []struct {
		in, fallback, want string
	}{
		{"shop-1", "", "shop-1"},
		{"  shop 1/../x ", "", "shop1x"},
		{"", "main", "main"},
		{"!!!", "", DefaultAccount},
		{"", "$$", DefaultAccount},
		{"ACME_co", "main", "ACME_co"},
	}
	for _, tt := range tests {
		if got := SanitizeAccount(tt.in, tt.fallback); got != tt.want {
			t.Errorf("SanitizeAccount(%q, %q) = %q, want %q", tt.in, tt.fallback, got, tt.want)
		}
	}
}

func TestErrorStatusCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
		text string
	}{
		{InvalidArgument("chat_id is required", nil), http.StatusBadRequest, TextCodeInvalidArgument},
		{Forbidden("bad key"), http.StatusForbidden, TextCodeForbidden},
		{NotFound("gone", nil), http.StatusNotFound, TextCodeNotFound},
		{PreconditionRequired("unconfirmed", map[string]any{"sources": []string{"a"}}), http.StatusPreconditionRequired, TextCodePreconditionRequired},
		{LeaseLost("stale holder", map[string]any{"epoch": 1}), http.StatusConflict, TextCodeLeaseLost},
		{Internal(http.ErrHandlerTimeout, "io"), http.StatusInternalServerError, TextCodeInternal},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.code {
			t.Errorf("%v: status %d, want %d", tt.err, got, tt.code)
		}
		if !IsTextCode(tt.err, tt.text) {
			t.Errorf("%v: expected text code %s", tt.err, tt.text)
		}
	}
	if got := StatusCode(http.ErrBodyNotAllowed); got != http.StatusInternalServerError {
		t.Errorf("plain error: got %d, want 500", got)
	}
}
