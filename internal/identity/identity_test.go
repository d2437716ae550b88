package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
	}{
		{"valid header", "user_42", http.StatusOK, "user_42"},
		{"trimmed header", "  anon:abc-1.2  ", http.StatusOK, "anon:abc-1.2"},
		{"missing header", "", http.StatusOK, ""},
		{"invalid characters", "bob; drop table", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = UserIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(HeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if got != tt.wantUser {
				t.Errorf("expected user %q, got %q", tt.wantUser, got)
			}
		})
	}
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	if ip := IPFromRequest(req); ip != "10.0.0.7" {
		t.Errorf("expected 10.0.0.7, got %s", ip)
	}
	req.RemoteAddr = "garbage"
	if ip := IPFromRequest(req); ip != "garbage" {
		t.Errorf("expected raw fallback, got %s", ip)
	}
}
