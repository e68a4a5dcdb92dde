package api

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSetSessionCookieDefaults(t *testing.T) {
	handler := &Handler{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.TLS = &tls.ConnectionState{}

	handler.setSessionCookie(rec, req, "token", time.Now().Add(time.Hour))

	cookie := findCookie(t, rec.Result().Cookies(), sessionCookieName)
	if cookie.Path != "/" {
		t.Fatalf("expected session cookie Path=/, got %q", cookie.Path)
	}
	if !cookie.HttpOnly {
		t.Fatal("expected session cookie to be HttpOnly")
	}
	if !cookie.Secure {
		t.Fatal("expected HTTPS request to set Secure")
	}
	if cookie.SameSite != http.SameSiteStrictMode {
		t.Fatalf("expected SameSite=Strict, got %v", cookie.SameSite)
	}
	if cookie.MaxAge <= 0 || cookie.MaxAge > 3600 {
		t.Fatalf("expected MaxAge within the hour, got %d", cookie.MaxAge)
	}
}

func TestSetSessionCookieSkipsEmptyToken(t *testing.T) {
	handler := &Handler{}
	rec := httptest.NewRecorder()
	handler.setSessionCookie(rec, httptest.NewRequest(http.MethodPost, "/", nil), "", time.Now().Add(time.Hour))
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("expected no cookie for an empty token")
	}
}

func TestIsSecureRequest(t *testing.T) {
	cases := []struct {
		name      string
		configure func(*http.Request)
		want      bool
	}{
		{name: "plain", configure: func(*http.Request) {}, want: false},
		{name: "tls", configure: func(r *http.Request) { r.TLS = &tls.ConnectionState{} }, want: true},
		{name: "forwarded list", configure: func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "http, HTTPS") }, want: true},
		{name: "forwarded http", configure: func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "http") }, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
			tc.configure(req)
			if got := isSecureRequest(req); got != tc.want {
				t.Fatalf("isSecureRequest = %v, want %v", got, tc.want)
			}
		})
	}
	if isSecureRequest(nil) {
		t.Fatal("expected nil request to be insecure")
	}
}
