package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"learnhub/internal/models"
	"learnhub/internal/upload"
)

func postJSON(t *testing.T, path string, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "http://localhost"+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeAuthResponse(t *testing.T, rec *httptest.ResponseRecorder) authResponse {
	t.Helper()
	var resp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	return resp
}

func TestSignupCreatesUserAndSession(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := httptest.NewRecorder()

	handler.Signup(rec, postJSON(t, "/api/auth/signup", signupRequest{
		DisplayName: "Ada",
		Email:       "Ada@Example.com",
		Password:    "supersecret",
		Roles:       []string{"instructor"},
	}))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeAuthResponse(t, rec)
	if resp.Token == "" {
		t.Fatal("expected session token in response")
	}
	if resp.User.Email != "ada@example.com" || resp.User.Username != "ada" {
		t.Fatalf("unexpected user %+v", resp.User)
	}
	if len(resp.User.Roles) != 1 || resp.User.Roles[0] != models.RoleInstructor {
		t.Fatalf("expected instructor role, got %v", resp.User.Roles)
	}
	cookie := findCookie(t, rec.Result().Cookies(), sessionCookieName)
	if cookie.Value != resp.Token {
		t.Fatal("expected cookie to carry the issued token")
	}
}

func TestSignupRejections(t *testing.T) {
	cases := []struct {
		name       string
		req        signupRequest
		wantStatus int
	}{
		{name: "admin role", req: signupRequest{Email: "root@example.com", Password: "supersecret", Roles: []string{"admin"}}, wantStatus: http.StatusForbidden},
		{name: "short password", req: signupRequest{Email: "short@example.com", Password: "short"}, wantStatus: http.StatusBadRequest},
		{name: "invalid email", req: signupRequest{Email: "not-an-email", Password: "supersecret"}, wantStatus: http.StatusBadRequest},
		{name: "duplicate email", req: signupRequest{Email: "taken@example.com", Password: "supersecret"}, wantStatus: http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler, _ := newTestHandler(t)
			signIn(t, handler, "taken@example.com")
			rec := httptest.NewRecorder()
			handler.Signup(rec, postJSON(t, "/api/auth/signup", tc.req))
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
			decodeErrorEnvelope(t, rec)
		})
	}
}

func TestSignupRejectsUnknownFields(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.Signup(rec, postJSON(t, "/api/auth/signup", map[string]any{"email": "a@example.com", "password": "supersecret", "isAdmin": true}))
	expectErrorCode(t, rec, http.StatusBadRequest, upload.CodeValidation)
}

func TestLoginSessionCookieAttributes(t *testing.T) {
	cases := []struct {
		name         string
		configure    func(req *http.Request)
		policy       SessionCookiePolicy
		wantSecure   bool
		wantSameSite http.SameSite
	}{
		{
			name:         "plain http stays non secure",
			configure:    func(req *http.Request) {},
			wantSecure:   false,
			wantSameSite: http.SameSiteStrictMode,
		},
		{
			name: "forwarded https enables secure cookie",
			configure: func(req *http.Request) {
				req.Header.Set("X-Forwarded-Proto", "https")
			},
			wantSecure:   true,
			wantSameSite: http.SameSiteStrictMode,
		},
		{
			name:      "always policy forces secure flag",
			configure: func(req *http.Request) {},
			policy: SessionCookiePolicy{
				SameSite:   http.SameSiteLaxMode,
				SecureMode: SessionCookieSecureAlways,
			},
			wantSecure:   true,
			wantSameSite: http.SameSiteLaxMode,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler, _ := newTestHandler(t)
			handler.SessionCookiePolicy = tc.policy
			signIn(t, handler, "student@example.com")

			req := postJSON(t, "/api/auth/login", loginRequest{Email: "student@example.com", Password: "supersecret"})
			tc.configure(req)
			rec := httptest.NewRecorder()
			handler.Login(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			cookie := findCookie(t, rec.Result().Cookies(), sessionCookieName)
			if cookie.Value == "" || !cookie.HttpOnly || cookie.Path != "/" {
				t.Fatalf("unexpected cookie %+v", cookie)
			}
			if cookie.Secure != tc.wantSecure {
				t.Fatalf("expected Secure=%v, got %v", tc.wantSecure, cookie.Secure)
			}
			if cookie.SameSite != tc.wantSameSite {
				t.Fatalf("expected SameSite=%v, got %v", tc.wantSameSite, cookie.SameSite)
			}
		})
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	handler, _ := newTestHandler(t)
	signIn(t, handler, "student@example.com")

	for _, req := range []loginRequest{
		{Email: "student@example.com", Password: "wrong-password"},
		{Email: "nobody@example.com", Password: "supersecret"},
	} {
		rec := httptest.NewRecorder()
		handler.Login(rec, postJSON(t, "/api/auth/login", req))
		body := expectErrorCode(t, rec, http.StatusUnauthorized, upload.CodeUnauthorized)
		if body["message"] != "invalid email or password" {
			t.Fatalf("expected uniform credential message, got %v", body["message"])
		}
	}
}

func TestSessionEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	user, token := signIn(t, handler, "student@example.com")

	rec := httptest.NewRecorder()
	handler.Session(rec, authorize(httptest.NewRequest(http.MethodGet, "/api/auth/session", nil), token))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		User userResponse `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if payload.User.ID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, payload.User.ID)
	}

	rec = httptest.NewRecorder()
	handler.Session(rec, authorize(httptest.NewRequest(http.MethodDelete, "/api/auth/session", nil), token))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	cleared := findCookie(t, rec.Result().Cookies(), sessionCookieName)
	if cleared.MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got MaxAge %d", cleared.MaxAge)
	}

	rec = httptest.NewRecorder()
	handler.Session(rec, authorize(httptest.NewRequest(http.MethodGet, "/api/auth/session", nil), token))
	expectErrorCode(t, rec, http.StatusUnauthorized, upload.CodeUnauthorized)
}

func TestSessionAcceptsCookie(t *testing.T) {
	handler, _ := newTestHandler(t)
	_, token := signIn(t, handler, "student@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	rec := httptest.NewRecorder()
	handler.Session(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cookie session to authenticate, got %d", rec.Code)
	}
}
