package api

import (
	"errors"
	"net/http"
	"time"

	"learnhub/internal/models"
	"learnhub/internal/storage"
)

type signupRequest struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Roles       []string  `json:"roles"`
	CreatedAt   time.Time `json:"createdAt"`
}

type authResponse struct {
	User      userResponse `json:"user"`
	Token     string       `json:"token,omitempty"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

func newUserResponse(user models.User) userResponse {
	roles := append([]string(nil), user.Roles...)
	if roles == nil {
		roles = []string{}
	}
	return userResponse{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Roles:       roles,
		CreatedAt:   user.CreatedAt,
	}
}

// Signup creates an account and opens a session for it. Self-service
// accounts may ask for the instructor role but never admin.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	for _, role := range req.Roles {
		if role == models.RoleAdmin {
			WriteError(w, http.StatusForbidden, RequestError{Message: "the admin role cannot be self-assigned"})
			return
		}
	}

	user, err := h.Store.CreateUser(r.Context(), storage.CreateUserParams{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Password:    req.Password,
		Roles:       req.Roles,
	})
	if err != nil {
		WriteError(w, repositoryStatus(err), err)
		return
	}
	h.startSession(w, r, user, http.StatusCreated)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	user, err := h.Store.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) || errors.Is(err, storage.ErrPasswordLoginUnsupported) {
			WriteError(w, http.StatusUnauthorized, RequestError{Message: "invalid email or password", Err: err})
			return
		}
		WriteError(w, http.StatusInternalServerError, err)
		return
	}
	h.startSession(w, r, user, http.StatusOK)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, user models.User, status int) {
	token, expiresAt, err := h.sessionManager().Create(r.Context(), user.ID)
	if err != nil {
		h.logger(r.Context()).Error("create session failed", "user_id", user.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, err)
		return
	}
	h.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, status, authResponse{User: newUserResponse(user), Token: token, ExpiresAt: expiresAt})
}

// Session reports the current user (GET) or revokes the presented session
// (DELETE).
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		identity, ok := h.requireIdentity(w, r)
		if !ok {
			return
		}
		user, err := h.Store.GetUser(r.Context(), identity.ID)
		if err != nil {
			WriteError(w, repositoryStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": newUserResponse(user)})
	case http.MethodDelete:
		if token := ExtractToken(r); token != "" {
			if err := h.sessionManager().Revoke(r.Context(), token); err != nil {
				WriteError(w, http.StatusInternalServerError, err)
				return
			}
		}
		h.ClearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, "GET, DELETE")
	}
}

// repositoryStatus maps repository sentinels to HTTP statuses.
func repositoryStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrEmailInUse), errors.Is(err, storage.ErrUsernameInUse), errors.Is(err, storage.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
