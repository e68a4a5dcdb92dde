package storage

import (
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"learnhub/internal/models"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidInput             = errors.New("invalid input")
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrPasswordLoginUnsupported = errors.New("account does not support password login")
	ErrEmailInUse               = errors.New("email already in use")
	ErrUsernameInUse            = errors.New("username already in use")
	// ErrDuplicateSession means a record already references the upload
	// session.
	ErrDuplicateSession = errors.New("upload session already has a record")
)

const minPasswordLength = 8

// CreateUserParams captures the attributes that can be set when creating a user.
type CreateUserParams struct {
	Username    string
	DisplayName string
	Email       string
	Password    string
	Roles       []string
}

type CreateCourseParams struct {
	OwnerID     string
	Title       string
	Description string
}

// CreateLessonParams describes a lesson produced by a finalized lesson-video
// upload. A zero Position appends the lesson to the course.
type CreateLessonParams struct {
	CourseID    string
	OwnerID     string
	Title       string
	Description string
	Position    int
	VideoURL    string
	VideoKey    string
	VideoSize   int64
	ContentType string
	Checksum    string
	SessionID   string
}

type CreateCourseVideoParams struct {
	CourseID    string
	OwnerID     string
	Title       string
	VideoURL    string
	VideoKey    string
	VideoSize   int64
	ContentType string
	Checksum    string
	SessionID   string
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type normalizedUser struct {
	username    string
	displayName string
	email       string
	roles       []string
}

func normalizeUserParams(params CreateUserParams) (normalizedUser, error) {
	email := strings.TrimSpace(strings.ToLower(params.Email))
	if email == "" {
		return normalizedUser{}, invalidInput("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return normalizedUser{}, invalidInput("email %q is not valid", params.Email)
	}
	username := strings.TrimSpace(strings.ToLower(params.Username))
	if username == "" {
		username = strings.SplitN(email, "@", 2)[0]
	}
	if len(params.Password) < minPasswordLength {
		return normalizedUser{}, invalidInput("password must be at least %d characters", minPasswordLength)
	}
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		displayName = username
	}
	roles := normalizeRoles(params.Roles)
	if len(roles) == 0 {
		roles = []string{models.RoleStudent}
	}
	for _, role := range roles {
		switch role {
		case models.RoleAdmin, models.RoleInstructor, models.RoleStudent:
		default:
			return normalizedUser{}, invalidInput("unknown role %q", role)
		}
	}
	return normalizedUser{username: username, displayName: displayName, email: email, roles: roles}, nil
}

func normalizeRoles(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	roles := make([]string, 0, len(input))
	seen := make(map[string]struct{})
	for _, role := range input {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		roles = append(roles, normalized)
	}
	sort.Strings(roles)
	return roles
}

func validateCourseParams(params CreateCourseParams) (CreateCourseParams, error) {
	params.OwnerID = strings.TrimSpace(params.OwnerID)
	params.Title = strings.TrimSpace(params.Title)
	params.Description = strings.TrimSpace(params.Description)
	if params.OwnerID == "" {
		return params, invalidInput("ownerId is required")
	}
	if params.Title == "" {
		return params, invalidInput("title is required")
	}
	return params, nil
}

func validateVideoFields(courseID, ownerID, title, videoURL, videoKey, sessionID string, size int64) error {
	switch {
	case strings.TrimSpace(courseID) == "":
		return invalidInput("courseId is required")
	case strings.TrimSpace(ownerID) == "":
		return invalidInput("ownerId is required")
	case strings.TrimSpace(title) == "":
		return invalidInput("title is required")
	case strings.TrimSpace(videoURL) == "" || strings.TrimSpace(videoKey) == "":
		return invalidInput("video location is required")
	case strings.TrimSpace(sessionID) == "":
		return invalidInput("sessionId is required")
	case size <= 0:
		return invalidInput("video size must be positive")
	}
	return nil
}

func sortLessons(lessons []models.Lesson) {
	sort.Slice(lessons, func(i, j int) bool {
		if lessons[i].Position != lessons[j].Position {
			return lessons[i].Position < lessons[j].Position
		}
		return lessons[i].CreatedAt.Before(lessons[j].CreatedAt)
	})
}
