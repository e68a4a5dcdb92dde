package models

import (
	"strings"
	"time"
)

const (
	RoleAdmin      = "admin"
	RoleInstructor = "instructor"
	RoleStudent    = "student"
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the user has the provided role, ignoring case.
func (u User) HasRole(role string) bool {
	for _, existing := range u.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

// Course groups lessons and promotional videos under a single owner.
type Course struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Lesson is created when a lesson-video upload is finalized.
type Lesson struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"courseId"`
	OwnerID     string    `json:"ownerId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Position    int       `json:"position"`
	VideoURL    string    `json:"videoUrl"`
	VideoKey    string    `json:"videoKey"`
	VideoSize   int64     `json:"videoSize"`
	ContentType string    `json:"contentType"`
	Checksum    string    `json:"checksum,omitempty"`
	SessionID   string    `json:"sessionId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CourseVideo is a course-level video such as a trailer or an introduction.
type CourseVideo struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"courseId"`
	OwnerID     string    `json:"ownerId"`
	Title       string    `json:"title"`
	VideoURL    string    `json:"videoUrl"`
	VideoKey    string    `json:"videoKey"`
	VideoSize   int64     `json:"videoSize"`
	ContentType string    `json:"contentType"`
	Checksum    string    `json:"checksum,omitempty"`
	SessionID   string    `json:"sessionId"`
	CreatedAt   time.Time `json:"createdAt"`
}
