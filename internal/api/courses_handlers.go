package api

import (
	"errors"
	"net/http"
	"strings"

	"learnhub/internal/models"
	"learnhub/internal/storage"
)

type createCourseRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type courseDetailResponse struct {
	models.Course
	Lessons []models.Lesson      `json:"lessons"`
	Videos  []models.CourseVideo `json:"videos"`
}

// Courses lists courses (GET, ?owner=me narrows to the caller's) or creates
// one (POST, instructors and admins only).
func (h *Handler) Courses(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		ownerID := ""
		if owner := strings.TrimSpace(r.URL.Query().Get("owner")); owner == "me" {
			ownerID = identity.ID
		} else if owner != "" {
			ownerID = owner
		}
		courses, err := h.Store.ListCourses(r.Context(), ownerID)
		if err != nil {
			WriteError(w, repositoryStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, courses)
	case http.MethodPost:
		user, err := h.Store.GetUser(r.Context(), identity.ID)
		if err != nil {
			WriteError(w, repositoryStatus(err), err)
			return
		}
		if !user.HasRole(models.RoleInstructor) && !user.HasRole(models.RoleAdmin) {
			WriteError(w, http.StatusForbidden, RequestError{Message: "only instructors can create courses"})
			return
		}
		var req createCourseRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err)
			return
		}
		course, err := h.Store.CreateCourse(r.Context(), storage.CreateCourseParams{
			OwnerID:     user.ID,
			Title:       req.Title,
			Description: req.Description,
		})
		if err != nil {
			WriteError(w, repositoryStatus(err), err)
			return
		}
		h.logger(r.Context()).Info("course created", "course_id", course.ID, "owner_id", user.ID)
		writeJSON(w, http.StatusCreated, course)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// CourseByID returns a course together with its lessons and videos.
func (h *Handler) CourseByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	if _, ok := h.requireIdentity(w, r); !ok {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/courses/"), "/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusNotFound, RequestError{Message: "course not found"})
		return
	}
	course, err := h.Store.GetCourse(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = RequestError{Message: "course " + id + " not found", Err: err}
		}
		WriteError(w, repositoryStatus(err), err)
		return
	}
	lessons, err := h.Store.ListLessons(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err)
		return
	}
	videos, err := h.Store.ListCourseVideos(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, courseDetailResponse{Course: course, Lessons: lessons, Videos: videos})
}
