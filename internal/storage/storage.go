package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"learnhub/internal/models"
)

type dataset struct {
	Users        map[string]models.User        `json:"users"`
	Courses      map[string]models.Course      `json:"courses"`
	Lessons      map[string]models.Lesson      `json:"lessons"`
	CourseVideos map[string]models.CourseVideo `json:"courseVideos"`
}

// Storage is the JSON file repository. Every mutation writes the whole
// dataset to a temp file and renames it over the previous snapshot.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Users:        make(map[string]models.User),
		Courses:      make(map[string]models.Course),
		Lessons:      make(map[string]models.Lesson),
		CourseVideos: make(map[string]models.CourseVideo),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Courses == nil {
		s.data.Courses = make(map[string]models.Course)
	}
	if s.data.Lessons == nil {
		s.data.Lessons = make(map[string]models.Lesson)
	}
	if s.data.CourseVideos == nil {
		s.data.CourseVideos = make(map[string]models.CourseVideo)
	}
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: data file path is required")
	}
	store := &Storage{filePath: path, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// mutate applies fn to a copy of the dataset and swaps it in only when the
// copy was persisted.
func (s *Storage) mutate(fn func(*dataset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := cloneDataset(s.data)
	if err := fn(&updated); err != nil {
		return err
	}
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, user := range src.Users {
		cloned := user
		if user.Roles != nil {
			cloned.Roles = append([]string(nil), user.Roles...)
		}
		clone.Users[id] = cloned
	}
	for id, course := range src.Courses {
		clone.Courses[id] = course
	}
	for id, lesson := range src.Lessons {
		clone.Lessons[id] = lesson
	}
	for id, video := range src.CourseVideos {
		clone.CourseVideos[id] = video
	}
	return clone
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

func (s *Storage) Close(context.Context) error {
	return nil
}

func (s *Storage) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	normalized, err := normalizeUserParams(params)
	if err != nil {
		return models.User{}, err
	}
	hashed, err := hashPassword(params.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:           id,
		Username:     normalized.username,
		DisplayName:  normalized.displayName,
		Email:        normalized.email,
		Roles:        normalized.roles,
		PasswordHash: hashed,
		CreatedAt:    s.now().UTC(),
	}
	err = s.mutate(func(data *dataset) error {
		for _, existing := range data.Users {
			if existing.Email == user.Email {
				return ErrEmailInUse
			}
			if existing.Username == user.Username {
				return ErrUsernameInUse
			}
		}
		data.Users[user.ID] = user
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

// AuthenticateUser verifies credentials and returns the matching user on success.
func (s *Storage) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	s.mu.RLock()
	var (
		user  models.User
		found bool
	)
	for _, candidate := range s.data.Users {
		if candidate.Email == normalizedEmail {
			user, found = candidate, true
			break
		}
	}
	s.mu.RUnlock()
	if !found {
		return models.User{}, ErrInvalidCredentials
	}
	if user.PasswordHash == "" {
		return models.User{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) GetUser(ctx context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

func (s *Storage) CreateCourse(ctx context.Context, params CreateCourseParams) (models.Course, error) {
	params, err := validateCourseParams(params)
	if err != nil {
		return models.Course{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Course{}, err
	}
	now := s.now().UTC()
	course := models.Course{
		ID:          id,
		OwnerID:     params.OwnerID,
		Title:       params.Title,
		Description: params.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.mutate(func(data *dataset) error {
		if _, ok := data.Users[params.OwnerID]; !ok {
			return fmt.Errorf("owner %s: %w", params.OwnerID, ErrNotFound)
		}
		data.Courses[course.ID] = course
		return nil
	})
	if err != nil {
		return models.Course{}, err
	}
	return course, nil
}

func (s *Storage) GetCourse(ctx context.Context, id string) (models.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	course, ok := s.data.Courses[id]
	if !ok {
		return models.Course{}, ErrNotFound
	}
	return course, nil
}

// ListCourses returns every course, or only those owned by ownerID when set,
// newest first.
func (s *Storage) ListCourses(ctx context.Context, ownerID string) ([]models.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	courses := make([]models.Course, 0, len(s.data.Courses))
	for _, course := range s.data.Courses {
		if ownerID != "" && course.OwnerID != ownerID {
			continue
		}
		courses = append(courses, course)
	}
	sort.Slice(courses, func(i, j int) bool {
		if courses[i].CreatedAt.Equal(courses[j].CreatedAt) {
			return courses[i].ID < courses[j].ID
		}
		return courses[i].CreatedAt.After(courses[j].CreatedAt)
	})
	return courses, nil
}

func (s *Storage) CreateLesson(ctx context.Context, params CreateLessonParams) (models.Lesson, error) {
	if err := validateVideoFields(params.CourseID, params.OwnerID, params.Title, params.VideoURL, params.VideoKey, params.SessionID, params.VideoSize); err != nil {
		return models.Lesson{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Lesson{}, err
	}
	lesson := models.Lesson{
		ID:          id,
		CourseID:    params.CourseID,
		OwnerID:     params.OwnerID,
		Title:       strings.TrimSpace(params.Title),
		Description: strings.TrimSpace(params.Description),
		Position:    params.Position,
		VideoURL:    params.VideoURL,
		VideoKey:    params.VideoKey,
		VideoSize:   params.VideoSize,
		ContentType: params.ContentType,
		Checksum:    params.Checksum,
		SessionID:   params.SessionID,
		CreatedAt:   s.now().UTC(),
	}
	err = s.mutate(func(data *dataset) error {
		if _, ok := data.Courses[params.CourseID]; !ok {
			return fmt.Errorf("course %s: %w", params.CourseID, ErrNotFound)
		}
		next := 1
		for _, existing := range data.Lessons {
			if existing.SessionID == params.SessionID {
				return ErrDuplicateSession
			}
			if existing.CourseID == params.CourseID && existing.Position >= next {
				next = existing.Position + 1
			}
		}
		if lesson.Position <= 0 {
			lesson.Position = next
		}
		data.Lessons[lesson.ID] = lesson
		return nil
	})
	if err != nil {
		return models.Lesson{}, err
	}
	return lesson, nil
}

func (s *Storage) ListLessons(ctx context.Context, courseID string) ([]models.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lessons := make([]models.Lesson, 0)
	for _, lesson := range s.data.Lessons {
		if lesson.CourseID == courseID {
			lessons = append(lessons, lesson)
		}
	}
	sortLessons(lessons)
	return lessons, nil
}

func (s *Storage) CreateCourseVideo(ctx context.Context, params CreateCourseVideoParams) (models.CourseVideo, error) {
	if err := validateVideoFields(params.CourseID, params.OwnerID, params.Title, params.VideoURL, params.VideoKey, params.SessionID, params.VideoSize); err != nil {
		return models.CourseVideo{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.CourseVideo{}, err
	}
	video := models.CourseVideo{
		ID:          id,
		CourseID:    params.CourseID,
		OwnerID:     params.OwnerID,
		Title:       strings.TrimSpace(params.Title),
		VideoURL:    params.VideoURL,
		VideoKey:    params.VideoKey,
		VideoSize:   params.VideoSize,
		ContentType: params.ContentType,
		Checksum:    params.Checksum,
		SessionID:   params.SessionID,
		CreatedAt:   s.now().UTC(),
	}
	err = s.mutate(func(data *dataset) error {
		if _, ok := data.Courses[params.CourseID]; !ok {
			return fmt.Errorf("course %s: %w", params.CourseID, ErrNotFound)
		}
		for _, existing := range data.CourseVideos {
			if existing.SessionID == params.SessionID {
				return ErrDuplicateSession
			}
		}
		data.CourseVideos[video.ID] = video
		return nil
	})
	if err != nil {
		return models.CourseVideo{}, err
	}
	return video, nil
}

func (s *Storage) ListCourseVideos(ctx context.Context, courseID string) ([]models.CourseVideo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	videos := make([]models.CourseVideo, 0)
	for _, video := range s.data.CourseVideos {
		if video.CourseID == courseID {
			videos = append(videos, video)
		}
	}
	sort.Slice(videos, func(i, j int) bool { return videos[i].CreatedAt.Before(videos[j].CreatedAt) })
	return videos, nil
}
