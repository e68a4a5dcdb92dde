package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"learnhub/internal/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. The caller must
// ensure deploy/migrations have been applied prior to invoking this
// constructor.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const userColumns = `id, username, display_name, email, roles, password_hash, created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.Roles, &user.PasswordHash, &user.CreatedAt); err != nil {
		return models.User{}, mapNoRows(err)
	}
	return user, nil
}

func (r *postgresRepository) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
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
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	user, err := scanUser(r.pool.QueryRow(ctx, `
INSERT INTO users (id, username, display_name, email, roles, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+userColumns,
		id, normalized.username, normalized.displayName, normalized.email, normalized.roles, hashed, r.cfg.Clock().UTC()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "username") {
				return models.User{}, ErrUsernameInUse
			}
			return models.User{}, ErrEmailInUse
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`,
		strings.TrimSpace(strings.ToLower(email))))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, fmt.Errorf("load user: %w", err)
	}
	if user.PasswordHash == "" {
		return models.User{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

const courseColumns = `id, owner_id, title, description, created_at, updated_at`

func scanCourse(row pgx.Row) (models.Course, error) {
	var course models.Course
	if err := row.Scan(&course.ID, &course.OwnerID, &course.Title, &course.Description, &course.CreatedAt, &course.UpdatedAt); err != nil {
		return models.Course{}, mapNoRows(err)
	}
	return course, nil
}

func (r *postgresRepository) CreateCourse(ctx context.Context, params CreateCourseParams) (models.Course, error) {
	params, err := validateCourseParams(params)
	if err != nil {
		return models.Course{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Course{}, err
	}
	now := r.cfg.Clock().UTC()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	course, err := scanCourse(r.pool.QueryRow(ctx, `
INSERT INTO courses (id, owner_id, title, description, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
RETURNING `+courseColumns,
		id, params.OwnerID, params.Title, params.Description, now))
	if err != nil {
		if isConstraintViolation(err, pgForeignKeyViolation) {
			return models.Course{}, fmt.Errorf("owner %s: %w", params.OwnerID, ErrNotFound)
		}
		return models.Course{}, fmt.Errorf("insert course: %w", err)
	}
	return course, nil
}

func (r *postgresRepository) GetCourse(ctx context.Context, id string) (models.Course, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return scanCourse(r.pool.QueryRow(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = $1`, id))
}

func (r *postgresRepository) ListCourses(ctx context.Context, ownerID string) ([]models.Course, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT `+courseColumns+`
FROM courses
WHERE $1 = '' OR owner_id = $1
ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	courses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Course, error) {
		return scanCourse(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	return courses, nil
}

const lessonColumns = `id, course_id, owner_id, title, description, position, video_url, video_key, video_size, content_type, checksum, session_id, created_at`

func scanLesson(row pgx.Row) (models.Lesson, error) {
	var l models.Lesson
	if err := row.Scan(&l.ID, &l.CourseID, &l.OwnerID, &l.Title, &l.Description, &l.Position, &l.VideoURL, &l.VideoKey,
		&l.VideoSize, &l.ContentType, &l.Checksum, &l.SessionID, &l.CreatedAt); err != nil {
		return models.Lesson{}, mapNoRows(err)
	}
	return l, nil
}

func (r *postgresRepository) CreateLesson(ctx context.Context, params CreateLessonParams) (models.Lesson, error) {
	if err := validateVideoFields(params.CourseID, params.OwnerID, params.Title, params.VideoURL, params.VideoKey, params.SessionID, params.VideoSize); err != nil {
		return models.Lesson{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Lesson{}, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	lesson, err := scanLesson(r.pool.QueryRow(ctx, `
INSERT INTO lessons (id, course_id, owner_id, title, description, position, video_url, video_key, video_size, content_type, checksum, session_id, created_at)
VALUES ($1, $2, $3, $4, $5,
	CASE WHEN $6::int > 0 THEN $6::int ELSE (SELECT COALESCE(MAX(position), 0) + 1 FROM lessons WHERE course_id = $2) END,
	$7, $8, $9, $10, $11, $12, $13)
RETURNING `+lessonColumns,
		id, params.CourseID, params.OwnerID, strings.TrimSpace(params.Title), strings.TrimSpace(params.Description), params.Position,
		params.VideoURL, params.VideoKey, params.VideoSize, params.ContentType, params.Checksum, params.SessionID, r.cfg.Clock().UTC()))
	if err != nil {
		return models.Lesson{}, videoInsertError("lesson", params.CourseID, err)
	}
	return lesson, nil
}

func (r *postgresRepository) ListLessons(ctx context.Context, courseID string) ([]models.Lesson, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE course_id = $1 ORDER BY position, created_at`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	lessons, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Lesson, error) {
		return scanLesson(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	return lessons, nil
}

const courseVideoColumns = `id, course_id, owner_id, title, video_url, video_key, video_size, content_type, checksum, session_id, created_at`

func scanCourseVideo(row pgx.Row) (models.CourseVideo, error) {
	var v models.CourseVideo
	if err := row.Scan(&v.ID, &v.CourseID, &v.OwnerID, &v.Title, &v.VideoURL, &v.VideoKey, &v.VideoSize,
		&v.ContentType, &v.Checksum, &v.SessionID, &v.CreatedAt); err != nil {
		return models.CourseVideo{}, mapNoRows(err)
	}
	return v, nil
}

func (r *postgresRepository) CreateCourseVideo(ctx context.Context, params CreateCourseVideoParams) (models.CourseVideo, error) {
	if err := validateVideoFields(params.CourseID, params.OwnerID, params.Title, params.VideoURL, params.VideoKey, params.SessionID, params.VideoSize); err != nil {
		return models.CourseVideo{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.CourseVideo{}, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	video, err := scanCourseVideo(r.pool.QueryRow(ctx, `
INSERT INTO course_videos (id, course_id, owner_id, title, video_url, video_key, video_size, content_type, checksum, session_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING `+courseVideoColumns,
		id, params.CourseID, params.OwnerID, strings.TrimSpace(params.Title), params.VideoURL, params.VideoKey, params.VideoSize,
		params.ContentType, params.Checksum, params.SessionID, r.cfg.Clock().UTC()))
	if err != nil {
		return models.CourseVideo{}, videoInsertError("course video", params.CourseID, err)
	}
	return video, nil
}

func (r *postgresRepository) ListCourseVideos(ctx context.Context, courseID string) ([]models.CourseVideo, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+courseVideoColumns+` FROM course_videos WHERE course_id = $1 ORDER BY created_at`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list course videos: %w", err)
	}
	videos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CourseVideo, error) {
		return scanCourseVideo(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list course videos: %w", err)
	}
	return videos, nil
}

func videoInsertError(kind, courseID string, err error) error {
	switch {
	case isConstraintViolation(err, pgUniqueViolation):
		return ErrDuplicateSession
	case isConstraintViolation(err, pgForeignKeyViolation):
		return fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	default:
		return fmt.Errorf("insert %s: %w", kind, err)
	}
}

func isConstraintViolation(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
