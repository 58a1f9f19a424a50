// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/campuskit/enrolld/internal/timetable"
)

const schema = `
CREATE TABLE IF NOT EXISTS sections (
	id                TEXT PRIMARY KEY,
	course_id         TEXT NOT NULL,
	max_capacity      INTEGER NOT NULL,
	max_waitlist      INTEGER NOT NULL,
	instructor_id     TEXT NOT NULL DEFAULT '',
	add_drop_deadline TEXT NOT NULL,
	semester          TEXT NOT NULL,
	min_standing      INTEGER NOT NULL,
	credits           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS section_slots (
	section_id TEXT NOT NULL REFERENCES sections(id) ON DELETE CASCADE,
	day        INTEGER NOT NULL,
	start_min  INTEGER NOT NULL,
	end_min    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_section_slots ON section_slots(section_id);

CREATE TABLE IF NOT EXISTS section_prerequisites (
	section_id TEXT NOT NULL REFERENCES sections(id) ON DELETE CASCADE,
	course_id  TEXT NOT NULL,
	PRIMARY KEY (section_id, course_id)
);

CREATE TABLE IF NOT EXISTS students (
	id                      TEXT PRIMARY KEY,
	gpa                     REAL NOT NULL DEFAULT 0,
	standing                INTEGER NOT NULL,
	priority_window_open_at TEXT NOT NULL,
	credit_cap              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS student_completed_courses (
	student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	course_id  TEXT NOT NULL,
	PRIMARY KEY (student_id, course_id)
);
`

// Store is a sqlite-backed Provider. It is safe for concurrent use; the
// pool is configured with WAL mode so readers never block each other.
type Store struct {
	db *sql.DB
}

// Open initializes the sqlite read model at dbPath with mandatory PRAGMAs.
// The PRAGMAs ride in the DSN so they apply to every pooled connection.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: migrate failed: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports readiness of the underlying database.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// UpsertSection writes a section and its slots and prerequisites.
func (s *Store) UpsertSection(ctx context.Context, sec *Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sections (id, course_id, max_capacity, max_waitlist, instructor_id, add_drop_deadline, semester, min_standing, credits)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			course_id=excluded.course_id, max_capacity=excluded.max_capacity,
			max_waitlist=excluded.max_waitlist, instructor_id=excluded.instructor_id,
			add_drop_deadline=excluded.add_drop_deadline, semester=excluded.semester,
			min_standing=excluded.min_standing, credits=excluded.credits`,
		sec.ID, sec.CourseID, sec.MaxCapacity, sec.MaxWaitlist, sec.InstructorID,
		sec.AddDropDeadline.UTC().Format(time.RFC3339), sec.Semester, int(sec.MinStanding), sec.Credits)
	if err != nil {
		return fmt.Errorf("catalog: upsert section: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM section_slots WHERE section_id = ?`, sec.ID); err != nil {
		return fmt.Errorf("catalog: clear slots: %w", err)
	}
	for _, slot := range sec.Schedule {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO section_slots (section_id, day, start_min, end_min) VALUES (?, ?, ?, ?)`,
			sec.ID, int(slot.Day), slot.Start, slot.End); err != nil {
			return fmt.Errorf("catalog: insert slot: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM section_prerequisites WHERE section_id = ?`, sec.ID); err != nil {
		return fmt.Errorf("catalog: clear prerequisites: %w", err)
	}
	for _, course := range sec.Prerequisites {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO section_prerequisites (section_id, course_id) VALUES (?, ?)`,
			sec.ID, course); err != nil {
			return fmt.Errorf("catalog: insert prerequisite: %w", err)
		}
	}

	return tx.Commit()
}

// UpsertStudent writes a student profile and completed-course set.
func (s *Store) UpsertStudent(ctx context.Context, p *StudentProfile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO students (id, gpa, standing, priority_window_open_at, credit_cap)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			gpa=excluded.gpa, standing=excluded.standing,
			priority_window_open_at=excluded.priority_window_open_at,
			credit_cap=excluded.credit_cap`,
		p.ID, p.GPA, int(p.Standing), p.PriorityWindowOpenAt.UTC().Format(time.RFC3339), p.CreditCap)
	if err != nil {
		return fmt.Errorf("catalog: upsert student: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM student_completed_courses WHERE student_id = ?`, p.ID); err != nil {
		return fmt.Errorf("catalog: clear completed: %w", err)
	}
	for _, course := range p.CompletedCourses {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO student_completed_courses (student_id, course_id) VALUES (?, ?)`,
			p.ID, course); err != nil {
			return fmt.Errorf("catalog: insert completed: %w", err)
		}
	}

	return tx.Commit()
}

// Section implements Provider.
func (s *Store) Section(ctx context.Context, sectionID string) (*Section, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, course_id, max_capacity, max_waitlist, instructor_id, add_drop_deadline, semester, min_standing, credits
		FROM sections WHERE id = ?`, sectionID)

	var sec Section
	var deadline string
	var standing int
	err := row.Scan(&sec.ID, &sec.CourseID, &sec.MaxCapacity, &sec.MaxWaitlist,
		&sec.InstructorID, &deadline, &sec.Semester, &standing, &sec.Credits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: section %s", ErrNotFound, sectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sec.MinStanding = Standing(standing)
	if sec.AddDropDeadline, err = time.Parse(time.RFC3339, deadline); err != nil {
		return nil, fmt.Errorf("catalog: section %s has bad deadline: %w", sectionID, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT day, start_min, end_min FROM section_slots WHERE section_id = ?`, sectionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var slot timetable.Slot
		var day int
		if err := rows.Scan(&day, &slot.Start, &slot.End); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		slot.Day = timetable.Day(day)
		sec.Schedule = append(sec.Schedule, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	prereqs, err := s.db.QueryContext(ctx, `SELECT course_id FROM section_prerequisites WHERE section_id = ? ORDER BY course_id`, sectionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = prereqs.Close() }()
	for prereqs.Next() {
		var course string
		if err := prereqs.Scan(&course); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		sec.Prerequisites = append(sec.Prerequisites, course)
	}
	if err := prereqs.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &sec, nil
}

// StudentProfile implements Provider.
func (s *Store) StudentProfile(ctx context.Context, studentID string) (*StudentProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, gpa, standing, priority_window_open_at, credit_cap
		FROM students WHERE id = ?`, studentID)

	var p StudentProfile
	var window string
	var standing int
	err := row.Scan(&p.ID, &p.GPA, &standing, &window, &p.CreditCap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: student %s", ErrNotFound, studentID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.Standing = Standing(standing)
	if p.PriorityWindowOpenAt, err = time.Parse(time.RFC3339, window); err != nil {
		return nil, fmt.Errorf("catalog: student %s has bad priority window: %w", studentID, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT course_id FROM student_completed_courses WHERE student_id = ? ORDER BY course_id`, studentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var course string
		if err := rows.Scan(&course); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		p.CompletedCourses = append(p.CompletedCourses, course)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &p, nil
}

var _ Provider = (*Store)(nil)
