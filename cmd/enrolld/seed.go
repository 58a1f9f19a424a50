// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/campuskit/enrolld/internal/catalog"
	"github.com/campuskit/enrolld/internal/timetable"
)

// seedFile is the operator-facing catalog format. Standings are spelled out
// ("freshman".."graduate"); slot days are 0=Monday..6=Sunday with minutes of
// day, matching the wire representation.
type seedFile struct {
	Sections []seedSection `yaml:"sections"`
	Students []seedStudent `yaml:"students"`
}

type seedSection struct {
	ID              string           `yaml:"id"`
	CourseID        string           `yaml:"course_id"`
	Schedule        []timetable.Slot `yaml:"schedule"`
	MaxCapacity     int              `yaml:"max_capacity"`
	MaxWaitlist     int              `yaml:"max_waitlist"`
	InstructorID    string           `yaml:"instructor_id"`
	AddDropDeadline time.Time        `yaml:"add_drop_deadline"`
	Semester        string           `yaml:"semester"`
	Prerequisites   []string         `yaml:"prerequisites"`
	MinStanding     string           `yaml:"min_standing"`
	Credits         int              `yaml:"credits"`
}

type seedStudent struct {
	ID                   string    `yaml:"id"`
	CompletedCourses     []string  `yaml:"completed_courses"`
	GPA                  float64   `yaml:"gpa"`
	Standing             string    `yaml:"standing"`
	PriorityWindowOpenAt time.Time `yaml:"priority_window_open_at"`
	CreditCap            int       `yaml:"credit_cap"`
}

// runSeed loads a YAML catalog file into the sqlite read model. Sections
// without an explicit deadline get now + deadlines.add_drop_offset in the
// configured timezone. Re-seeding upserts, so the command is idempotent.
func runSeed(args []string) int {
	cfg, rest, ok := loadConfig("enrolld seed", args)
	if !ok {
		return exitConfig
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: enrolld seed [-config file] <catalog.yaml>")
		return exitConfig
	}

	raw, err := os.ReadFile(rest[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "enrolld: seed file unreadable: %v\n", err)
		return exitConfig
	}

	var seed seedFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		fmt.Fprintf(os.Stderr, "enrolld: seed file invalid: %v\n", err)
		return exitConfig
	}

	store, err := catalog.Open(filepath.Join(cfg.DataDir, "catalog.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "enrolld: catalog open failed: %v\n", err)
		return exitStore
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	defaultDeadline := time.Now().In(cfg.Location()).Add(cfg.Deadlines.AddDropOffset)

	for _, s := range seed.Sections {
		sec, err := s.toSection(defaultDeadline)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enrolld: section %s: %v\n", s.ID, err)
			return exitConfig
		}
		if err := store.UpsertSection(ctx, sec); err != nil {
			fmt.Fprintf(os.Stderr, "enrolld: section %s: %v\n", s.ID, err)
			return exitStore
		}
	}
	for _, s := range seed.Students {
		profile, err := s.toProfile()
		if err != nil {
			fmt.Fprintf(os.Stderr, "enrolld: student %s: %v\n", s.ID, err)
			return exitConfig
		}
		if err := store.UpsertStudent(ctx, profile); err != nil {
			fmt.Fprintf(os.Stderr, "enrolld: student %s: %v\n", s.ID, err)
			return exitStore
		}
	}

	fmt.Printf("seeded %d sections and %d students\n", len(seed.Sections), len(seed.Students))
	return exitOK
}

func (s seedSection) toSection(defaultDeadline time.Time) (*catalog.Section, error) {
	if s.ID == "" || s.CourseID == "" {
		return nil, fmt.Errorf("id and course_id are required")
	}
	for _, slot := range s.Schedule {
		if err := slot.Validate(); err != nil {
			return nil, err
		}
	}
	standing := catalog.StandingFreshman
	if s.MinStanding != "" {
		var err error
		if standing, err = catalog.ParseStanding(s.MinStanding); err != nil {
			return nil, err
		}
	}
	deadline := s.AddDropDeadline
	if deadline.IsZero() {
		deadline = defaultDeadline
	}
	return &catalog.Section{
		ID:              s.ID,
		CourseID:        s.CourseID,
		Schedule:        s.Schedule,
		MaxCapacity:     s.MaxCapacity,
		MaxWaitlist:     s.MaxWaitlist,
		InstructorID:    s.InstructorID,
		AddDropDeadline: deadline,
		Semester:        s.Semester,
		Prerequisites:   s.Prerequisites,
		MinStanding:     standing,
		Credits:         s.Credits,
	}, nil
}

func (s seedStudent) toProfile() (*catalog.StudentProfile, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	standing := catalog.StandingFreshman
	if s.Standing != "" {
		var err error
		if standing, err = catalog.ParseStanding(s.Standing); err != nil {
			return nil, err
		}
	}
	return &catalog.StudentProfile{
		ID:                   s.ID,
		CompletedCourses:     s.CompletedCourses,
		GPA:                  s.GPA,
		Standing:             standing,
		PriorityWindowOpenAt: s.PriorityWindowOpenAt,
		CreditCap:            s.CreditCap,
	}, nil
}
