// Package store defines the storage interface for recorded runs and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the run recorder.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, endedAt time.Time) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, identity string, limit int) ([]Run, error)

	// Events
	AppendEvent(ctx context.Context, ev *Event) (int64, error)
	ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]Event, error)

	// Screenshots
	SaveScreenshot(ctx context.Context, shot *Screenshot) error
	CountScreenshots(ctx context.Context, runID string) (int, error)

	// Data retention
	PurgeOldRuns(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Run status values.
const (
	RunRecording = "recording"
	RunFinished  = "finished"
)

// Run is one recorded agent run.
type Run struct {
	ID              string     `json:"id"`
	Identity        string     `json:"bot"`
	Goal            string     `json:"goal"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EventCount      int        `json:"event_count"`
	ScreenshotCount int        `json:"screenshot_count"`
}

// Event is one log entry of a recorded run.
type Event struct {
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Kind      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

// Screenshot is a decoded bot screenshot.
type Screenshot struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	MimeType  string    `json:"mime_type"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
