// Package history persists finished and in-flight task records so the
// shell can show past work after a daemon restart.
package history

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("task not found in history")

// Message is one transcript entry persisted with a task.
type Message struct {
	Role    string
	Content string
	At      time.Time
}

// Record is the persisted form of one task.
type Record struct {
	TaskID     string
	SessionID  string
	Prompt     string
	Model      string
	Source     string
	Status     string
	Summary    string
	CreatedAt  time.Time
	FinishedAt *time.Time
	Messages   []Message
}

type Store interface {
	SaveTask(ctx context.Context, rec Record) error
	GetTask(ctx context.Context, taskID string) (Record, error)
	ListRecent(ctx context.Context, limit int) ([]Record, error)
	// Mode names the backing store for health reporting.
	Mode() string
	Close() error
}

// NewStore returns a postgres-backed store when databaseURL is set and an
// in-memory store otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
