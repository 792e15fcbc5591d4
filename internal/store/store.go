// Package store persists simulation runs and their scheduling traces.
package store

import (
	"context"

	"github.com/me/mvesched/pkg/model"
)

// Store defines the persistence layer for runs and trace events.
type Store interface {
	// Run CRUD
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	UpdateRun(ctx context.Context, run *model.Run) error

	// Trace events
	AppendEvents(ctx context.Context, events []model.TraceEvent) error
	ListEvents(ctx context.Context, runID string, opts model.ListOptions) ([]model.TraceEvent, int, error)
	CountByKind(ctx context.Context, runID string) ([]model.KindCount, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
