// Package tracker records runs and their frames for later inspection.
package tracker

import (
	"context"
	"time"
)

// Run describes a generation run when it starts.
type Run struct {
	ID         string
	StartedAt  time.Time
	MasterSeed uint64
	Variant    string
	Keyframes  int
	Frames     int
	// Params is stored as JSON.
	Params map[string]any
}

// Tracker is implemented by run registries. Frame paths are relative to
// the run's output directory and empty when the frames were not kept.
type Tracker interface {
	StartRun(ctx context.Context, run Run) error
	LogFrame(ctx context.Context, runID string, frame int, seed uint64, path string) error
	FinishRun(ctx context.Context, runID string, status string, frames int) error
}

// Status values passed to FinishRun.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Nop discards everything.
type Nop struct{}

func (Nop) StartRun(context.Context, Run) error                         { return nil }
func (Nop) LogFrame(context.Context, string, int, uint64, string) error { return nil }
func (Nop) FinishRun(context.Context, string, string, int) error        { return nil }
