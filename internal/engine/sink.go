package engine

import (
	"context"

	"github.com/lachart/steptest/internal/telemetry"
)

// ResultSink persists completed tests. SaveResult runs on its own goroutine.
type ResultSink interface {
	SaveResult(ctx context.Context, r Result) error
}

// Telemetry is the part of the hub the engine drives.
type Telemetry interface {
	Snapshot() telemetry.Snapshot
	SetRecovery(active bool)
}

var (
	_ Telemetry = (*telemetry.Hub)(nil)
	_ Telemetry = telemetry.SmoothedSource{}
)
