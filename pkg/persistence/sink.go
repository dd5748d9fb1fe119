// Package persistence defines the optional PersistenceSink collaborator of
// spec.md §6: a fire-and-forget recorder of finished tasks, never on the
// core's critical path.
package persistence

import (
	"context"

	"github.com/kdlbs/agentmesh/internal/task"
)

// Sink records a task's terminal result for external history/audit. Record
// must not block dispatch: callers invoke it asynchronously and log, never
// propagate, its error.
type Sink interface {
	Record(ctx context.Context, t *task.Task, r *task.Result) error
}

// NopSink discards every record. It is the default when no Sink is
// configured, so the core never has a nil-check sprinkled through its
// dispatch path.
type NopSink struct{}

func (NopSink) Record(context.Context, *task.Task, *task.Result) error { return nil }
