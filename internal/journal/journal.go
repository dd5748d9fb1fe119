// Package journal implements the crash-recovery journal of spec.md §8: a
// single Postgres-backed append-only log sufficient to resume or finalize
// in-flight tasks on restart and to restore Provider Pool quota window
// counters.
package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kdlbs/agentmesh/internal/common/database"
)

// Kind enumerates the closed set of journal record kinds.
type Kind string

const (
	KindTaskCreated    Kind = "TASK_CREATED"
	KindTaskDispatched Kind = "TASK_DISPATCHED"
	KindTaskTerminal   Kind = "TASK_TERMINAL"
	KindQuotaRoll      Kind = "QUOTA_ROLL"
	KindConfigChange   Kind = "CONFIG_CHANGE"
)

// Record is one entry in the journal: a monotonic sequence number, the wall
// clock at append time, a Kind, and an arbitrary JSON payload. Idempotent
// marks whether replaying this record twice is safe without external
// side effects (e.g. a TaskTerminal record that simply restates the task's
// final state is idempotent; a QuotaRoll that increments a counter is not).
type Record struct {
	Seq        int64
	WallClock  int64 // unix nanos; supplied by the caller, never time.Now() inside this package
	Kind       Kind
	TaskID     string
	Payload    map[string]any
	Idempotent bool
}

const schema = `
CREATE TABLE IF NOT EXISTS journal_records (
	seq         BIGSERIAL PRIMARY KEY,
	wall_clock  BIGINT NOT NULL,
	kind        TEXT NOT NULL,
	task_id     TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL DEFAULT '{}',
	idempotent  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_journal_records_task_id ON journal_records (task_id);
`

// Journal is the append-only store. It is safe for concurrent use.
type Journal struct {
	db *database.DB
}

// New opens (and migrates, if necessary) the journal table on db.
func New(ctx context.Context, db *database.DB) (*Journal, error) {
	if _, err := db.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append writes r to the journal and returns the seq Postgres assigned it.
func (j *Journal) Append(ctx context.Context, r Record) (int64, error) {
	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		payloadJSON = []byte("{}")
	}

	var seq int64
	err = j.db.QueryRow(ctx, `
		INSERT INTO journal_records (wall_clock, kind, task_id, payload, idempotent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`, r.WallClock, string(r.Kind), r.TaskID, string(payloadJSON), r.Idempotent).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append journal record: %w", err)
	}
	return seq, nil
}

// ReplayFunc is invoked once per record in seq order during Replay.
type ReplayFunc func(r Record) error

// Replay reads every record in ascending seq order, calling fn for each.
// Replay stops and returns fn's error on the first failure, leaving later
// records unprocessed; callers resume replay by re-invoking Replay (it is
// not itself resumable mid-stream).
func (j *Journal) Replay(ctx context.Context, fn ReplayFunc) error {
	rows, err := j.db.Query(ctx, `
		SELECT seq, wall_clock, kind, task_id, payload, idempotent
		FROM journal_records
		ORDER BY seq ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r           Record
			kind        string
			payloadJSON string
		)
		if err := rows.Scan(&r.Seq, &r.WallClock, &kind, &r.TaskID, &payloadJSON, &r.Idempotent); err != nil {
			return fmt.Errorf("failed to scan journal record: %w", err)
		}
		r.Kind = Kind(kind)
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &r.Payload); err != nil {
				return fmt.Errorf("failed to decode journal record %d payload: %w", r.Seq, err)
			}
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastTerminalSeq returns the seq of the most recent TaskTerminal record for
// taskID, or 0 if the task never reached a terminal state. Used on startup
// to decide whether an in-flight task needs to be marked
// Failed/RecoveredFromCrash per §8.
func (j *Journal) LastTerminalSeq(ctx context.Context, taskID string) (int64, error) {
	var seq int64
	err := j.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM journal_records
		WHERE task_id = $1 AND kind = $2
	`, taskID, string(KindTaskTerminal)).Scan(&seq)
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("failed to query last terminal seq: %w", err)
	}
	return seq, nil
}
