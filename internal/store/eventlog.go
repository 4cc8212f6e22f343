package store

import (
	"context"
	"fmt"
	"time"

	"github.com/procflow/procflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// A write-intent statement forces lock acquisition up front so concurrent
// writers cannot interleave sequence reads and inserts.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction; an immediate write
	// acquires the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayStepStates replays the event log of a procedure run and returns the
// reconstructed step states. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayStepStates(ctx context.Context, runID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if err := checkContiguous(runID, events); err != nil {
		return nil, err
	}

	states := make(map[string]*StepState)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{
				RunID:    runID,
				StepName: e.StepID,
				Status:   schema.StepStatusPending,
			}
			states[e.StepID] = ss
		}

		switch e.Type {
		case schema.EventStepStart:
			ss.Status = schema.StepStatusRunning
			ts := e.Timestamp
			ss.StartedAt = &ts

		case schema.EventStepComplete:
			ss.Status = schema.StepStatusSucceeded
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Output = e.Payload
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepSkip:
			ss.Status = schema.StepStatusSkipped

		case schema.EventStepFailed, schema.EventStepDenied:
			ss.Status = schema.StepStatusFailed
			ss.Error = e.Payload

		case schema.EventStepRetry:
			ss.Status = schema.StepStatusRunning
			ss.Attempts++
		}
	}
	return states, nil
}

// ReplayItemStates replays the event log of a pipeline run and returns the
// reconstructed item states keyed by item key. Stage boundaries arrive as
// stage_started events with an empty step id; item_done events carry the
// stage the item cleared.
func (el *EventLog) ReplayItemStates(ctx context.Context, runID string) (map[string]*ItemState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if err := checkContiguous(runID, events); err != nil {
		return nil, err
	}

	states := make(map[string]*ItemState)
	currentStage := ""
	for _, e := range events {
		switch e.Type {
		case schema.EventStageStarted:
			currentStage = e.StepID

		case schema.EventItemDone:
			st := itemState(states, runID, e.StepID)
			st.Status = schema.ItemStatusDone
			st.StageReached = currentStage
			st.Data = e.Payload
			st.UpdatedAt = e.Timestamp

		case schema.EventItemFailed:
			st := itemState(states, runID, e.StepID)
			st.Status = schema.ItemStatusFailed
			st.StageReached = currentStage
			st.Error = e.Payload
			st.UpdatedAt = e.Timestamp
		}
	}
	return states, nil
}

func itemState(states map[string]*ItemState, runID, key string) *ItemState {
	st, ok := states[key]
	if !ok {
		st = &ItemState{RunID: runID, ItemKey: key, Status: schema.ItemStatusPending}
		states[key] = st
	}
	return st
}

func checkContiguous(runID string, events []*Event) error {
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}
	return nil
}
