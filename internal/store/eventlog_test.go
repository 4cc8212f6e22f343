package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/schema"
)

func TestAppendEventAssignsSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)
	log := NewEventLog(s)

	for i := 0; i < 3; i++ {
		require.NoError(t, log.AppendEvent(ctx, &Event{
			RunID: run.ID,
			Type:  schema.EventStepStart,
		}))
	}

	events, err := log.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestAppendEventSequencesAreIndependentPerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	log := NewEventLog(s)
	a := seedRun(t, s)
	b := seedRun(t, s)

	require.NoError(t, log.AppendEvent(ctx, &Event{RunID: a.ID, Type: schema.EventRunStarted}))
	require.NoError(t, log.AppendEvent(ctx, &Event{RunID: b.ID, Type: schema.EventRunStarted}))

	evA, err := log.GetEvents(ctx, a.ID, 0)
	require.NoError(t, err)
	evB, err := log.GetEvents(ctx, b.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), evA[0].Sequence)
	assert.Equal(t, int64(1), evB[0].Sequence)
}

func TestAppendEventConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)
	log := NewEventLog(s)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = log.AppendEvent(ctx, &Event{RunID: run.ID, Type: schema.EventStepRetry})
		}()
	}
	wg.Wait()

	events, err := log.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	seen := make(map[int64]bool)
	for _, e := range events {
		assert.False(t, seen[e.Sequence], "duplicate sequence %d", e.Sequence)
		seen[e.Sequence] = true
	}
}

func TestReplayStepStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)
	log := NewEventLog(s)

	emit := func(stepID, typ string, payload json.RawMessage) {
		require.NoError(t, log.AppendEvent(ctx, &Event{
			RunID: run.ID, StepID: stepID, Type: typ, Payload: payload,
		}))
	}

	emit("", schema.EventRunStarted, nil)
	emit("fetch", schema.EventStepStart, nil)
	emit("fetch", schema.EventStepComplete, json.RawMessage(`[1,2,3]`))
	emit("notify", schema.EventStepStart, nil)
	emit("notify", schema.EventStepRetry, nil)
	emit("notify", schema.EventStepFailed, json.RawMessage(`{"code":"ACTION_ERROR"}`))
	emit("cleanup", schema.EventStepSkip, nil)

	states, err := log.ReplayStepStates(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, states, 3)

	assert.Equal(t, schema.StepStatusSucceeded, states["fetch"].Status)
	assert.JSONEq(t, `[1,2,3]`, string(states["fetch"].Output))

	assert.Equal(t, schema.StepStatusFailed, states["notify"].Status)
	assert.Equal(t, 1, states["notify"].Attempts)

	assert.Equal(t, schema.StepStatusSkipped, states["cleanup"].Status)
}

func TestReplayItemStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)
	log := NewEventLog(s)

	emit := func(stepID, typ string, payload json.RawMessage) {
		require.NoError(t, log.AppendEvent(ctx, &Event{
			RunID: run.ID, StepID: stepID, Type: typ, Payload: payload,
		}))
	}

	emit("collect", schema.EventStageStarted, nil)
	emit("item-1", schema.EventItemDone, json.RawMessage(`{"id":1}`))
	emit("item-2", schema.EventItemDone, json.RawMessage(`{"id":2}`))
	emit("shape", schema.EventStageStarted, nil)
	emit("item-1", schema.EventItemDone, json.RawMessage(`{"id":1,"name":"a"}`))
	emit("item-2", schema.EventItemFailed, json.RawMessage(`{"code":"ACTION_ERROR"}`))

	states, err := log.ReplayItemStates(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, schema.ItemStatusDone, states["item-1"].Status)
	assert.Equal(t, "shape", states["item-1"].StageReached)
	assert.JSONEq(t, `{"id":1,"name":"a"}`, string(states["item-1"].Data))

	assert.Equal(t, schema.ItemStatusFailed, states["item-2"].Status)
	assert.Equal(t, "shape", states["item-2"].StageReached)
}
