// Package steprt is an in-process step runtime: registered functions react
// to named events and break their work into durable steps. A step that
// already ran is replayed from its checkpoint on retry, so a run resumes
// where it crashed instead of repeating completed side effects.
package steprt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event is one unit of work. ID doubles as the idempotency key: two sends
// with the same ID resolve to the same run and share its checkpoints.
type Event struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// NewEvent builds an event with a fresh ID and a JSON-encoded payload.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode event %s: %w", name, err)
	}
	return Event{ID: uuid.NewString(), Name: name, Data: data}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode event %s: %w", e.Name, err)
	}
	return nil
}

// StepContext is handed to a function handler for one run attempt. It owns
// the run's checkpoint namespace and can emit follow-up events.
type StepContext struct {
	runID       string
	checkpoints CheckpointStore
	rt          *Runtime
	logger      logrus.FieldLogger
}

// Logger returns the run-scoped logger.
func (sc *StepContext) Logger() logrus.FieldLogger {
	return sc.logger
}

// run executes one named step, memoized per run. The raw JSON result of a
// finished step is checkpointed before it is returned; a later attempt of
// the same run returns the stored result without calling fn.
func (sc *StepContext) run(ctx context.Context, name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if stored, ok, err := sc.checkpoints.Get(sc.runID, name); err != nil {
		sc.logger.WithField("step", name).WithError(err).Warn("checkpoint read failed, re-executing step")
	} else if ok {
		sc.logger.WithField("step", name).Debug("step replayed from checkpoint")
		return stored, nil
	}

	result, err := fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", name, err)
	}

	if err := sc.checkpoints.Put(sc.runID, name, result); err != nil {
		// The step's effects are idempotent downstream, so a lost
		// checkpoint only costs a re-execution on retry.
		sc.logger.WithField("step", name).WithError(err).Warn("checkpoint write failed")
	}
	return result, nil
}

// SendEvent emits a follow-up event onto the runtime queue. Sends are not
// checkpointed: a retried run re-emits them and downstream handlers are
// idempotent by construction.
func (sc *StepContext) SendEvent(ctx context.Context, evt Event) error {
	return sc.rt.Send(ctx, evt)
}

// RunStep executes a typed step inside a run. T must round-trip through
// JSON, which is what makes replay from a checkpoint transparent.
func RunStep[T any](ctx context.Context, sc *StepContext, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := sc.run(ctx, name, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return data, nil
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("step %s: decode checkpoint: %w", name, err)
	}
	return out, nil
}
