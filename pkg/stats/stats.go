// Package stats defines the fire-and-forget event sink the scheduler emits
// lifecycle events to.
package stats

import (
	"sync"

	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// Run and task event names emitted by the scheduler core.
const (
	EventRunStarted   = "run_started"
	EventRunUpdated   = "run_updated"
	EventRunCompleted = "run_completed"
	EventRunBotDied   = "run_bot_died"

	EventTaskEnqueued       = "task_enqueued"
	EventTaskCompleted      = "task_completed"
	EventTaskRequestExpired = "task_request_expired"
)

// Sink receives scheduler events. Implementations must never block the
// caller on failure; emission errors are swallowed.
type Sink interface {
	AddRunEntry(event string, key taskpack.RunResultKey, fields map[string]interface{})
	AddTaskEntry(event string, key taskpack.ResultSummaryKey, fields map[string]interface{})
}

// NoopSink drops all events.
type NoopSink struct{}

// AddRunEntry implements Sink
func (NoopSink) AddRunEntry(event string, key taskpack.RunResultKey, fields map[string]interface{}) {
}

// AddTaskEntry implements Sink
func (NoopSink) AddTaskEntry(event string, key taskpack.ResultSummaryKey, fields map[string]interface{}) {
}

// Recorder is an in-memory Sink for tests.
type Recorder struct {
	mu      sync.Mutex
	entries []RecordedEntry
}

// RecordedEntry is one captured event.
type RecordedEntry struct {
	Event  string
	Packed string
	Fields map[string]interface{}
}

// AddRunEntry implements Sink
func (r *Recorder) AddRunEntry(event string, key taskpack.RunResultKey, fields map[string]interface{}) {
	r.record(event, taskpack.PackRunResultKey(key), fields)
}

// AddTaskEntry implements Sink
func (r *Recorder) AddTaskEntry(event string, key taskpack.ResultSummaryKey, fields map[string]interface{}) {
	r.record(event, taskpack.PackResultSummaryKey(key), fields)
}

func (r *Recorder) record(event, packed string, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, RecordedEntry{Event: event, Packed: packed, Fields: fields})
}

// Events returns the captured event names, in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Event
	}
	return out
}

// Entries returns a copy of the captured entries.
func (r *Recorder) Entries() []RecordedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEntry(nil), r.entries...)
}
