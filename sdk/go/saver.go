package caselinesdk

import (
	"context"
	"sync"
	"time"
)

// SaveOutcome reports how one debounced persistence attempt ended. The
// local view keeps the written values either way; callers decide whether
// to surface the error.
type SaveOutcome struct {
	CaseID string
	Fields map[string]any
	Err    error
}

// FieldSaver applies case field edits locally first and persists them in
// the background, coalescing bursts of edits into one PATCH. The local
// view is authoritative for the UI; persistence failures are reported,
// not rolled back.
type FieldSaver struct {
	client   *Client
	caseID   string
	debounce *Debouncer
	onResult func(SaveOutcome)

	mu     sync.Mutex
	local  map[string]any
	dirty  map[string]any
	closed bool
}

// NewFieldSaver wires a saver for one case. onResult may be nil; delay
// zero defaults to one second.
func (c *Client) NewFieldSaver(caseID string, delay time.Duration, onResult func(SaveOutcome)) *FieldSaver {
	if delay <= 0 {
		delay = time.Second
	}
	return &FieldSaver{
		client:   c,
		caseID:   caseID,
		debounce: NewDebouncer(delay),
		onResult: onResult,
		local:    map[string]any{},
		dirty:    map[string]any{},
	}
}

// Set records a field value locally and schedules a persist once edits
// go quiet.
func (s *FieldSaver) Set(key string, value any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.local[key] = value
	s.dirty[key] = value
	s.mu.Unlock()
	s.debounce.Trigger(s.persist)
}

// Get returns the local value, which may not be persisted yet.
func (s *FieldSaver) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.local[key]
	return v, ok
}

// Flush persists pending edits immediately.
func (s *FieldSaver) Flush() {
	s.debounce.Flush()
}

// Close cancels any pending persist. Edits already on the server stay;
// unsaved local edits are dropped.
func (s *FieldSaver) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.debounce.Stop()
}

func (s *FieldSaver) persist() {
	s.mu.Lock()
	if s.closed || len(s.dirty) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.dirty
	s.dirty = map[string]any{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.client.PatchCase(ctx, s.caseID, map[string]any{"fields": batch})
	if err != nil {
		// Re-queue so the next edit carries the failed batch along.
		s.mu.Lock()
		for k, v := range batch {
			if _, overwritten := s.dirty[k]; !overwritten {
				s.dirty[k] = v
			}
		}
		s.mu.Unlock()
	}
	if s.onResult != nil {
		s.onResult(SaveOutcome{CaseID: s.caseID, Fields: batch, Err: err})
	}
}
