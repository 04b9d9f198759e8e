package logging

import "time"

// PhaseTimer logs a structured debug event for each phase transition a
// worker goroutine passes through while servicing one Message: waiting on
// the queue ("rx"), doing the backend call ("processing write", "read",
// "list", "remove", ...), and handing the result back ("send response").
// It mirrors the role the original rdedup source gave to slog-perf's
// TimeReporter, trading its implicit end-of-scope reporting (there is no
// Drop in Go) for an explicit Phase call per transition.
type PhaseTimer struct {
	log   *Logger
	label string
	start time.Time
	phase string
}

// NewPhaseTimer begins timing a unit of work identified by label (the
// asyncio worker loop passes "worker").
func NewPhaseTimer(log *Logger, label string) *PhaseTimer {
	return &PhaseTimer{log: log, label: label, start: time.Now()}
}

// Phase closes out the previous phase (if any) with a debug log line
// carrying its elapsed duration, then begins timing the next one named name.
func (t *PhaseTimer) Phase(name string) {
	now := time.Now()
	if t.phase != "" {
		t.log.Debug().Str("label", t.label).Str("phase", t.phase).Dur("elapsed", now.Sub(t.start)).Log("phase done")
	}
	t.phase = name
	t.start = now
}

// Done closes out the final phase, if one is open.
func (t *PhaseTimer) Done() {
	t.Phase("")
}
