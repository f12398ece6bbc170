package model

import "time"

// RunOutcome tells how the guarded body finished.
type RunOutcome string

const (
	OutcomeSuccess RunOutcome = "success"
	OutcomeError   RunOutcome = "error"
)

// GuardEvent describes one guard transition. It is handed to observers
// (audit log, metrics, notifications).
type GuardEvent struct {
	Type         AuditEventType
	Time         time.Time
	Job          string
	Key          LockKey
	InvocationID string
	Holder       string
	Remaining    time.Duration
	Outcome      RunOutcome
	Err          error
}

// Details returns the event-specific fields for structured sinks.
func (e GuardEvent) Details() map[string]any {
	d := map[string]any{}
	if e.Type == EventTypeLeaseRejected {
		d["remaining_seconds"] = int64(e.Remaining / time.Second)
	}
	if e.Outcome != "" {
		d["outcome"] = string(e.Outcome)
	}
	if e.Err != nil {
		d["error"] = e.Err.Error()
	}
	if len(d) == 0 {
		return nil
	}
	return d
}
