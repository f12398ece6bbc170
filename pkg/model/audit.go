package model

import "time"

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// AuditEventType identifies the type of auditable guard event.
type AuditEventType string

const (
	EventTypeLeaseAcquired  AuditEventType = "lease_acquired"
	EventTypeLeaseReclaimed AuditEventType = "lease_reclaimed"
	EventTypeLeaseRejected  AuditEventType = "lease_rejected"
	EventTypeLeaseReleased  AuditEventType = "lease_released"
	EventTypeLeaseForced    AuditEventType = "lease_force_released"
)

// AuditRecord is a single line in the audit log (JSONL format).
type AuditRecord struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventType    AuditEventType `json:"event_type"`
	Key          LockKey        `json:"key"`
	Job          string         `json:"job,omitempty"`
	InvocationID string         `json:"invocation_id,omitempty"`
	Holder       string         `json:"holder,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PrevHash     HashValue      `json:"prev_hash"`
	RecordHash   HashValue      `json:"record_hash"`
}
