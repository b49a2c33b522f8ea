package domain

import "time"

// AuditKind names an audit event.
type AuditKind string

const (
	AuditAdmissionAccepted AuditKind = "admission.accepted"
	AuditAdmissionRejected AuditKind = "admission.rejected"
	AuditJobStarted        AuditKind = "job.started"
	AuditJobRetrying       AuditKind = "job.retrying"
	AuditJobCompleted      AuditKind = "job.completed"
	AuditJobFailed         AuditKind = "job.failed"
	AuditJobReconciled     AuditKind = "job.reconciled"
	AuditScheduleFired     AuditKind = "schedule.fired"
	AuditScheduleSkipped   AuditKind = "schedule.skipped"
	AuditScheduleCompleted AuditKind = "schedule.completed"
	AuditPolicyChanged     AuditKind = "schedule.policy_changed"
)

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID         string    `db:"id"          json:"id"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
	Kind       AuditKind `db:"kind"        json:"kind"`
	JobID      *string   `db:"job_id"      json:"job_id,omitempty"`
	PolicyID   *string   `db:"policy_id"   json:"policy_id,omitempty"`
	ClientID   string    `db:"client_id"   json:"client_id,omitempty"`
	Target     string    `db:"target"      json:"target,omitempty"`
	Code       string    `db:"code"        json:"code,omitempty"`
	Detail     string    `db:"detail"      json:"detail,omitempty"`
	Attributes JSONBMap  `db:"attributes"  json:"attributes,omitempty"`
}
