package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// SchedulePolicy describes a recurring acquisition.
type SchedulePolicy struct {
	ID             string         `db:"id"              json:"policy_id"`
	Trigger        string         `db:"trigger"         json:"trigger"`
	Active         bool           `db:"active"          json:"active"`
	TargetSelector TargetSelector `db:"target_selector" json:"target_selector"`
	Description    string         `db:"description"     json:"description,omitempty"`
	CreatedAt      time.Time      `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"      json:"updated_at"`

	// NextFireTime is derived from the trigger and never stored.
	NextFireTime *time.Time `db:"-" json:"next_fire_time,omitempty"`
}

// TargetSelector is the ordered target list of a policy, stored as JSONB.
type TargetSelector []TargetKey

// Scan implements sql.Scanner.
func (s *TargetSelector) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return errors.New("unsupported type for TargetSelector")
	}
	if len(data) == 0 {
		*s = TargetSelector{}
		return nil
	}
	return json.Unmarshal(data, s)
}

// Value implements driver.Valuer.
func (s TargetSelector) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// ExecutionStatus is the status of a schedule execution log.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ScheduleExecutionLog records one firing of a policy.
type ScheduleExecutionLog struct {
	ID            string          `db:"id"             json:"log_id"`
	PolicyID      string          `db:"policy_id"      json:"policy_id"`
	Status        ExecutionStatus `db:"status"         json:"status"`
	ResultSummary JSONBMap        `db:"result_summary" json:"result_summary,omitempty"`
	ErrorDetail   *string         `db:"error_detail"   json:"error_detail,omitempty"`
	StartedAt     time.Time       `db:"started_at"     json:"started_at"`
	CompletedAt   *time.Time      `db:"completed_at"   json:"completed_at,omitempty"`
}

// BatchSummary aggregates the outcome of one firing.
type BatchSummary struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Rejected  int      `json:"rejected"`
	JobIDs    []string `json:"job_ids"`
}

// AsMap converts the summary for JSONB storage.
func (b BatchSummary) AsMap() JSONBMap {
	ids := make([]any, len(b.JobIDs))
	for i, id := range b.JobIDs {
		ids[i] = id
	}
	return JSONBMap{
		"attempted": b.Attempted,
		"succeeded": b.Succeeded,
		"failed":    b.Failed,
		"rejected":  b.Rejected,
		"job_ids":   ids,
	}
}
