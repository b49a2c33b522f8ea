// Package domain provides the acquisition models shared across the application.
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TargetKind distinguishes the two kinds of acquisition target.
type TargetKind string

const (
	// TargetRegionCategory addresses one category of a region-wide archive.
	TargetRegionCategory TargetKind = "region_category"
	// TargetItem addresses a single item by its public identifier.
	TargetItem TargetKind = "item"
)

var (
	regionPattern   = regexp.MustCompile(`^[A-Z]{2}$`)
	categoryPattern = regexp.MustCompile(`^[A-Z0-9_]{1,32}$`)
	itemPattern     = regexp.MustCompile(`^[A-Za-z0-9.\-]{4,64}$`)
)

// TargetKey identifies what an acquisition job fetches.
type TargetKey struct {
	Kind     TargetKind `json:"kind"`
	Region   string     `json:"region,omitempty"`
	Category string     `json:"category,omitempty"`
	ItemID   string     `json:"item_id,omitempty"`
}

// RegionTarget builds a normalized region+category target.
func RegionTarget(region, category string) TargetKey {
	return TargetKey{
		Kind:     TargetRegionCategory,
		Region:   strings.ToUpper(strings.TrimSpace(region)),
		Category: strings.ToUpper(strings.TrimSpace(category)),
	}
}

// ItemTarget builds a normalized single-item target.
func ItemTarget(itemID string) TargetKey {
	return TargetKey{Kind: TargetItem, ItemID: strings.TrimSpace(itemID)}
}

// Validate reports whether the target is well formed.
func (t TargetKey) Validate() error {
	switch t.Kind {
	case TargetRegionCategory:
		if !regionPattern.MatchString(t.Region) {
			return fmt.Errorf("invalid region %q", t.Region)
		}
		if !categoryPattern.MatchString(t.Category) {
			return fmt.Errorf("invalid category %q", t.Category)
		}
	case TargetItem:
		if !itemPattern.MatchString(t.ItemID) {
			return fmt.Errorf("invalid item id %q", t.ItemID)
		}
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}

// String returns the canonical form: state/<REGION>/<CATEGORY> or car/<ITEM_ID>.
func (t TargetKey) String() string {
	if t.Kind == TargetItem {
		return "car/" + t.ItemID
	}
	return "state/" + t.Region + "/" + t.Category
}

// AcquisitionJob is one attempt-tracking record for a single target.
type AcquisitionJob struct {
	ID string `db:"id" json:"id"`

	// Target, stored as first-class columns.
	TargetKind TargetKind `db:"target_kind" json:"target_kind"`
	Region     *string    `db:"region"      json:"region,omitempty"`
	Category   *string    `db:"category"    json:"category,omitempty"`
	ItemID     *string    `db:"item_id"     json:"item_id,omitempty"`

	State        JobState `db:"state"         json:"state"`
	AttemptCount int      `db:"attempt_count" json:"attempt_count"`
	MaxAttempts  int      `db:"max_attempts"  json:"max_attempts"`

	// Populated only when completed.
	ArtifactPath      *string `db:"artifact_path"       json:"artifact_path,omitempty"`
	ArtifactSizeBytes *int64  `db:"artifact_size_bytes" json:"artifact_size_bytes,omitempty"`

	// Populated only when failed.
	FailureCode   *string `db:"failure_code"   json:"failure_code,omitempty"`
	FailureReason *string `db:"failure_reason" json:"failure_reason,omitempty"`

	ClientID       string  `db:"client_id"        json:"client_id"`
	PolicyID       *string `db:"policy_id"        json:"policy_id,omitempty"`
	ExecutionLogID *string `db:"execution_log_id" json:"execution_log_id,omitempty"`

	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
}

// NewAcquisitionJob returns a pending job for target.
func NewAcquisitionJob(id string, target TargetKey, clientID string, maxAttempts int, now time.Time) *AcquisitionJob {
	job := &AcquisitionJob{
		ID:          id,
		TargetKind:  target.Kind,
		State:       StatePending,
		MaxAttempts: maxAttempts,
		ClientID:    clientID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if target.Kind == TargetItem {
		job.ItemID = &target.ItemID
	} else {
		job.Region = &target.Region
		job.Category = &target.Category
	}
	return job
}

// Target rebuilds the target key from the stored columns.
func (j *AcquisitionJob) Target() TargetKey {
	if j.TargetKind == TargetItem {
		return TargetKey{Kind: TargetItem, ItemID: deref(j.ItemID)}
	}
	return TargetKey{Kind: TargetRegionCategory, Region: deref(j.Region), Category: deref(j.Category)}
}

// AttemptsLeft reports whether another attempt fits in the budget.
func (j *AcquisitionJob) AttemptsLeft() bool {
	return j.AttemptCount < j.MaxAttempts
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
