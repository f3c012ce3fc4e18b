// -----------------------------------------------------------------------
// Job Snapshot - point-in-time state of a remote import job
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// JobStatus represents the server-reported state of a background job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition can leave this status
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known job statuses
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// UnitStatus is the per-unit (per-year) progress state of a job
type UnitStatus string

const (
	UnitNotStarted UnitStatus = "not_started"
	UnitInProgress UnitStatus = "in_progress"
	UnitCompleted  UnitStatus = "completed"
)

// Job types accepted by the backend
const (
	JobTypeInitialPull         = "initial_pull"
	JobTypeIncrementalPull     = "incremental_pull"
	JobTypePropertyAggregation = "property_aggregation"
)

// UnitRange is the inclusive span of units (calendar years) a job covers
type UnitRange struct {
	StartUnit int `json:"start_unit"`
	EndUnit   int `json:"end_unit"`
}

// MaxUnits bounds the span of a unit range. A job covers at most a couple of
// centuries of years; anything wider is malformed data.
const MaxUnits = 200

// Size returns the number of units in the range, 0 when the range is inverted.
// Spans wider than the int range saturate at math.MaxInt.
func (r UnitRange) Size() int {
	if r.EndUnit < r.StartUnit {
		return 0
	}
	// Unsigned difference is exact for End >= Start even when End-Start overflows int
	span := uint64(r.EndUnit) - uint64(r.StartUnit)
	if span >= math.MaxInt {
		return math.MaxInt
	}
	return int(span) + 1
}

// Valid reports whether the range is non-empty and at most MaxUnits wide
func (r UnitRange) Valid() bool {
	n := r.Size()
	return n > 0 && n <= MaxUnits
}

// Units returns every unit in the range ordered from most recent to oldest.
// Recent data is pulled first, so this is also processing order.
// Ranges that are not Valid yield nil.
func (r UnitRange) Units() []int {
	if !r.Valid() {
		return nil
	}
	n := r.Size()
	units := make([]int, 0, n)
	for i := 0; i < n; i++ {
		units = append(units, r.EndUnit-i)
	}
	return units
}

// JobMetrics holds the throughput counters reported by the backend
type JobMetrics struct {
	ItemsPulled           int // permits_pulled
	EntitiesCreated       int // properties_created
	LeadsCreated          int
	ThroughputPerSecond   *float64
	EstimatedCompletionAt *time.Time
}

// JobSnapshot is the server's last-known state of one long-running job.
// The client never mutates a snapshot; a newer fetch replaces it.
//
// PerUnitStatus and ProgressPercent may both be present. The per-unit map is
// the newer, authoritative representation; ProgressPercent is kept for
// backends that predate it.
//
// JSON encoding uses the backend's job resource shape in both directions.
type JobSnapshot struct {
	JobID    string
	JobType  string
	CountyID string
	Status   JobStatus

	// Progress
	ProgressPercent *int // Legacy aggregate 0-100
	UnitRange       *UnitRange
	PerUnitStatus   map[int]UnitStatus
	PerUnitCount    map[int]int
	CurrentUnit     *int
	UnitsCompleted  *int // years_completed as reported
	TotalUnits      *int // total_years as reported

	Metrics      JobMetrics
	ErrorMessage string

	// Timestamps
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy so callers can hand snapshots to other goroutines
func (j *JobSnapshot) Clone() *JobSnapshot {
	if j == nil {
		return nil
	}
	c := *j
	c.ProgressPercent = cloneInt(j.ProgressPercent)
	c.CurrentUnit = cloneInt(j.CurrentUnit)
	c.UnitsCompleted = cloneInt(j.UnitsCompleted)
	c.TotalUnits = cloneInt(j.TotalUnits)
	if j.UnitRange != nil {
		r := *j.UnitRange
		c.UnitRange = &r
	}
	if j.PerUnitStatus != nil {
		c.PerUnitStatus = make(map[int]UnitStatus, len(j.PerUnitStatus))
		for k, v := range j.PerUnitStatus {
			c.PerUnitStatus[k] = v
		}
	}
	if j.PerUnitCount != nil {
		c.PerUnitCount = make(map[int]int, len(j.PerUnitCount))
		for k, v := range j.PerUnitCount {
			c.PerUnitCount[k] = v
		}
	}
	if j.Metrics.ThroughputPerSecond != nil {
		v := *j.Metrics.ThroughputPerSecond
		c.Metrics.ThroughputPerSecond = &v
	}
	if j.Metrics.EstimatedCompletionAt != nil {
		v := *j.Metrics.EstimatedCompletionAt
		c.Metrics.EstimatedCompletionAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// CreateJobRequest is the body sent to the backend to start a job for a county
type CreateJobRequest struct {
	CountyID   string                 `json:"-" validate:"required"`
	JobType    string                 `json:"job_type" validate:"required,oneof=initial_pull incremental_pull property_aggregation"`
	Parameters map[string]interface{} `json:"parameters"`
}

// -----------------------------------------------------------------------
// Wire format
// -----------------------------------------------------------------------

// jobResource mirrors the backend's background job JSON
type jobResource struct {
	ID                    string         `json:"id"`
	JobID                 string         `json:"job_id"`
	JobType               string         `json:"job_type"`
	CountyID              string         `json:"county_id"`
	Status                JobStatus      `json:"status"`
	ProgressPercent       *int           `json:"progress_percent"`
	CurrentYear           *int           `json:"current_year"`
	YearsCompleted        *int           `json:"years_completed"`
	TotalYears            *int           `json:"total_years"`
	StartYear             *int           `json:"start_year"`
	EndYear               *int           `json:"end_year"`
	PerYearPermits        map[int]int    `json:"per_year_permits"`
	YearsStatus           map[int]string `json:"years_status"`
	PermitsPulled         int            `json:"permits_pulled"`
	PropertiesCreated     int            `json:"properties_created"`
	LeadsCreated          int            `json:"leads_created"`
	PermitsPerSecond      *float64       `json:"permits_per_second"`
	EstimatedCompletionAt Timestamp      `json:"estimated_completion_at"`
	ErrorMessage          *string        `json:"error_message"`
	CreatedAt             Timestamp      `json:"created_at"`
	UpdatedAt             Timestamp      `json:"updated_at"`
	CompletedAt           Timestamp      `json:"completed_at"`
}

// UnmarshalJSON decodes the backend job resource into a snapshot
func (j *JobSnapshot) UnmarshalJSON(data []byte) error {
	var res jobResource
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("failed to decode job resource: %w", err)
	}

	snap := JobSnapshot{
		JobID:           res.JobID,
		JobType:         res.JobType,
		CountyID:        res.CountyID,
		Status:          JobStatus(strings.ToLower(string(res.Status))),
		ProgressPercent: res.ProgressPercent,
		CurrentUnit:     res.CurrentYear,
		UnitsCompleted:  res.YearsCompleted,
		TotalUnits:      res.TotalYears,
		Metrics: JobMetrics{
			ItemsPulled:           res.PermitsPulled,
			EntitiesCreated:       res.PropertiesCreated,
			LeadsCreated:          res.LeadsCreated,
			ThroughputPerSecond:   res.PermitsPerSecond,
			EstimatedCompletionAt: res.EstimatedCompletionAt.Ptr(),
		},
		CompletedAt: res.CompletedAt.Ptr(),
	}
	if snap.JobID == "" {
		snap.JobID = res.ID
	}
	if res.ErrorMessage != nil {
		snap.ErrorMessage = *res.ErrorMessage
	}
	if t := res.CreatedAt.Ptr(); t != nil {
		snap.CreatedAt = *t
	}
	if t := res.UpdatedAt.Ptr(); t != nil {
		snap.UpdatedAt = *t
	}
	if res.StartYear != nil && res.EndYear != nil {
		snap.UnitRange = &UnitRange{StartUnit: *res.StartYear, EndUnit: *res.EndYear}
	}
	if len(res.YearsStatus) > 0 {
		snap.PerUnitStatus = make(map[int]UnitStatus, len(res.YearsStatus))
		for year, status := range res.YearsStatus {
			snap.PerUnitStatus[year] = UnitStatus(strings.ToLower(status))
		}
	}
	if len(res.PerYearPermits) > 0 {
		snap.PerUnitCount = res.PerYearPermits
	}

	*j = snap
	return nil
}

// MarshalJSON encodes the snapshot back into the backend's job resource shape
func (j JobSnapshot) MarshalJSON() ([]byte, error) {
	res := jobResource{
		ID:                    j.JobID,
		JobID:                 j.JobID,
		JobType:               j.JobType,
		CountyID:              j.CountyID,
		Status:                j.Status,
		ProgressPercent:       j.ProgressPercent,
		CurrentYear:           j.CurrentUnit,
		YearsCompleted:        j.UnitsCompleted,
		TotalYears:            j.TotalUnits,
		PerYearPermits:        j.PerUnitCount,
		PermitsPulled:         j.Metrics.ItemsPulled,
		PropertiesCreated:     j.Metrics.EntitiesCreated,
		LeadsCreated:          j.Metrics.LeadsCreated,
		PermitsPerSecond:      j.Metrics.ThroughputPerSecond,
		EstimatedCompletionAt: TimestampOf(j.Metrics.EstimatedCompletionAt),
		CreatedAt:             TimestampOf(&j.CreatedAt),
		UpdatedAt:             TimestampOf(&j.UpdatedAt),
		CompletedAt:           TimestampOf(j.CompletedAt),
	}
	if j.ErrorMessage != "" {
		msg := j.ErrorMessage
		res.ErrorMessage = &msg
	}
	if j.UnitRange != nil {
		start, end := j.UnitRange.StartUnit, j.UnitRange.EndUnit
		res.StartYear = &start
		res.EndYear = &end
	}
	if len(j.PerUnitStatus) > 0 {
		res.YearsStatus = make(map[int]string, len(j.PerUnitStatus))
		for year, status := range j.PerUnitStatus {
			res.YearsStatus[year] = string(status)
		}
	}
	return json.Marshal(res)
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
