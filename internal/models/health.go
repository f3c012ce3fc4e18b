package models

import "time"

// HealthStatus is the aggregate or per-component health of the backend
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
	HealthUnknown  HealthStatus = "unknown"
)

// Normalize maps unrecognised values to HealthUnknown
func (s HealthStatus) Normalize() HealthStatus {
	switch s {
	case HealthHealthy, HealthDegraded, HealthDown:
		return s
	}
	return HealthUnknown
}

// Priority ranks how much a component matters to overall health
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ComponentHealth is the health check result of one backend component
type ComponentHealth struct {
	Status         HealthStatus `json:"status"`
	Priority       Priority     `json:"priority"`
	Message        string       `json:"message"`
	ResponseTimeMs *float64     `json:"response_time_ms,omitempty"`
	LastCheckedAt  Timestamp    `json:"last_checked"`
}

// HealthSummary counts components per status
type HealthSummary struct {
	Healthy  int `json:"healthy"`
	Degraded int `json:"degraded"`
	Down     int `json:"down"`
	Unknown  int `json:"unknown"`
}

// HealthSnapshot is one fetch of the backend health resource.
// It has no terminal state; it is refreshed for as long as anyone observes it.
type HealthSnapshot struct {
	Status        HealthStatus               `json:"status"`
	Timestamp     Timestamp                  `json:"timestamp"`
	Components    map[string]ComponentHealth `json:"components"`
	Summary       HealthSummary              `json:"summary"`
	UptimeSeconds int64                      `json:"uptime_seconds"`

	// Error is set only on snapshots synthesised locally after a failed fetch
	Error string `json:"error,omitempty"`
}

// DownSnapshot builds the synthetic snapshot used when the health fetch fails
func DownSnapshot(err error, at time.Time) *HealthSnapshot {
	msg := "health check unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &HealthSnapshot{
		Status:     HealthDown,
		Timestamp:  TimestampOf(&at),
		Components: map[string]ComponentHealth{},
		Error:      msg,
	}
}

// Summarize counts components per status
func Summarize(components map[string]ComponentHealth) HealthSummary {
	var summary HealthSummary
	for _, c := range components {
		switch c.Status.Normalize() {
		case HealthHealthy:
			summary.Healthy++
		case HealthDegraded:
			summary.Degraded++
		case HealthDown:
			summary.Down++
		default:
			summary.Unknown++
		}
	}
	return summary
}

// DeriveStatus computes overall status from components:
// any critical component down means down, any degraded or down component
// means degraded, otherwise healthy. No components means unknown.
func DeriveStatus(components map[string]ComponentHealth) HealthStatus {
	if len(components) == 0 {
		return HealthUnknown
	}
	for _, c := range components {
		if c.Status == HealthDown && c.Priority == PriorityCritical {
			return HealthDown
		}
	}
	for _, c := range components {
		if c.Status == HealthDown || c.Status == HealthDegraded {
			return HealthDegraded
		}
	}
	return HealthHealthy
}

// Clone returns a deep copy of the snapshot
func (h *HealthSnapshot) Clone() *HealthSnapshot {
	if h == nil {
		return nil
	}
	c := *h
	if h.Components != nil {
		c.Components = make(map[string]ComponentHealth, len(h.Components))
		for name, comp := range h.Components {
			if comp.ResponseTimeMs != nil {
				v := *comp.ResponseTimeMs
				comp.ResponseTimeMs = &v
			}
			c.Components[name] = comp
		}
	}
	return &c
}
