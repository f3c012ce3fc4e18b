package models

// ProgressView is the normalised progress of a job as the dashboard renders it.
// A nil Percent means progress is indeterminate and must not be shown as 0%.
type ProgressView struct {
	Percent        *int `json:"percent"`
	CurrentUnit    *int `json:"current_unit"`
	UnitsCompleted int  `json:"units_completed"`
	TotalUnits     int  `json:"total_units"`
}

// Indeterminate reports whether no percentage is known
func (p ProgressView) Indeterminate() bool {
	return p.Percent == nil
}

// PercentOr returns the percentage or def when indeterminate
func (p ProgressView) PercentOr(def int) int {
	if p.Percent == nil {
		return def
	}
	return *p.Percent
}
