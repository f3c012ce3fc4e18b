// Package progress turns raw job snapshots into the progress view the dashboard renders.
package progress

import (
	"math"
	"sort"

	"github.com/ternarybob/permitwatch/internal/models"
)

// Normalize converts a job snapshot into a ProgressView.
//
// Precedence:
//  1. PerUnitStatus present: it is authoritative. Units are counted over
//     UnitRange (derived from the map's keys when the range is absent) and the
//     current unit is the most recent in-progress unit, else the most recent
//     not-started unit.
//  2. Otherwise, or when no range of at most models.MaxUnits can be found,
//     ProgressPercent and CurrentUnit are taken verbatim.
//  3. Neither present: Percent is nil (indeterminate).
func Normalize(snap *models.JobSnapshot) models.ProgressView {
	if snap == nil {
		return models.ProgressView{}
	}
	if len(snap.PerUnitStatus) > 0 {
		if unitRange, ok := rangeOf(snap); ok {
			return fromUnits(snap, unitRange)
		}
	}
	return fromLegacy(snap)
}

func fromUnits(snap *models.JobSnapshot, unitRange models.UnitRange) models.ProgressView {
	units := unitRange.Units()

	view := models.ProgressView{TotalUnits: len(units)}

	var firstInProgress, firstNotStarted *int
	for _, unit := range units {
		u := unit
		switch snap.PerUnitStatus[unit] {
		case models.UnitCompleted:
			view.UnitsCompleted++
		case models.UnitInProgress:
			if firstInProgress == nil {
				firstInProgress = &u
			}
		default:
			// Units missing from the map have not been reached yet
			if firstNotStarted == nil {
				firstNotStarted = &u
			}
		}
	}

	if firstInProgress != nil {
		view.CurrentUnit = firstInProgress
	} else {
		view.CurrentUnit = firstNotStarted
	}

	if view.TotalUnits > 0 {
		pct := percentOf(view.UnitsCompleted, view.TotalUnits)
		view.Percent = &pct
	}
	return view
}

func fromLegacy(snap *models.JobSnapshot) models.ProgressView {
	view := models.ProgressView{}
	if snap.ProgressPercent != nil {
		pct := clampPercent(*snap.ProgressPercent)
		view.Percent = &pct
	}
	if snap.CurrentUnit != nil {
		u := *snap.CurrentUnit
		view.CurrentUnit = &u
	}
	if snap.UnitsCompleted != nil {
		view.UnitsCompleted = *snap.UnitsCompleted
	}
	if snap.TotalUnits != nil {
		view.TotalUnits = *snap.TotalUnits
	} else if snap.UnitRange != nil && snap.UnitRange.Valid() {
		view.TotalUnits = snap.UnitRange.Size()
	}
	return view
}

// rangeOf returns the snapshot's unit range, or the span of the per-unit map's
// keys. ok is false when neither gives a range of at most MaxUnits.
func rangeOf(snap *models.JobSnapshot) (models.UnitRange, bool) {
	if snap.UnitRange != nil && snap.UnitRange.Valid() {
		return *snap.UnitRange, true
	}
	keys := make([]int, 0, len(snap.PerUnitStatus))
	for unit := range snap.PerUnitStatus {
		keys = append(keys, unit)
	}
	sort.Ints(keys)
	r := models.UnitRange{StartUnit: keys[0], EndUnit: keys[len(keys)-1]}
	return r, r.Valid()
}

// Clamp keeps a running job's view from moving backwards.
// An indeterminate next view keeps the previous percentage.
func Clamp(prev, next models.ProgressView) models.ProgressView {
	if prev.Percent == nil {
		return next
	}
	if next.Percent == nil || *next.Percent < *prev.Percent {
		pct := *prev.Percent
		next.Percent = &pct
	}
	if next.UnitsCompleted < prev.UnitsCompleted {
		next.UnitsCompleted = prev.UnitsCompleted
	}
	return next
}

// Complete returns the view of a finished job: 100% with every unit done
func Complete(view models.ProgressView) models.ProgressView {
	pct := 100
	view.Percent = &pct
	if view.TotalUnits > 0 {
		view.UnitsCompleted = view.TotalUnits
	}
	view.CurrentUnit = nil
	return view
}

func percentOf(done, total int) int {
	return clampPercent(int(math.Round(float64(done) / float64(total) * 100)))
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
