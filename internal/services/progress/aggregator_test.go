package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/permitwatch/internal/models"
)

func intPtr(v int) *int { return &v }

func TestNormalize_PerUnitStatusIsAuthoritative(t *testing.T) {
	snap := &models.JobSnapshot{
		Status:          models.JobStatusRunning,
		ProgressPercent: intPtr(90), // ignored when the per-unit map is present
		UnitRange:       &models.UnitRange{StartUnit: 2020, EndUnit: 2022},
		PerUnitStatus: map[int]models.UnitStatus{
			2020: models.UnitCompleted,
			2021: models.UnitInProgress,
			2022: models.UnitNotStarted,
		},
	}

	view := Normalize(snap)
	require.NotNil(t, view.Percent)
	assert.Equal(t, 33, *view.Percent)
	assert.Equal(t, 1, view.UnitsCompleted)
	assert.Equal(t, 3, view.TotalUnits)
	require.NotNil(t, view.CurrentUnit)
	assert.Equal(t, 2021, *view.CurrentUnit)
}

func TestNormalize_CurrentUnitOrdering(t *testing.T) {
	tests := []struct {
		name    string
		status  map[int]models.UnitStatus
		want    *int
		percent int
	}{
		{
			name:    "most recent in-progress wins",
			status:  map[int]models.UnitStatus{2020: models.UnitInProgress, 2021: models.UnitCompleted, 2022: models.UnitInProgress},
			want:    intPtr(2022),
			percent: 33,
		},
		{
			name:    "falls back to most recent not started",
			status:  map[int]models.UnitStatus{2020: models.UnitNotStarted, 2021: models.UnitNotStarted, 2022: models.UnitCompleted},
			want:    intPtr(2021),
			percent: 33,
		},
		{
			name:    "units missing from the map count as not started",
			status:  map[int]models.UnitStatus{2022: models.UnitCompleted},
			want:    intPtr(2021),
			percent: 33,
		},
		{
			name:    "all completed",
			status:  map[int]models.UnitStatus{2020: models.UnitCompleted, 2021: models.UnitCompleted, 2022: models.UnitCompleted},
			want:    nil,
			percent: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := Normalize(&models.JobSnapshot{
				UnitRange:     &models.UnitRange{StartUnit: 2020, EndUnit: 2022},
				PerUnitStatus: tt.status,
			})
			assert.Equal(t, tt.want, view.CurrentUnit)
			require.NotNil(t, view.Percent)
			assert.Equal(t, tt.percent, *view.Percent)
		})
	}
}

func TestNormalize_RangeDerivedFromKeys(t *testing.T) {
	view := Normalize(&models.JobSnapshot{
		PerUnitStatus: map[int]models.UnitStatus{
			2018: models.UnitCompleted,
			2021: models.UnitInProgress,
		},
	})

	assert.Equal(t, 4, view.TotalUnits)
	assert.Equal(t, 1, view.UnitsCompleted)
	require.NotNil(t, view.Percent)
	assert.Equal(t, 25, *view.Percent)
	assert.Equal(t, intPtr(2021), view.CurrentUnit)
}

func TestNormalize_OversizedRangeFallsBackToLegacy(t *testing.T) {
	tests := []struct {
		name string
		snap *models.JobSnapshot
	}{
		{
			name: "keys near the int limits",
			snap: &models.JobSnapshot{
				PerUnitStatus: map[int]models.UnitStatus{
					-(1 << 62): models.UnitCompleted,
					1 << 62:    models.UnitInProgress,
				},
				ProgressPercent: intPtr(40),
			},
		},
		{
			name: "keys fifty million apart",
			snap: &models.JobSnapshot{
				PerUnitStatus: map[int]models.UnitStatus{
					0:        models.UnitCompleted,
					50000000: models.UnitInProgress,
				},
				ProgressPercent: intPtr(40),
			},
		},
		{
			name: "oversized explicit range and keys",
			snap: &models.JobSnapshot{
				UnitRange: &models.UnitRange{StartUnit: 0, EndUnit: 1 << 40},
				PerUnitStatus: map[int]models.UnitStatus{
					0:       models.UnitCompleted,
					1 << 40: models.UnitInProgress,
				},
				ProgressPercent: intPtr(40),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var view models.ProgressView
			require.NotPanics(t, func() { view = Normalize(tt.snap) })
			require.NotNil(t, view.Percent)
			assert.Equal(t, 40, *view.Percent)
			assert.Zero(t, view.TotalUnits)
		})
	}
}

func TestNormalize_OversizedExplicitRangeUsesKeys(t *testing.T) {
	view := Normalize(&models.JobSnapshot{
		UnitRange: &models.UnitRange{StartUnit: 0, EndUnit: 1 << 40},
		PerUnitStatus: map[int]models.UnitStatus{
			2020: models.UnitCompleted,
			2021: models.UnitInProgress,
		},
	})

	assert.Equal(t, 2, view.TotalUnits)
	require.NotNil(t, view.Percent)
	assert.Equal(t, 50, *view.Percent)
}

func TestNormalize_RoundsHalfUp(t *testing.T) {
	status := map[int]models.UnitStatus{}
	for year := 2001; year <= 2008; year++ {
		status[year] = models.UnitNotStarted
	}
	status[2008] = models.UnitCompleted // 1/8 = 12.5%

	view := Normalize(&models.JobSnapshot{
		UnitRange:     &models.UnitRange{StartUnit: 2001, EndUnit: 2008},
		PerUnitStatus: status,
	})
	require.NotNil(t, view.Percent)
	assert.Equal(t, 13, *view.Percent)
}

func TestNormalize_LegacyFallback(t *testing.T) {
	view := Normalize(&models.JobSnapshot{
		ProgressPercent: intPtr(57),
		CurrentUnit:     intPtr(2019),
		UnitsCompleted:  intPtr(3),
		TotalUnits:      intPtr(7),
	})

	require.NotNil(t, view.Percent)
	assert.Equal(t, 57, *view.Percent)
	assert.Equal(t, intPtr(2019), view.CurrentUnit)
	assert.Equal(t, 3, view.UnitsCompleted)
	assert.Equal(t, 7, view.TotalUnits)
}

func TestNormalize_LegacyPercentIsClamped(t *testing.T) {
	view := Normalize(&models.JobSnapshot{ProgressPercent: intPtr(140)})
	require.NotNil(t, view.Percent)
	assert.Equal(t, 100, *view.Percent)
}

func TestNormalize_Indeterminate(t *testing.T) {
	view := Normalize(&models.JobSnapshot{Status: models.JobStatusPending})
	assert.True(t, view.Indeterminate())
	assert.Nil(t, view.CurrentUnit)
	assert.Equal(t, -1, view.PercentOr(-1))

	assert.True(t, Normalize(nil).Indeterminate())
}

func TestClamp(t *testing.T) {
	prev := models.ProgressView{Percent: intPtr(40), UnitsCompleted: 2, TotalUnits: 5}

	dropped := Clamp(prev, models.ProgressView{Percent: intPtr(20), UnitsCompleted: 1, TotalUnits: 5})
	assert.Equal(t, 40, *dropped.Percent)
	assert.Equal(t, 2, dropped.UnitsCompleted)

	advanced := Clamp(prev, models.ProgressView{Percent: intPtr(60), UnitsCompleted: 3, TotalUnits: 5})
	assert.Equal(t, 60, *advanced.Percent)
	assert.Equal(t, 3, advanced.UnitsCompleted)

	blank := Clamp(prev, models.ProgressView{})
	require.NotNil(t, blank.Percent)
	assert.Equal(t, 40, *blank.Percent)

	first := Clamp(models.ProgressView{}, models.ProgressView{Percent: intPtr(5)})
	assert.Equal(t, 5, *first.Percent)

	// Clamp never aliases the previous view's pointer
	*dropped.Percent = 99
	assert.Equal(t, 40, *prev.Percent)
}

func TestComplete(t *testing.T) {
	view := Complete(models.ProgressView{Percent: intPtr(66), UnitsCompleted: 2, TotalUnits: 3, CurrentUnit: intPtr(2020)})
	assert.Equal(t, 100, *view.Percent)
	assert.Equal(t, 3, view.UnitsCompleted)
	assert.Nil(t, view.CurrentUnit)
}
