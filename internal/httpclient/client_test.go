package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	opts = append([]ClientOption{WithRateLimit(0, 0)}, opts...)
	return NewClient(server.URL+"/", opts...)
}

func TestFetchJob_DecodesBackendResource(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/background-jobs/jobs/job-42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "job-42",
			"county_id": "travis",
			"job_type": "initial_pull",
			"status": "running",
			"start_year": 2020,
			"end_year": 2022,
			"years_status": {"2022": "completed", "2021": "in_progress"},
			"permits_pulled": 1200,
			"created_at": "2024-03-01T10:00:00",
			"updated_at": "2024-03-01T10:05:00Z"
		}`))
	})

	snap, err := client.FetchJob(context.Background(), "job-42")
	require.NoError(t, err)
	assert.Equal(t, "job-42", snap.JobID)
	assert.Equal(t, models.JobStatusRunning, snap.Status)
	require.NotNil(t, snap.UnitRange)
	assert.Equal(t, 3, snap.UnitRange.Size())
	assert.Equal(t, models.UnitInProgress, snap.PerUnitStatus[2021])
	assert.Equal(t, 1200, snap.Metrics.ItemsPulled)
}

func TestFetchJob_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		detail   string
	}{
		{"not found", http.StatusNotFound, `{"detail":"Job not found"}`, interfaces.ErrNotFound, "Job not found"},
		{"server error", http.StatusInternalServerError, `oops`, interfaces.ErrTransient, "oops"},
		{"unavailable", http.StatusServiceUnavailable, ``, interfaces.ErrTransient, "no response body"},
		{"throttled", http.StatusTooManyRequests, `{"detail":"slow down"}`, interfaces.ErrTransient, "slow down"},
		{"unauthorized", http.StatusUnauthorized, `{"detail":{"code":"expired"}}`, nil, `{"code":"expired"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.FetchJob(context.Background(), "job-1")
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.detail, apiErr.Detail)

			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			} else {
				assert.NotErrorIs(t, err, interfaces.ErrTransient)
				assert.NotErrorIs(t, err, interfaces.ErrNotFound)
			}
		})
	}
}

func TestFetchJob_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, WithRateLimit(0, 0))
	_, err := client.FetchJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrTransient)
}

func TestFetchJob_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(20*time.Millisecond))
	defer close(release)

	_, err := client.FetchJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrTransient)
}

func TestFetchHealth_DecodesResource(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.Write([]byte(`{
			"status": "degraded",
			"components": {"database": {"status": "healthy", "priority": "critical", "message": "ok", "response_time_ms": 12.5}},
			"summary": {"healthy": 4, "degraded": 1},
			"uptime_seconds": 3600
		}`))
	})

	snap, err := client.FetchHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.HealthDegraded, snap.Status, "backend status wins when recognised")
	require.Contains(t, snap.Components, "database")
	assert.Equal(t, models.PriorityCritical, snap.Components["database"].Priority)
	assert.Equal(t, models.HealthSummary{Healthy: 4, Degraded: 1}, snap.Summary, "backend summary kept as sent")
	assert.Equal(t, int64(3600), snap.UptimeSeconds)
}

func TestFetchHealth_DerivesMissingStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		want models.HealthStatus
	}{
		{
			name: "unrecognised status",
			body: `{"status": "sideways", "components": {
				"database": {"status": "down", "priority": "critical"},
				"cache": {"status": "healthy", "priority": "low"}}}`,
			want: models.HealthDown,
		},
		{
			name: "missing status",
			body: `{"components": {
				"database": {"status": "healthy", "priority": "critical"},
				"geocoder": {"status": "degraded", "priority": "medium"}}}`,
			want: models.HealthDegraded,
		},
		{
			name: "missing status and no components",
			body: `{}`,
			want: models.HealthUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})

			snap, err := client.FetchHealth(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, snap.Status)
		})
	}
}

func TestFetchHealth_CountsMissingSummary(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "degraded", "components": {
			"database": {"status": "healthy", "priority": "critical"},
			"cache": {"status": "healthy", "priority": "low"},
			"geocoder": {"status": "degraded", "priority": "medium"},
			"mailer": {"status": "paused", "priority": "low"}}}`))
	})

	snap, err := client.FetchHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.HealthSummary{Healthy: 2, Degraded: 1, Unknown: 1}, snap.Summary)
}

func TestCreateJob(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/background-jobs/counties/travis/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "incremental_pull", body["job_type"])
		assert.NotContains(t, body, "CountyID")
		assert.Equal(t, map[string]interface{}{}, body["parameters"])

		w.Write([]byte(`{"id": "job-7", "job_type": "incremental_pull", "status": "pending"}`))
	})

	snap, err := client.CreateJob(context.Background(), &models.CreateJobRequest{
		CountyID: "travis",
		JobType:  models.JobTypeIncrementalPull,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-7", snap.JobID)
	assert.Equal(t, "travis", snap.CountyID)
	assert.Equal(t, models.JobStatusPending, snap.Status)
}

func TestCreateJob_Conflict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"detail":"County already has a running job"}`))
	})

	_, err := client.CreateJob(context.Background(), &models.CreateJobRequest{
		CountyID: "travis",
		JobType:  models.JobTypeInitialPull,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrConflict)
}

func TestCreateJob_ValidatesBeforeSending(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	_, err := client.CreateJob(context.Background(), &models.CreateJobRequest{CountyID: "travis", JobType: "full_resync"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid create job request")

	_, err = client.CreateJob(context.Background(), &models.CreateJobRequest{JobType: models.JobTypeInitialPull})
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestCancelJob(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/background-jobs/jobs/job-1/cancel":
			w.Write([]byte(`{"success": true, "message": "Job job-1 cancelled"}`))
		case "/api/background-jobs/jobs/job-2/cancel":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail":"Cannot cancel job with status 'completed'."}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	require.NoError(t, client.CancelJob(context.Background(), "job-1"))

	err := client.CancelJob(context.Background(), "job-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrConflict)
	assert.True(t, strings.Contains(err.Error(), "Cannot cancel job"))

	err = client.CancelJob(context.Background(), "job-3")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestBearerToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"healthy"}`))
	}, WithBearerToken("secret-token"))

	_, err := client.FetchHealth(context.Background())
	require.NoError(t, err)
}

func TestClientCredentials(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"cc-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer cc-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"healthy"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL,
		WithRateLimit(0, 0),
		WithClientCredentials("dashboard", "s3cret", server.URL+"/oauth/token", nil),
	)

	for i := 0; i < 2; i++ {
		_, err := client.FetchHealth(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token is cached between calls")
}

// taggingTransport marks every request so tests can tell it was used
type taggingTransport struct {
	calls int32
}

func (tr *taggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&tr.calls, 1)
	req = req.Clone(req.Context())
	req.Header.Set("X-Transport", "custom")
	return http.DefaultTransport.RoundTrip(req)
}

func TestAuthKeepsCustomHTTPClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "custom", r.Header.Get("X-Transport"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"cc-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "custom", r.Header.Get("X-Transport"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		w.Write([]byte(`{"status":"healthy"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	auths := map[string]ClientOption{
		"client credentials": WithClientCredentials("dashboard", "s3cret", server.URL+"/oauth/token", nil),
		"bearer":             WithBearerToken("secret-token"),
	}
	for name, auth := range auths {
		t.Run(name+" after custom client", func(t *testing.T) {
			transport := &taggingTransport{}
			client := NewClient(server.URL, WithRateLimit(0, 0),
				WithHTTPClient(&http.Client{Transport: transport}), auth)

			_, err := client.FetchHealth(context.Background())
			require.NoError(t, err)
			assert.NotZero(t, atomic.LoadInt32(&transport.calls))
		})
		t.Run(name+" before custom client", func(t *testing.T) {
			transport := &taggingTransport{}
			client := NewClient(server.URL, WithRateLimit(0, 0),
				auth, WithHTTPClient(&http.Client{Transport: transport}))

			_, err := client.FetchHealth(context.Background())
			require.NoError(t, err)
			assert.NotZero(t, atomic.LoadInt32(&transport.calls))
		})
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy"}`))
	}, WithRateLimit(0.001, 1))

	_, err := client.FetchHealth(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.FetchHealth(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrTransient)
}
