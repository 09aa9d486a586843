package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/nicktill/sensorvault/pkg/clock"
)

func newJobs() (*Jobs, *clock.Fake) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewJobs(fake), fake
}

func TestJobMonitor_RecordSuccess(t *testing.T) {
	jobs, _ := newJobs()
	jm := jobs.Track("hourly-aggregation", 0)
	jm.RecordFailure(time.Second, errors.New("disk full"))
	jm.RecordSuccess(2 * time.Second)

	status := jm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want empty", status.LastError)
	}
	if status.Runs != 2 || status.Failures != 1 {
		t.Errorf("Runs/Failures = %d/%d, want 2/1", status.Runs, status.Failures)
	}
	if status.LastDuration != "2s" {
		t.Errorf("LastDuration = %q, want 2s", status.LastDuration)
	}
}

func TestJobMonitor_RecordFailure(t *testing.T) {
	jobs, _ := newJobs()
	jm := jobs.Get("daily-maintenance")
	jm.RecordFailure(0, errors.New("disk full"))

	status := jm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "disk full" {
		t.Errorf("LastError = %q, want %q", status.LastError, "disk full")
	}
	if !status.Healthy {
		t.Error("one failure should not make the job unhealthy")
	}
}

func TestJobMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*JobMonitor, *clock.Fake)
		expected bool
	}{
		{
			name:     "never ran",
			setup:    func(*JobMonitor, *clock.Fake) {},
			expected: true,
		},
		{
			name: "recent success",
			setup: func(jm *JobMonitor, _ *clock.Fake) {
				jm.RecordSuccess(0)
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(jm *JobMonitor, fake *clock.Fake) {
				jm.RecordSuccess(0)
				fake.Advance(3 * time.Hour)
			},
			expected: false,
		},
		{
			name: "three failures",
			setup: func(jm *JobMonitor, _ *clock.Fake) {
				for i := 0; i < 3; i++ {
					jm.RecordFailure(0, errors.New("boom"))
				}
			},
			expected: true,
		},
		{
			name: "four failures",
			setup: func(jm *JobMonitor, _ *clock.Fake) {
				for i := 0; i < 4; i++ {
					jm.RecordFailure(0, errors.New("boom"))
				}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, fake := newJobs()
			jm := jobs.Track("job", 2*time.Hour)
			tt.setup(jm, fake)
			if got := jm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestJobs_Statuses(t *testing.T) {
	jobs, _ := newJobs()
	jobs.RecordSuccess("store-gc", time.Millisecond)
	jobs.RecordFailure("daily-maintenance", time.Millisecond, errors.New("x"))
	jobs.Track("hourly-aggregation", time.Hour)

	statuses := jobs.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("len(Statuses()) = %d, want 3", len(statuses))
	}
	want := []string{"daily-maintenance", "hourly-aggregation", "store-gc"}
	for i, st := range statuses {
		if st.Name != want[i] {
			t.Errorf("Statuses()[%d].Name = %q, want %q", i, st.Name, want[i])
		}
	}
	if !jobs.Healthy() {
		t.Error("Healthy() = false, want true")
	}

	for i := 0; i < 4; i++ {
		jobs.RecordFailure("store-gc", 0, errors.New("x"))
	}
	if jobs.Healthy() {
		t.Error("Healthy() = true after repeated failures, want false")
	}
}
