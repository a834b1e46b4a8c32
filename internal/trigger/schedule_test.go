package trigger

import (
	"testing"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"45s", 45 * time.Second},
		{"30m", 30 * time.Minute},
		{"6h", 6 * time.Hour},
		{"2d", 48 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if err != nil {
			t.Errorf("ParseInterval(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseIntervalMalformed(t *testing.T) {
	for _, in := range []string{"", "30", "m30", "30 m", "30w", "-5m", "0s", "1.5h"} {
		if _, err := ParseInterval(in); err == nil {
			t.Errorf("ParseInterval(%q) should fail", in)
		}
	}
}

func TestNextRunTimeInterval(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	// Never run: next = now + interval.
	job := &models.ScheduledJob{ID: "j1", Name: "poll", Prompt: "x", Every: "30m", Enabled: true}
	next, ok, err := NextRunTime(job, now)
	if err != nil || !ok {
		t.Fatalf("unexpected: ok=%v err=%v", ok, err)
	}
	if want := now.Add(30 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// Already run: next = lastRun + interval.
	last := now.Add(-10 * time.Minute)
	job.LastRunAt = &last
	next, _, _ = NextRunTime(job, now)
	if want := last.Add(30 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunTimeOneShot(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	future := now.Add(time.Hour)
	job := &models.ScheduledJob{ID: "j1", Name: "once", Prompt: "x", At: &future}
	next, ok, err := NextRunTime(job, now)
	if err != nil || !ok {
		t.Fatalf("unexpected: ok=%v err=%v", ok, err)
	}
	if !next.Equal(future) {
		t.Errorf("next = %v, want %v", next, future)
	}

	// A one-shot in the past never fires.
	past := now.Add(-time.Hour)
	job.At = &past
	_, ok, err = NextRunTime(job, now)
	if err != nil {
		t.Fatalf("past one-shot is not an error: %v", err)
	}
	if ok {
		t.Error("past one-shot must not produce a fire time")
	}
}

func TestNextRunTimeCronConfigError(t *testing.T) {
	job := &models.ScheduledJob{ID: "j1", Name: "bad", Prompt: "x", Cron: "61 * * * *"}
	if _, _, err := NextRunTime(job, time.Now()); err == nil {
		t.Error("malformed cron must be a configuration error")
	}
}

func TestNextRunTimeTimezone(t *testing.T) {
	job := &models.ScheduledJob{ID: "j1", Name: "tz", Prompt: "x", Cron: "0 9 * * *", Timezone: "America/New_York"}
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC) // 07:00 or 08:00 in New York
	next, ok, err := NextRunTime(job, now)
	if err != nil || !ok {
		t.Fatalf("unexpected: ok=%v err=%v", ok, err)
	}
	loc, _ := time.LoadLocation("America/New_York")
	local := next.In(loc)
	if local.Hour() != 9 || local.Minute() != 0 {
		t.Errorf("next = %v, want 09:00 New York time", local)
	}
	if !next.After(now) {
		t.Errorf("next = %v must be after now %v", next, now)
	}
}
