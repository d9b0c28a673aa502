package work

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  ScheduleKind
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: ScheduleCron},
		{name: "cron with seconds", raw: "0 30 * * * *", kind: ScheduleCron},
		{name: "descriptor", raw: "@hourly", kind: ScheduleCron},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: ScheduleCron},
		{name: "duration", raw: "10m", kind: ScheduleInterval, every: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: ScheduleInterval, every: 45 * time.Second},
		{name: "every prefix", raw: "every:01:05", kind: ScheduleInterval, every: 65 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: ScheduleInterval, every: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == ScheduleInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
			if _, err := got.cronSchedule(); err != nil {
				t.Fatalf("cronSchedule(%q) error: %v", tt.raw, err)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "interval:", "cron:", "-5m"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}
