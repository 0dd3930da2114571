package trigger

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		source  string
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", source: "cron"},
		{in: "30 */2 * * * *", kind: SpecCron, cron: "30 */2 * * * *", source: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "@every 55m", kind: SpecCron, cron: "@every 55m", source: "cron"},
		{in: "cron:*/10 * * * *", kind: SpecCron, cron: "*/10 * * * *", source: "cron"},
		{in: "CRON:@daily", kind: SpecCron, cron: "@daily", source: "cron"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute, source: "duration"},
		{in: "2h30m", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute, source: "duration"},
		{in: "  10m  ", kind: SpecInterval, every: 10 * time.Minute, source: "duration"},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute, source: "hhmm"},
		{in: "00:50", kind: SpecInterval, every: 50 * time.Minute, source: "hhmm"},
		{in: "every:45s", kind: SpecInterval, every: 45 * time.Second, source: "duration"},
		{in: "every:01:00", kind: SpecInterval, every: time.Hour, source: "hhmm"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "every:", wantErr: true},
		{in: "nonsense", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "02:61", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ps, err := ParseSchedule(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tc.in, ps)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error = %v", tc.in, err)
			}
			if ps.Kind != tc.kind {
				t.Fatalf("kind = %v, want %v", ps.Kind, tc.kind)
			}
			if ps.Kind == SpecCron && ps.Cron != tc.cron {
				t.Fatalf("cron = %q, want %q", ps.Cron, tc.cron)
			}
			if ps.Kind == SpecInterval && ps.Every != tc.every {
				t.Fatalf("every = %v, want %v", ps.Every, tc.every)
			}
			if ps.Source != tc.source {
				t.Fatalf("source = %q, want %q", ps.Source, tc.source)
			}
		})
	}
}
