package server

import (
	"testing"
	"time"
)

func TestNextExport(t *testing.T) {
	now := time.Date(2026, 2, 20, 10, 2, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 2, 20, 10, 5, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 2, 20, 11, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 2, 21, 0, 0, 0, 0, time.UTC)},
		{"  @hourly ", time.Date(2026, 2, 20, 11, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := nextExport(tt.expr, now)
		if err != nil {
			t.Fatalf("nextExport(%q) error = %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("nextExport(%q) = %s, want %s", tt.expr, got.Format(time.RFC3339), tt.want.Format(time.RFC3339))
		}
	}
}

func TestValidateExportSchedule_Rejects(t *testing.T) {
	for _, expr := range []string{
		"",
		"CRON_TZ=America/Los_Angeles * * * * *",
		"TZ=UTC 0 * * * *",
		"@every 1h",
		"* * * *",
		"0 0 * * * *",
	} {
		if err := ValidateExportSchedule(expr); err == nil {
			t.Errorf("ValidateExportSchedule(%q) succeeded", expr)
		}
	}
}
