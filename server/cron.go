package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Export schedules are five-field cron expressions or descriptors such as
// "@daily", always evaluated in UTC.
var exportScheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateExportSchedule reports whether expr is a usable export_schedule.
func ValidateExportSchedule(expr string) error {
	_, err := parseExportSchedule(expr)
	return err
}

// nextExport returns the first export time after now.
func nextExport(expr string, now time.Time) (time.Time, error) {
	schedule, err := parseExportSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}

func parseExportSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return nil, errors.New("export schedule is empty")
	case strings.Contains(strings.ToUpper(expr), "TZ="):
		return nil, errors.New("export schedule is always UTC; remove the timezone prefix")
	case strings.HasPrefix(expr, "@every"):
		return nil, errors.New("export schedule must name wall-clock times, not an interval")
	}
	schedule, err := exportScheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid export schedule: %w", err)
	}
	return schedule, nil
}
