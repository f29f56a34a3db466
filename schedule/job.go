// Package schedule runs cron-triggered workflow dispatch.
//
// Jobs carry a standard 5-field cron expression evaluated in the job's
// own timezone. A ticker polls for due jobs; every fire goes through the
// trigger dispatcher like any other trigger source.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/errors"
)

// parser accepts the standard 5-field form: minute hour dom month dow.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronJob schedules recurring executions of a workflow. NextRunAt is
// recomputed at create, update, and after each fire; it goes stale when
// the job leaves its [StartDate, EndDate] window, which is fine because
// jobs outside the window are never listed as due.
type CronJob struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	Expression  string     `json:"expression"`
	Timezone    string     `json:"timezone"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	IsActive    bool       `json:"is_active"`
	RetryFailed bool       `json:"retry_failed"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks the job's schedule fields. Invalid expressions and
// timezones are rejected here, at write time, never at fire time.
func (j *CronJob) Validate() error {
	if j.WorkflowID == "" {
		return errors.NewValidationf("cron job workflow_id must not be empty")
	}
	if _, _, err := j.schedule(); err != nil {
		return err
	}
	if j.StartDate != nil && j.EndDate != nil && j.EndDate.Before(*j.StartDate) {
		return errors.NewSchedulerf("end date %s precedes start date %s",
			j.EndDate.Format(time.RFC3339), j.StartDate.Format(time.RFC3339))
	}
	return nil
}

func (j *CronJob) schedule() (cron.Schedule, *time.Location, error) {
	tz := j.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, nil, errors.NewSchedulerf("unknown timezone %q", tz)
	}
	sched, err := parser.Parse(j.Expression)
	if err != nil {
		return nil, nil, errors.NewSchedulerf("invalid cron expression %q: %v", j.Expression, err)
	}
	return sched, loc, nil
}

// NextAfter returns the first fire time strictly after t, evaluated in
// the job's timezone.
func (j *CronJob) NextAfter(t time.Time) (time.Time, error) {
	sched, loc, err := j.schedule()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t.In(loc)), nil
}

// InWindow reports whether t falls inside the job's date window.
func (j *CronJob) InWindow(t time.Time) bool {
	if j.StartDate != nil && t.Before(*j.StartDate) {
		return false
	}
	if j.EndDate != nil && t.After(*j.EndDate) {
		return false
	}
	return true
}
