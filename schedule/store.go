package schedule

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/errors"
)

// Store handles persistence of cron jobs.
type Store struct {
	db *sql.DB
}

// NewStore creates a cron job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, workflow_id, expression, timezone, start_date, end_date,
	is_active, retry_failed, last_run_at, next_run_at, created_at, updated_at`

// Create validates and inserts a cron job, computing its first NextRunAt.
func (s *Store) Create(j *CronJob) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.ID == "" {
		j.ID = "cron_" + uuid.NewString()
	}
	if j.Timezone == "" {
		j.Timezone = "UTC"
	}

	now := time.Now()
	next, err := j.NextAfter(now)
	if err != nil {
		return err
	}
	j.NextRunAt = &next
	j.IsActive = true
	j.CreatedAt = now
	j.UpdatedAt = now

	query := `
		INSERT INTO cron_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		j.ID,
		j.WorkflowID,
		j.Expression,
		j.Timezone,
		nullTime(j.StartDate),
		nullTime(j.EndDate),
		j.IsActive,
		j.RetryFailed,
		nullTime(j.LastRunAt),
		nullTime(j.NextRunAt),
		now.UTC().Format(time.RFC3339Nano),
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "create cron job")
	}
	return nil
}

// Get retrieves a cron job by id.
func (s *Store) Get(id string) (*CronJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM cron_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("cron job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get cron job")
	}
	return j, nil
}

// List returns all cron jobs, optionally filtered by workflow.
func (s *Store) List(workflowID string) ([]*CronJob, error) {
	query := `SELECT ` + jobColumns + ` FROM cron_jobs`
	var args []interface{}
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY created_at ASC`
	return s.queryJobs(query, args...)
}

// ListDue returns active jobs whose NextRunAt has passed and whose date
// window contains now. Jobs outside the window are silently held back;
// their stale NextRunAt keeps them out of this result without touching
// the row.
func (s *Store) ListDue(now time.Time) ([]*CronJob, error) {
	query := `
		SELECT ` + jobColumns + ` FROM cron_jobs
		WHERE is_active = 1
		  AND next_run_at IS NOT NULL AND next_run_at <= ?
		  AND (start_date IS NULL OR start_date <= ?)
		  AND (end_date IS NULL OR end_date >= ?)
		ORDER BY next_run_at ASC
	`
	// Cron fire times are second-granular while now carries nanoseconds,
	// and a fractional suffix sorts below the bare second in a string
	// compare. Truncate so boundary fires land on the right tick.
	ts := now.UTC().Truncate(time.Second).Format(time.RFC3339Nano)
	return s.queryJobs(query, ts, ts, ts)
}

// Next returns the active job that fires soonest, or nil when none is
// scheduled.
func (s *Store) Next() (*CronJob, error) {
	row := s.db.QueryRow(`
		SELECT ` + jobColumns + ` FROM cron_jobs
		WHERE is_active = 1 AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC LIMIT 1
	`)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "next cron job")
	}
	return j, nil
}

// Update validates and rewrites a job's schedule fields, recomputing
// NextRunAt from now.
func (s *Store) Update(j *CronJob) error {
	if err := j.Validate(); err != nil {
		return err
	}
	now := time.Now()
	next, err := j.NextAfter(now)
	if err != nil {
		return err
	}
	j.NextRunAt = &next
	j.UpdatedAt = now

	res, err := s.db.Exec(`
		UPDATE cron_jobs
		SET expression = ?, timezone = ?, start_date = ?, end_date = ?,
		    is_active = ?, retry_failed = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		j.Expression,
		j.Timezone,
		nullTime(j.StartDate),
		nullTime(j.EndDate),
		j.IsActive,
		j.RetryFailed,
		nullTime(j.NextRunAt),
		now.UTC().Format(time.RFC3339Nano),
		j.ID,
	)
	if err != nil {
		return errors.Wrap(err, "update cron job")
	}
	return requireAffected(res, j.ID)
}

// MarkFired records a fire: LastRunAt takes the fire wall-clock and
// NextRunAt is recomputed from it, so backlogged ticks collapse into the
// single fire that already happened.
func (s *Store) MarkFired(j *CronJob, firedAt time.Time) error {
	next, err := j.NextAfter(firedAt)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE cron_jobs SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		firedAt.UTC().Format(time.RFC3339Nano),
		next.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
		j.ID,
	)
	if err != nil {
		return errors.Wrap(err, "mark cron job fired")
	}
	j.LastRunAt = &firedAt
	j.NextRunAt = &next
	return requireAffected(res, j.ID)
}

// SetActive pauses or resumes a job.
func (s *Store) SetActive(id string, active bool) error {
	res, err := s.db.Exec(
		`UPDATE cron_jobs SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errors.Wrap(err, "set cron job active")
	}
	return requireAffected(res, id)
}

// Delete removes a cron job.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete cron job")
	}
	return requireAffected(res, id)
}

func requireAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "cron job rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundf("cron job %s", id)
	}
	return nil
}

func (s *Store) queryJobs(query string, args ...interface{}) ([]*CronJob, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query cron jobs")
	}
	defer rows.Close()

	var jobs []*CronJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan cron job")
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Timestamps are TEXT columns compared lexicographically, so every
// stored or queried value is normalized to UTC first. Offset-bearing
// strings do not order by instant.
func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*CronJob, error) {
	var j CronJob
	var startDate, endDate, lastRunAt, nextRunAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&j.ID, &j.WorkflowID, &j.Expression, &j.Timezone,
		&startDate, &endDate, &j.IsActive, &j.RetryFailed,
		&lastRunAt, &nextRunAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.StartDate = parseNullTime(startDate)
	j.EndDate = parseNullTime(endDate)
	j.LastRunAt = parseNullTime(lastRunAt)
	j.NextRunAt = parseNullTime(nextRunAt)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &j, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
