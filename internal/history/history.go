// Package history keeps a durable log of jobs that left the scheduler:
// completed, given up as ERROR, or deleted. The in-memory repository
// forgets a job once it is purged; this log is what the API and the
// monitor show afterwards.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/darkroom/internal/log"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeError     Outcome = "error"
	OutcomeDeleted   Outcome = "deleted"
)

// DefaultListLimit bounds List when the caller passes limit <= 0.
const DefaultListLimit = 100

// recordTimeout bounds a Reporter write, which runs on the dispatch loop.
const recordTimeout = 2 * time.Second

type Entry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	JobID      string    `json:"job_id"`
	Outcome    Outcome   `json:"outcome"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.WithComponent("history"),
		now:    time.Now,
	}
}

// Record appends e. ID and RecordedAt are filled in when zero.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.UserID == "" || e.JobID == "" {
		return fmt.Errorf("history entry needs user_id and job_id")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_log(id, user_id, job_id, outcome, result, last_error, recorded_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.UserID, e.JobID, string(e.Outcome), nullable(e.Result), nullable(e.Error),
		e.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}
	return nil
}

// List returns userID's entries, newest first.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, job_id, outcome, result, last_error, recorded_at
FROM job_log
WHERE user_id = ?
ORDER BY recorded_at DESC, rowid DESC
LIMIT ?;
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                   Entry
			outcome, recordedAt string
			result, lastErr     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.JobID, &outcome, &result, &lastErr, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan job_log: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.Result = result.String
		e.Error = lastErr.String
		e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", recordedAt, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job_log: %w", err)
	}
	return out, nil
}

// Prune deletes entries older than retention and reports how many went.
// A zero retention keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, "DELETE FROM job_log WHERE recorded_at < ?;", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune job_log: %w", err)
	}
	return n, nil
}

// RunPruner prunes once immediately and then every interval until ctx is
// done.
func (s *Store) RunPruner(ctx context.Context, retention, interval time.Duration) error {
	if retention <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := s.Prune(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("history prune failed", "error", err)
		case n > 0:
			s.logger.Info("history pruned", "removed", n, "retention", retention)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Store) OnJobCompleted(userID, jobID, result string) {
	s.report(Entry{UserID: userID, JobID: jobID, Outcome: OutcomeCompleted, Result: result})
}

func (s *Store) OnJobFailed(userID, jobID string, err error) {
	e := Entry{UserID: userID, JobID: jobID, Outcome: OutcomeError}
	if err != nil {
		e.Error = err.Error()
	}
	s.report(e)
}

func (s *Store) OnJobDeleted(userID, jobID string) {
	s.report(Entry{UserID: userID, JobID: jobID, Outcome: OutcomeDeleted})
}

func (s *Store) report(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.Record(ctx, e); err != nil {
		s.logger.Error("failed to record history", "user_id", e.UserID, "job_id", e.JobID, "outcome", e.Outcome, "error", err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
