package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/stridefed/stride/internal/apperr"
)

// Batch import job statuses.
const (
	BatchPending    = "PENDING"
	BatchProcessing = "PROCESSING"
	BatchCompleted  = "COMPLETED"
	BatchFailed     = "FAILED"
)

// Per-file statuses within a job.
const (
	BatchFilePending = "PENDING"
	BatchFileSuccess = "SUCCESS"
	BatchFileFailed  = "FAILED"
)

// BatchJob tracks one archive import.
type BatchJob struct {
	ID           string
	UserID       string
	Status       string
	TotalFiles   int
	SuccessCount int
	FailedCount  int
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// BatchFile is one entry of an import archive and its outcome. Ordinal is
// the entry's position in the archive and fixes the listing order.
type BatchFile struct {
	ID           string
	JobID        string
	Ordinal      int
	FileName     string
	Status       string
	ErrorType    string
	ErrorMessage string
	ActivityID   string
}

// CreateBatchJob inserts a job and its per-file rows in one transaction so a
// job is never visible without its file list.
func (s *Store) CreateBatchJob(ctx context.Context, job *BatchJob, files []*BatchFile) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO batch_import_jobs (id, user_id, status, total_files,
				success_count, failed_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			job.ID, job.UserID, job.Status, job.TotalFiles,
			job.SuccessCount, job.FailedCount, job.CreatedAt.Unix())
		if err != nil {
			return err
		}
		for _, f := range files {
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO batch_import_files (id, job_id, ordinal, file_name, status)
				VALUES (?, ?, ?, ?, ?)`),
				f.ID, f.JobID, f.Ordinal, f.FileName, f.Status)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBatchJob loads a job for its owner.
func (s *Store) GetBatchJob(ctx context.Context, id, userID string) (*BatchJob, error) {
	var job BatchJob
	var createdAt int64
	var completedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, user_id, status, total_files, success_count, failed_count,
			created_at, completed_at
		FROM batch_import_jobs WHERE id = ? AND user_id = ?`), id, userID).Scan(
		&job.ID, &job.UserID, &job.Status, &job.TotalFiles, &job.SuccessCount,
		&job.FailedCount, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.E(apperr.KindNotFound, "batch job not found")
	}
	if err != nil {
		return nil, err
	}
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

// SetBatchJobStatus moves a job between states; terminal states stamp
// completed_at.
func (s *Store) SetBatchJobStatus(ctx context.Context, id, status string) error {
	if status == BatchCompleted || status == BatchFailed {
		_, err := s.db.ExecContext(ctx, s.q(`
			UPDATE batch_import_jobs SET status = ?, completed_at = ? WHERE id = ?`),
			status, time.Now().Unix(), id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE batch_import_jobs SET status = ? WHERE id = ?`), status, id)
	return err
}

// RecordBatchFileResult stores one file's outcome and bumps the matching job
// counter atomically.
func (s *Store) RecordBatchFileResult(ctx context.Context, f *BatchFile) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			UPDATE batch_import_files SET status = ?, error_type = ?,
				error_message = ?, activity_id = ?
			WHERE id = ?`),
			f.Status, nullIfEmpty(f.ErrorType), nullIfEmpty(f.ErrorMessage),
			nullIfEmpty(f.ActivityID), f.ID)
		if err != nil {
			return err
		}
		counter := "failed_count"
		if f.Status == BatchFileSuccess {
			counter = "success_count"
		}
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE batch_import_jobs SET `+counter+` = `+counter+` + 1 WHERE id = ?`),
			f.JobID)
		return err
	})
}

// ListBatchFiles returns a job's files in archive order.
func (s *Store) ListBatchFiles(ctx context.Context, jobID string) ([]*BatchFile, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, job_id, ordinal, file_name, status, error_type, error_message, activity_id
		FROM batch_import_files WHERE job_id = ? ORDER BY ordinal`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BatchFile
	for rows.Next() {
		var f BatchFile
		var errType, errMsg, activityID sql.NullString
		if err := rows.Scan(&f.ID, &f.JobID, &f.Ordinal, &f.FileName, &f.Status,
			&errType, &errMsg, &activityID); err != nil {
			return nil, err
		}
		f.ErrorType = errType.String
		f.ErrorMessage = errMsg.String
		f.ActivityID = activityID.String
		out = append(out, &f)
	}
	return out, rows.Err()
}
