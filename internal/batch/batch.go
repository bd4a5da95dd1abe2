// Package batch imports zip archives of workout files. Jobs queue onto a
// single dedicated worker: imports are IO and CPU heavy and one at a time
// keeps the live upload path responsive.
package batch

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
	"github.com/stridefed/stride/internal/pipeline"
)

// Archive limits.
const (
	MaxArchiveBytes = 500 << 20
	MaxFileBytes    = 50 << 20
	MaxFiles        = 1000
)

// Per-file error classes recorded on failed entries.
const (
	ErrValidation  = "VALIDATION_ERROR"
	ErrParsing     = "PARSING_ERROR"
	ErrUnsupported = "UNSUPPORTED_FORMAT"
	ErrIO          = "IO_ERROR"
	ErrDatabase    = "DATABASE_ERROR"
	ErrUnknown     = "UNKNOWN_ERROR"
)

const queueDepth = 16

type job struct {
	jobID   string
	user    *db.User
	archive []byte
	files   []*db.BatchFile
}

// Importer accepts archives and processes them sequentially.
type Importer struct {
	store    *db.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger

	jobs chan job
	done chan struct{}
}

func NewImporter(store *db.Store, pl *pipeline.Pipeline, log *slog.Logger) *Importer {
	imp := &Importer{
		store:    store,
		pipeline: pl,
		log:      log,
		jobs:     make(chan job, queueDepth),
		done:     make(chan struct{}),
	}
	go imp.worker()
	return imp
}

// Submit validates the archive shape, records the job as PENDING and queues
// it. Returns the job id for status polling.
func (imp *Importer) Submit(ctx context.Context, user *db.User, archive []byte) (string, error) {
	if len(archive) > MaxArchiveBytes {
		return "", apperr.E(apperr.KindValidation, "archive exceeds %d MB", MaxArchiveBytes>>20)
	}
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "not a zip archive")
	}

	var entries []*zip.File
	for _, f := range reader.File {
		if f.FileInfo().IsDir() || !supportedEntry(f.Name) {
			continue
		}
		entries = append(entries, f)
	}
	if len(entries) == 0 {
		return "", apperr.E(apperr.KindValidation, "archive contains no .fit or .gpx files")
	}
	if len(entries) > MaxFiles {
		return "", apperr.E(apperr.KindValidation, "archive contains %d files, limit is %d", len(entries), MaxFiles)
	}

	jobID := uuid.NewString()
	files := make([]*db.BatchFile, len(entries))
	for i, f := range entries {
		files[i] = &db.BatchFile{
			ID:       uuid.NewString(),
			JobID:    jobID,
			Ordinal:  i,
			FileName: f.Name,
			Status:   db.BatchFilePending,
		}
	}
	err = imp.store.CreateBatchJob(ctx, &db.BatchJob{
		ID:         jobID,
		UserID:     user.ID,
		Status:     db.BatchPending,
		TotalFiles: len(files),
		CreatedAt:  time.Now(),
	}, files)
	if err != nil {
		return "", err
	}

	select {
	case imp.jobs <- job{jobID: jobID, user: user, archive: archive, files: files}:
		return jobID, nil
	default:
		_ = imp.store.SetBatchJobStatus(ctx, jobID, db.BatchFailed)
		return "", apperr.E(apperr.KindConflict, "import queue is full, try again later")
	}
}

func (imp *Importer) worker() {
	defer close(imp.done)
	for j := range imp.jobs {
		imp.run(j)
	}
}

func (imp *Importer) run(j job) {
	ctx := context.Background()
	log := imp.log.With("job", j.jobID, "user", j.user.Username)

	if err := imp.store.SetBatchJobStatus(ctx, j.jobID, db.BatchProcessing); err != nil {
		log.Error("cannot start batch job", "error", err)
		return
	}

	reader, err := zip.NewReader(bytes.NewReader(j.archive), int64(len(j.archive)))
	if err != nil {
		log.Error("archive unreadable after validation", "error", err)
		_ = imp.store.SetBatchJobStatus(ctx, j.jobID, db.BatchFailed)
		return
	}
	byName := make(map[string]*zip.File, len(reader.File))
	for _, f := range reader.File {
		byName[f.Name] = f
	}

	for _, file := range j.files {
		imp.importFile(ctx, j.user, file, byName[file.FileName])
	}

	// One rebuild at the end instead of per-file side effects.
	if err := imp.pipeline.RebuildAnalytics(ctx, j.user.ID); err != nil {
		log.Error("post-import analytics rebuild failed", "error", err)
	}

	if err := imp.store.SetBatchJobStatus(ctx, j.jobID, db.BatchCompleted); err != nil {
		log.Error("cannot finish batch job", "error", err)
	}
	log.Info("batch import finished", "files", len(j.files))
}

func (imp *Importer) importFile(ctx context.Context, user *db.User, file *db.BatchFile, entry *zip.File) {
	fail := func(errType, msg string) {
		file.Status = db.BatchFileFailed
		file.ErrorType = errType
		file.ErrorMessage = msg
		if err := imp.store.RecordBatchFileResult(ctx, file); err != nil {
			imp.log.Error("cannot record file result", "file", file.FileName, "error", err)
		}
	}

	if entry == nil {
		fail(ErrIO, "entry missing from archive")
		return
	}
	if entry.UncompressedSize64 > MaxFileBytes {
		fail(ErrValidation, "file exceeds per-file size limit")
		return
	}

	rc, err := entry.Open()
	if err != nil {
		fail(ErrIO, err.Error())
		return
	}
	data, err := io.ReadAll(io.LimitReader(rc, MaxFileBytes+1))
	rc.Close()
	if err != nil {
		fail(ErrIO, err.Error())
		return
	}
	if len(data) > MaxFileBytes {
		fail(ErrValidation, "file exceeds per-file size limit")
		return
	}

	activity, err := imp.pipeline.Ingest(ctx, user, data, path.Base(entry.Name), pipeline.Options{
		Visibility:      db.VisibilityPrivate,
		SkipSideEffects: true,
	})
	if err != nil {
		fail(classify(err), err.Error())
		return
	}

	file.Status = db.BatchFileSuccess
	file.ActivityID = activity.ID
	if err := imp.store.RecordBatchFileResult(ctx, file); err != nil {
		imp.log.Error("cannot record file result", "file", file.FileName, "error", err)
	}
}

// Close stops accepting jobs and waits for the in-flight one to finish.
func (imp *Importer) Close() {
	close(imp.jobs)
	<-imp.done
}

func supportedEntry(name string) bool {
	if strings.HasPrefix(path.Base(name), ".") {
		return false // archive junk like .DS_Store, __MACOSX resource forks
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".fit", ".gpx":
		return true
	}
	return false
}

func classify(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		if strings.Contains(err.Error(), "unsupported") {
			return ErrUnsupported
		}
		return ErrValidation
	case apperr.KindParseError:
		return ErrParsing
	case apperr.KindConflict, apperr.KindInternal:
		return ErrDatabase
	default:
		return ErrUnknown
	}
}
