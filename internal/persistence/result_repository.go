package persistence

import (
	"database/sql"
	"log/slog"

	"github.com/nimbleapproach/a11y-scan-worker/internal/model"
)

type ResultStorage interface {
	Save(*model.TaskResult)
}

type ResultRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewResultRepository(db *sql.DB, log *slog.Logger) *ResultRepository {
	return &ResultRepository{db: db, log: log}
}

func (rr *ResultRepository) Save(result *model.TaskResult) {
	findings := 0
	for _, a := range result.Analyses {
		findings += len(a.Findings)
	}
	_, err := rr.db.Exec("INSERT INTO scan_results (task_id, worker_id, success, error, duration_ms, pages_scanned, findings, retry_count) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		result.TaskID,
		result.WorkerID,
		result.Success,
		result.Error,
		result.Duration.Milliseconds(),
		len(result.Analyses),
		findings,
		result.RetryCount)
	if err != nil {
		rr.log.Error("failed to save scan result to database.", slog.String("err", err.Error()))
		return
	}
	rr.log.Debug("scan result saved to db.")
}
