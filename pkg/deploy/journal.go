package deploy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"relay-fleet/pkg/model"
)

const journalSchema = `CREATE TABLE IF NOT EXISTS deploy_jobs(
	id TEXT PRIMARY KEY,
	host TEXT,
	node_name TEXT,
	status TEXT,
	percent INTEGER,
	current_step TEXT,
	logs TEXT,
	error TEXT,
	warning TEXT,
	node_id TEXT,
	started_at INTEGER,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_deploy_jobs_status ON deploy_jobs(status);`

// Journal keeps a snapshot of every job in a local SQLite file so progress
// survives a controller restart.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens or creates the journal at path (":memory:" is allowed).
func OpenJournal(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Save(job model.Job) error {
	logs, err := json.Marshal(job.Logs)
	if err != nil {
		return err
	}
	var finished sql.NullInt64
	if job.FinishedAt != nil {
		finished = sql.NullInt64{Int64: job.FinishedAt.UnixMilli(), Valid: true}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = j.db.ExecContext(ctx, `INSERT INTO deploy_jobs(id, host, node_name, status, percent, current_step, logs, error, warning, node_id, started_at, finished_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET host=excluded.host, node_name=excluded.node_name, status=excluded.status,
			percent=excluded.percent, current_step=excluded.current_step, logs=excluded.logs, error=excluded.error,
			warning=excluded.warning, node_id=excluded.node_id, started_at=excluded.started_at, finished_at=excluded.finished_at`,
		job.ID, job.Host, job.NodeName, string(job.Status), job.Percent, job.CurrentStep, string(logs),
		job.Error, job.Warning, job.NodeID, job.StartedAt.UnixMilli(), finished)
	return err
}

func (j *Journal) Delete(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := j.db.ExecContext(ctx, `DELETE FROM deploy_jobs WHERE id=?`, id)
	return err
}

// Load returns every journaled job, oldest first.
func (j *Journal) Load() ([]model.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := j.db.QueryContext(ctx, `SELECT id, host, node_name, status, percent, current_step, logs, error, warning, node_id, started_at, finished_at
		FROM deploy_jobs ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		var (
			job      model.Job
			status   string
			logs     string
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&job.ID, &job.Host, &job.NodeName, &status, &job.Percent, &job.CurrentStep, &logs,
			&job.Error, &job.Warning, &job.NodeID, &started, &finished); err != nil {
			return nil, err
		}
		job.Status = model.JobStatus(status)
		if logs != "" {
			_ = json.Unmarshal([]byte(logs), &job.Logs)
		}
		job.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			t := time.UnixMilli(finished.Int64)
			job.FinishedAt = &t
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error { return j.db.Close() }
