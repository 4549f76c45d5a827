package jobrecorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	provisioner "github.com/freerangeinternet/fri-provisioning"
)

const jobsTable = "provision_jobs"

// JobRow is one row of the job history.
type JobRow struct {
	JobID          string     `json:"job_id"`
	Device         string     `json:"device"`
	Name           string     `json:"name"`
	Args           []string   `json:"args"`
	State          string     `json:"state"`
	Kind           string     `json:"kind,omitempty"`
	ErrorMessage   string     `json:"error,omitempty"`
	Cancelled      bool       `json:"cancelled"`
	StartAt        time.Time  `json:"start_at"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	ElapsedSeconds *int64     `json:"elapsed_seconds,omitempty"`
}

// SQLiteRecorder appends job history to a local SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. The parent
// directory is created when missing.
func OpenSQLite(path string) (*SQLiteRecorder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, pkgerrors.New("jobrecorder: sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, pkgerrors.Wrapf(err, "jobrecorder: create dir for %s failed", path)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "jobrecorder: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteRecorder{db: db}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "jobrecorder: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + jobsTable + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			JobID TEXT NOT NULL UNIQUE,
			Device TEXT NOT NULL,
			Name TEXT,
			Args TEXT,
			State TEXT NOT NULL,
			Kind TEXT,
			ErrorMessage TEXT,
			Cancelled INTEGER NOT NULL DEFAULT 0,
			StartAt TEXT NOT NULL,
			EndAt TEXT,
			ElapsedSeconds INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + jobsTable + `_start ON ` + jobsTable + ` (StartAt);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "jobrecorder: prepare schema failed")
		}
	}
	return nil
}

func (r *SQLiteRecorder) CreateJob(ctx context.Context, rec *provisioner.JobRecord) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return pkgerrors.Wrap(err, "jobrecorder: encode args failed")
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO `+jobsTable+` (JobID, Device, Name, Args, State, StartAt) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.JobID, string(rec.Device), rec.Name, string(args), string(provisioner.PhaseProvisioning),
		rec.StartAt.UTC().Format(time.RFC3339Nano))
	return pkgerrors.Wrapf(err, "jobrecorder: insert job %s failed", rec.JobID)
}

func (r *SQLiteRecorder) UpdateJob(ctx context.Context, jobID string, upd *provisioner.JobUpdate) error {
	if r == nil || r.db == nil || upd == nil {
		return nil
	}
	cancelled := 0
	if upd.Cancelled {
		cancelled = 1
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE `+jobsTable+` SET State = ?, Kind = ?, ErrorMessage = ?, Cancelled = ?, EndAt = ?, ElapsedSeconds = ? WHERE JobID = ?`,
		string(upd.State), upd.Kind, upd.ErrorMessage, cancelled,
		upd.EndAt.UTC().Format(time.RFC3339Nano), upd.ElapsedSeconds, jobID)
	if err != nil {
		return pkgerrors.Wrapf(err, "jobrecorder: update job %s failed", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pkgerrors.Errorf("jobrecorder: job %s not found", jobID)
	}
	return nil
}

// ListJobs returns the most recent jobs, newest first.
func (r *SQLiteRecorder) ListJobs(ctx context.Context, limit int) ([]JobRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT JobID, Device, Name, Args, State, Kind, ErrorMessage, Cancelled, StartAt, EndAt, ElapsedSeconds
		FROM `+jobsTable+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "jobrecorder: query jobs failed")
	}
	defer rows.Close()

	var out []JobRow
	for rows.Next() {
		var (
			row                       JobRow
			name, args, kind, message sql.NullString
			startAt                   string
			endAt                     sql.NullString
			elapsed                   sql.NullInt64
			cancelled                 int
		)
		if err := rows.Scan(&row.JobID, &row.Device, &name, &args, &row.State, &kind, &message,
			&cancelled, &startAt, &endAt, &elapsed); err != nil {
			return nil, pkgerrors.Wrap(err, "jobrecorder: scan job failed")
		}
		row.Name, row.Kind, row.ErrorMessage = name.String, kind.String, message.String
		row.Cancelled = cancelled != 0
		if args.Valid && args.String != "" {
			_ = json.Unmarshal([]byte(args.String), &row.Args)
		}
		row.StartAt, _ = time.Parse(time.RFC3339Nano, startAt)
		if endAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, endAt.String); err == nil {
				row.EndAt = &t
			}
		}
		if elapsed.Valid {
			v := elapsed.Int64
			row.ElapsedSeconds = &v
		}
		out = append(out, row)
	}
	return out, pkgerrors.Wrap(rows.Err(), "jobrecorder: iterate jobs failed")
}

func (r *SQLiteRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
