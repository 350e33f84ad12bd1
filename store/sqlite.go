package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/velokit/go-velokit/recovery"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	t_max      REAL NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fits (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	gene       TEXT NOT NULL,
	alpha      REAL NOT NULL,
	beta       REAL NOT NULL,
	gamma      REAL NOT NULL,
	t_switch   REAL NOT NULL,
	scaling    REAL NOT NULL,
	t          TEXT NOT NULL,
	loss       TEXT NOT NULL,
	iterations INTEGER NOT NULL,
	converged  INTEGER NOT NULL,
	PRIMARY KEY (run_id, gene)
);
`

// SQLiteStore persists runs and fits in a SQLite database. Per-cell time
// arrays and loss traces are stored as JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path and
// applies the schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateRun(name string, tMax float64) (*Run, error) {
	run := Run{
		ID:      uuid.NewString(),
		Name:    name,
		TMax:    tMax,
		Created: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (id, name, t_max, created_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Name, run.TMax, run.Created.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &run, nil
}

func (s *SQLiteStore) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT id, name, t_max, created_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

func (s *SQLiteStore) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT id, name, t_max, created_at FROM runs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveFit(runID string, fit recovery.GeneFit) error {
	if _, err := s.GetRun(runID); err != nil {
		return err
	}
	tJSON, err := json.Marshal(fit.T)
	if err != nil {
		return fmt.Errorf("encode times: %w", err)
	}
	lossJSON, err := json.Marshal(fit.Loss)
	if err != nil {
		return fmt.Errorf("encode loss trace: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO fits (run_id, gene, alpha, beta, gamma, t_switch, scaling, t, loss, iterations, converged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, gene) DO UPDATE SET
			alpha = excluded.alpha,
			beta = excluded.beta,
			gamma = excluded.gamma,
			t_switch = excluded.t_switch,
			scaling = excluded.scaling,
			t = excluded.t,
			loss = excluded.loss,
			iterations = excluded.iterations,
			converged = excluded.converged`,
		runID, fit.Name, fit.Alpha, fit.Beta, fit.Gamma, fit.TSwitch, fit.Scaling,
		string(tJSON), string(lossJSON), fit.Iterations, fit.Converged,
	)
	if err != nil {
		return fmt.Errorf("save fit %s/%s: %w", runID, fit.Name, err)
	}
	return nil
}

func (s *SQLiteStore) GetFit(runID, gene string) (*recovery.GeneFit, error) {
	row := s.db.QueryRow(`
		SELECT gene, alpha, beta, gamma, t_switch, scaling, t, loss, iterations, converged
		FROM fits WHERE run_id = ? AND gene = ?`, runID, gene)
	fit, err := scanFit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fit %s/%s: %w", runID, gene, ErrNotFound)
	}
	return fit, err
}

func (s *SQLiteStore) ListFits(runID string) ([]recovery.GeneFit, error) {
	rows, err := s.db.Query(`
		SELECT gene, alpha, beta, gamma, t_switch, scaling, t, loss, iterations, converged
		FROM fits WHERE run_id = ? ORDER BY gene`, runID)
	if err != nil {
		return nil, fmt.Errorf("list fits: %w", err)
	}
	defer rows.Close()

	var out []recovery.GeneFit
	for rows.Next() {
		fit, err := scanFit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fit)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResumeMap(runID string) (map[string]recovery.GeneFit, error) {
	fits, err := s.ListFits(runID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]recovery.GeneFit, len(fits))
	for _, f := range fits {
		out[f.Name] = f
	}
	return out, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var created string
	if err := row.Scan(&run.ID, &run.Name, &run.TMax, &created); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse run timestamp: %w", err)
	}
	run.Created = ts
	return &run, nil
}

func scanFit(row rowScanner) (*recovery.GeneFit, error) {
	var fit recovery.GeneFit
	var tJSON, lossJSON string
	if err := row.Scan(&fit.Name, &fit.Alpha, &fit.Beta, &fit.Gamma, &fit.TSwitch,
		&fit.Scaling, &tJSON, &lossJSON, &fit.Iterations, &fit.Converged); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tJSON), &fit.T); err != nil {
		return nil, fmt.Errorf("decode times: %w", err)
	}
	if err := json.Unmarshal([]byte(lossJSON), &fit.Loss); err != nil {
		return nil, fmt.Errorf("decode loss trace: %w", err)
	}
	return &fit, nil
}
