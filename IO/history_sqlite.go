package IO

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteHistoryStore keeps one row per epoch under a run id, so several runs
// can share a database file.
type SQLiteHistoryStore struct {
	db     *sql.DB
	config string
}

// OpenSQLiteHistory creates the tables if needed. config is stored verbatim
// with every run, typically the args.json payload.
func OpenSQLiteHistory(path, config string) (*SQLiteHistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	for _, stmt := range []string{`
		CREATE TABLE IF NOT EXISTS runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			config TEXT
		)`, `
		CREATE TABLE IF NOT EXISTS history(
			run_id INTEGER NOT NULL REFERENCES runs(id),
			epoch INTEGER NOT NULL,
			train_loss REAL,
			train_accuracy REAL,
			valid_loss REAL,
			valid_accuracy REAL,
			PRIMARY KEY(run_id, epoch)
		)`} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create history tables")
		}
	}
	return &SQLiteHistoryStore{db: db, config: config}, nil
}

// SaveHistory records rows as a new run in one transaction.
func (s *SQLiteHistoryStore) SaveHistory(ctx context.Context, rows [][4]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin history tx")
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, "INSERT INTO runs(ts, config) VALUES(?, ?)",
		time.Now().UTC().Format(time.RFC3339), s.config)
	if err != nil {
		return errors.Wrap(err, "insert run")
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "run id")
	}
	for e, r := range rows {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO history(run_id, epoch, train_loss, train_accuracy, valid_loss, valid_accuracy) VALUES(?,?,?,?,?,?)",
			runID, e, r[0], r[1], r[2], r[3])
		if err != nil {
			return errors.Wrapf(err, "insert epoch %d", e)
		}
	}
	return errors.Wrap(tx.Commit(), "commit history")
}

// LatestRun returns the rows of the most recent run, in epoch order.
func (s *SQLiteHistoryStore) LatestRun(ctx context.Context) ([][4]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT train_loss, train_accuracy, valid_loss, valid_accuracy FROM history
		WHERE run_id = (SELECT MAX(id) FROM runs)
		ORDER BY epoch ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()
	var out [][4]float64
	for rows.Next() {
		var r [4]float64
		if err := rows.Scan(&r[0], &r[1], &r[2], &r[3]); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "read history")
}

func (s *SQLiteHistoryStore) Close() error { return s.db.Close() }
