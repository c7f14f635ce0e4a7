// Package checkpoint stores versioned model parameters in SQLite with a
// single active pointer.
package checkpoint

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	version_id    TEXT PRIMARY KEY,
	parent_id     TEXT,
	run_id        TEXT NOT NULL,
	epoch         INTEGER NOT NULL,
	monitor       TEXT NOT NULL,
	score         REAL NOT NULL,
	metrics_json  TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES checkpoints(version_id)
);

CREATE TABLE IF NOT EXISTS checkpoint_params (
	version_id    TEXT NOT NULL,
	name          TEXT NOT NULL,
	shape_json    TEXT NOT NULL,
	data          BLOB NOT NULL,
	PRIMARY KEY (version_id, name),
	FOREIGN KEY (version_id) REFERENCES checkpoints(version_id)
);

CREATE TABLE IF NOT EXISTS active_checkpoint (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES checkpoints(version_id)
);
`

// #endregion schema

var (
	ErrNoActive = errors.New("no active checkpoint")
	ErrNotFound = errors.New("checkpoint not found")
)

// #region store-struct
// Store manages versioned checkpoints in SQLite. The epoch log lives in the
// same database.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// Open opens a SQLite database and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	for _, ddl := range []string{schema, logging.Schema} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for the epoch log.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #region commit
// Commit inserts a snapshot and makes it active in one transaction. An empty
// VersionID gets a fresh uuid; an empty ParentID links to the previously
// active version when there is one.
func (s *Store) Commit(rec Record, p model.Params) (Record, error) {
	if rec.VersionID == "" {
		rec.VersionID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if rec.ParentID == "" {
		var prev string
		err := tx.QueryRow(`SELECT version_id FROM active_checkpoint WHERE id = 1`).Scan(&prev)
		switch {
		case err == nil:
			rec.ParentID = prev
		case !errors.Is(err, sql.ErrNoRows):
			return Record{}, fmt.Errorf("get active: %w", err)
		}
	}

	var parentPtr any
	if rec.ParentID != "" {
		parentPtr = rec.ParentID
	}
	var metricsPtr any
	if rec.Metrics != nil {
		raw, err := json.Marshal(rec.Metrics)
		if err != nil {
			return Record{}, fmt.Errorf("marshal metrics: %w", err)
		}
		metricsPtr = string(raw)
	}

	_, err = tx.Exec(
		`INSERT INTO checkpoints (version_id, parent_id, run_id, epoch, monitor, score, metrics_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VersionID, parentPtr, rec.RunID, rec.Epoch, rec.Monitor, rec.Score, metricsPtr,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert checkpoint: %w", err)
	}

	for _, name := range p.Names() {
		t := p[name]
		shape, err := json.Marshal(t.Shape)
		if err != nil {
			return Record{}, fmt.Errorf("marshal shape %s: %w", name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO checkpoint_params (version_id, name, shape_json, data) VALUES (?, ?, ?, ?)`,
			rec.VersionID, name, string(shape), encodeData(t.Data),
		); err != nil {
			return Record{}, fmt.Errorf("insert param %s: %w", name, err)
		}
	}

	_, err = tx.Exec(
		`INSERT INTO active_checkpoint (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		rec.VersionID,
	)
	if err != nil {
		return Record{}, fmt.Errorf("set active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion commit

// #region load
// Active reads the active checkpoint.
func (s *Store) Active() (Record, model.Params, error) {
	var id string
	err := s.db.QueryRow(`SELECT version_id FROM active_checkpoint WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil, ErrNoActive
	}
	if err != nil {
		return Record{}, nil, fmt.Errorf("get active: %w", err)
	}
	return s.Load(id)
}

// Load retrieves a checkpoint and its parameters by version ID.
func (s *Store) Load(id string) (Record, model.Params, error) {
	row := s.db.QueryRow(
		`SELECT version_id, parent_id, run_id, epoch, monitor, score, metrics_json, created_at
		 FROM checkpoints WHERE version_id = ?`, id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, nil, fmt.Errorf("get checkpoint %s: %w", id, err)
	}

	rows, err := s.db.Query(`SELECT name, shape_json, data FROM checkpoint_params WHERE version_id = ?`, id)
	if err != nil {
		return Record{}, nil, fmt.Errorf("get params %s: %w", id, err)
	}
	defer rows.Close()

	p := model.Params{}
	for rows.Next() {
		var name, shapeJSON string
		var blob []byte
		if err := rows.Scan(&name, &shapeJSON, &blob); err != nil {
			return Record{}, nil, fmt.Errorf("scan param: %w", err)
		}
		var shape []int
		if err := json.Unmarshal([]byte(shapeJSON), &shape); err != nil {
			return Record{}, nil, fmt.Errorf("unmarshal shape %s: %w", name, err)
		}
		t, err := model.NewTensor(shape, decodeData(blob))
		if err != nil {
			return Record{}, nil, fmt.Errorf("param %s: %w", name, err)
		}
		p[name] = t
	}
	if err := rows.Err(); err != nil {
		return Record{}, nil, err
	}
	return rec, p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(r scanner) (Record, error) {
	var rec Record
	var parentID, metricsJSON sql.NullString
	var createdStr string
	if err := r.Scan(&rec.VersionID, &parentID, &rec.RunID, &rec.Epoch, &rec.Monitor, &rec.Score, &metricsJSON, &createdStr); err != nil {
		return Record{}, err
	}
	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	if metricsJSON.Valid {
		if err := json.Unmarshal([]byte(metricsJSON.String), &rec.Metrics); err != nil {
			return Record{}, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// #endregion load

// #region rollback
// Rollback sets the active pointer to an earlier version.
func (s *Store) Rollback(targetVersionID string) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM checkpoints WHERE version_id = ?`, targetVersionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, targetVersionID)
	}

	_, err = s.db.Exec(`UPDATE active_checkpoint SET version_id = ? WHERE id = 1`, targetVersionID)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list
// List returns the most recent checkpoints without their parameters.
func (s *Store) List(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT version_id, parent_id, run_id, epoch, monitor, score, metrics_json, created_at
		 FROM checkpoints ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion list

// #region data-encoding
// Values are stored as little-endian IEEE-754 bits so a reload is bit exact.
func encodeData(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeData(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

// #endregion data-encoding
