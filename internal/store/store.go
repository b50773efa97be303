// Package store persists fingerprint records across runs.
//
// The metadata lives in a SQLite database keyed by target name, one row per
// target, overwritten on each run. Row upserts are single statements, so
// concurrent writers touching unrelated targets cannot corrupt each other's
// records.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"pipeweaver/internal/fingerprint"
)

// Status of a target's most recent completion. A record's output digest is
// trustworthy only when the status is ok.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// FileStat is the recorded state of one tracked artifact path.
type FileStat struct {
	Path          string             `json:"path"`
	Hash          fingerprint.Digest `json:"hash"`
	MTimeUnixNano int64              `json:"mtime_unix_nano"`
	Size          int64              `json:"size"`
}

// Record is the fingerprint record for one target.
type Record struct {
	TargetName   string
	CommandHash  fingerprint.Digest
	CapsDigest   fingerprint.Digest
	DepDigests   map[string]fingerprint.Digest
	OutputDigest fingerprint.Digest
	Status       Status
	Error        string
	Warnings     []string
	Value        json.RawMessage
	Files        []FileStat
	Seconds      float64
	CompletedAt  time.Time
	RunID        string
}

// InputDigest folds the record's input components into one digest: command
// hash, capability digest, and the upstream output digests observed when the
// target last ran. It is surfaced as the input_digest metadata field.
func (r *Record) InputDigest() fingerprint.Digest {
	h := fingerprint.NewHasher().
		StringField(string(r.CommandHash)).
		StringField(string(r.CapsDigest))
	deps := make([]string, 0, len(r.DepDigests))
	for name, d := range r.DepDigests {
		deps = append(deps, name+"="+string(d))
	}
	h.SortedFields(deps)
	return h.Sum()
}

// Store is a SQLite-backed metadata table.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

const schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	target_name   TEXT PRIMARY KEY,
	command_hash  TEXT NOT NULL,
	caps_digest   TEXT NOT NULL,
	dep_digests   TEXT NOT NULL DEFAULT '{}',
	output_digest TEXT NOT NULL,
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	warnings      TEXT NOT NULL DEFAULT '[]',
	value         BLOB,
	files         TEXT NOT NULL DEFAULT '[]',
	seconds       REAL NOT NULL DEFAULT 0,
	completed_at  TEXT NOT NULL,
	run_id        TEXT NOT NULL DEFAULT ''
);
`

// Open opens (creating if needed) the metadata database at path.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metadata db %s", path)
	}

	// WAL allows the CLI to read metadata while a run is writing records.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "applying %s", pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating metadata schema")
	}

	if log != nil {
		log.Debugw("metadata store opened", "path", path)
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Put upserts the record for its target name in a single statement.
func (s *Store) Put(rec *Record) error {
	if rec == nil || rec.TargetName == "" {
		return errors.New("record with target name is required")
	}
	depJSON, err := json.Marshal(sortedDeps(rec.DepDigests))
	if err != nil {
		return errors.Wrap(err, "encoding dep digests")
	}
	warnJSON, err := json.Marshal(nonNil(rec.Warnings))
	if err != nil {
		return errors.Wrap(err, "encoding warnings")
	}
	filesJSON, err := json.Marshal(nonNilFiles(rec.Files))
	if err != nil {
		return errors.Wrap(err, "encoding file stats")
	}

	_, err = s.db.Exec(`
		INSERT INTO fingerprints
			(target_name, command_hash, caps_digest, dep_digests, output_digest,
			 status, error, warnings, value, files, seconds, completed_at, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_name) DO UPDATE SET
			command_hash = excluded.command_hash,
			caps_digest = excluded.caps_digest,
			dep_digests = excluded.dep_digests,
			output_digest = excluded.output_digest,
			status = excluded.status,
			error = excluded.error,
			warnings = excluded.warnings,
			value = excluded.value,
			files = excluded.files,
			seconds = excluded.seconds,
			completed_at = excluded.completed_at,
			run_id = excluded.run_id`,
		rec.TargetName, string(rec.CommandHash), string(rec.CapsDigest), string(depJSON),
		string(rec.OutputDigest), string(rec.Status), rec.Error, string(warnJSON),
		[]byte(rec.Value), string(filesJSON), rec.Seconds,
		rec.CompletedAt.UTC().Format(time.RFC3339Nano), rec.RunID)
	if err != nil {
		return errors.Wrapf(err, "storing fingerprint for %q", rec.TargetName)
	}
	return nil
}

// Get returns the record for name, or nil if the target has never completed.
func (s *Store) Get(name string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT target_name, command_hash, caps_digest, dep_digests, output_digest,
		       status, error, warnings, value, files, seconds, completed_at, run_id
		FROM fingerprints WHERE target_name = ?`, name)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading fingerprint for %q", name)
	}
	return rec, nil
}

// All returns every record ordered by target name.
func (s *Store) All() ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT target_name, command_hash, caps_digest, dep_digests, output_digest,
		       status, error, warnings, value, files, seconds, completed_at, run_id
		FROM fingerprints ORDER BY target_name`)
	if err != nil {
		return nil, errors.Wrap(err, "listing fingerprints")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scanning fingerprint row")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Reset deletes every fingerprint record.
func (s *Store) Reset() error {
	if _, err := s.db.Exec(`DELETE FROM fingerprints`); err != nil {
		return errors.Wrap(err, "clearing fingerprints")
	}
	if s.log != nil {
		s.log.Infow("metadata store reset")
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		rec         Record
		commandHash string
		capsDigest  string
		depJSON     string
		outDigest   string
		status      string
		warnJSON    string
		value       []byte
		filesJSON   string
		completedAt string
	)
	err := scan(&rec.TargetName, &commandHash, &capsDigest, &depJSON, &outDigest,
		&status, &rec.Error, &warnJSON, &value, &filesJSON, &rec.Seconds, &completedAt, &rec.RunID)
	if err != nil {
		return nil, err
	}

	rec.CommandHash = fingerprint.Digest(commandHash)
	rec.CapsDigest = fingerprint.Digest(capsDigest)
	rec.OutputDigest = fingerprint.Digest(outDigest)
	rec.Status = Status(status)
	rec.Value = json.RawMessage(value)

	var deps map[string]string
	if err := json.Unmarshal([]byte(depJSON), &deps); err != nil {
		return nil, errors.Wrap(err, "decoding dep digests")
	}
	rec.DepDigests = make(map[string]fingerprint.Digest, len(deps))
	for name, d := range deps {
		rec.DepDigests[name] = fingerprint.Digest(d)
	}
	if err := json.Unmarshal([]byte(warnJSON), &rec.Warnings); err != nil {
		return nil, errors.Wrap(err, "decoding warnings")
	}
	if err := json.Unmarshal([]byte(filesJSON), &rec.Files); err != nil {
		return nil, errors.Wrap(err, "decoding file stats")
	}
	if rec.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
		return nil, errors.Wrap(err, "decoding completion time")
	}
	return &rec, nil
}

func sortedDeps(deps map[string]fingerprint.Digest) map[string]string {
	out := make(map[string]string, len(deps))
	for name, d := range deps {
		out[name] = string(d)
	}
	return out
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func nonNilFiles(fs []FileStat) []FileStat {
	if fs == nil {
		return []FileStat{}
	}
	return fs
}
