package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/metabinary-ltd/wipesentinel/internal/types"
	_ "modernc.org/sqlite"
)

// schemaVersion is bumped with every migration in migrateSchema.
const schemaVersion = 2

// Store is the run journal. It remembers which inventory entries each run
// created so they can be rolled back after the process exits.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

type Run struct {
	ID         string
	Simulated  bool
	StartedAt  int64
	FinishedAt int64
	Clean      int
	Broken     int
	Errors     int
	Conflicts  int
	RolledBack int
}

type CreatedItem struct {
	RunID      string
	Code       string
	Serial     string
	CreatedAt  int64
	RolledBack bool
}

type OutcomeRecord struct {
	RunID         string
	Device        string
	Serial        string
	InventoryCode string
	Outcome       string
	ExitCode      int
	LogPath       string
	Error         string
	Reported      bool
	DurationMs    int64
	Timestamp     int64
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dirOf(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// wipe tasks record outcomes concurrently
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			simulated INTEGER DEFAULT 0,
			started_at INTEGER,
			finished_at INTEGER,
			clean INTEGER DEFAULT 0,
			broken INTEGER DEFAULT 0,
			errors INTEGER DEFAULT 0,
			conflicts INTEGER DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS created_items (
			run_id TEXT,
			code TEXT,
			serial TEXT,
			created_at INTEGER,
			rolled_back INTEGER DEFAULT 0,
			PRIMARY KEY (run_id, code),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			device TEXT,
			serial TEXT,
			inventory_code TEXT,
			outcome TEXT,
			exit_code INTEGER,
			log_path TEXT,
			error_message TEXT,
			reported INTEGER DEFAULT 0,
			timestamp INTEGER,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	version, err := s.storedVersion()
	if err != nil {
		return err
	}
	if version > schemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported version %d", version, schemaVersion)
	}

	s.migrateSchema()

	_, err = s.db.Exec(`INSERT INTO meta(key,value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(schemaVersion))
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// storedVersion returns the schema version recorded in the journal, 0 for a
// new one.
func (s *Store) storedVersion() (int, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("bad schema version %q", v)
	}
	return n, nil
}

func (s *Store) migrateSchema() {
	// SQLite has no ADD COLUMN IF NOT EXISTS
	if err := s.addColumnIfNotExists("outcomes", "duration_ms", "INTEGER DEFAULT 0"); err != nil {
		s.logger.Warn("journal migration failed", "column", "outcomes.duration_ms", "error", err)
	}
}

func (s *Store) addColumnIfNotExists(table, column, colType string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}

	exists := false
	for rows.Next() {
		var cid int
		var name string
		var typeName string
		var notnull int
		var dfltValue sql.NullString
		var pk int

		if err := rows.Scan(&cid, &name, &typeName, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			exists = true
		}
	}
	rows.Close()
	if exists {
		return nil
	}

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, colType))
	return err
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (s *Store) BeginRun(ctx context.Context, runID string, simulated bool, started time.Time) error {
	if runID == "" {
		return errors.New("run id required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (id, simulated, started_at) VALUES (?, ?, ?)`,
		runID, boolInt(simulated), started.Unix())
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	return nil
}

// RecordCreated remembers an inventory entry created during a run.
func (s *Store) RecordCreated(ctx context.Context, runID, code, serial string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO created_items (run_id, code, serial, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, code) DO NOTHING
	`, runID, code, serial, time.Now().Unix())
	return err
}

// CreatedItems lists the entries a run created that have not been rolled
// back yet.
func (s *Store) CreatedItems(ctx context.Context, runID string) ([]CreatedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, code, serial, created_at, rolled_back FROM created_items
		WHERE run_id=? AND rolled_back=0 ORDER BY created_at, code
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []CreatedItem
	for rows.Next() {
		var c CreatedItem
		var serial sql.NullString
		var rolled int
		if err := rows.Scan(&c.RunID, &c.Code, &serial, &c.CreatedAt, &rolled); err != nil {
			return nil, err
		}
		c.Serial = serial.String
		c.RolledBack = rolled != 0
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *Store) MarkRolledBack(ctx context.Context, runID, code string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE created_items SET rolled_back=1 WHERE run_id=? AND code=?`, runID, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s has no created item %s", runID, code)
	}
	return nil
}

func (s *Store) RecordOutcome(ctx context.Context, runID string, t types.WipeTask) error {
	if t.Drive == nil {
		return errors.New("task has no drive")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (run_id, device, serial, inventory_code, outcome, exit_code, log_path, error_message, reported, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, t.Drive.MountPoint, t.Drive.SerialNumber, t.Drive.InventoryCode, string(t.Outcome),
		t.ExitCode, t.LogPath, t.Error, boolInt(t.Reported), t.Duration.Milliseconds(), time.Now().Unix())
	return err
}

func (s *Store) Outcomes(ctx context.Context, runID string) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, device, serial, inventory_code, outcome, exit_code, log_path, error_message, reported, duration_ms, timestamp
		FROM outcomes WHERE run_id=? ORDER BY device
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OutcomeRecord
	for rows.Next() {
		var o OutcomeRecord
		var code, logPath, errMsg sql.NullString
		var reported int
		var duration sql.NullInt64
		if err := rows.Scan(&o.RunID, &o.Device, &o.Serial, &code, &o.Outcome, &o.ExitCode,
			&logPath, &errMsg, &reported, &duration, &o.Timestamp); err != nil {
			return nil, err
		}
		o.InventoryCode = code.String
		o.LogPath = logPath.String
		o.Error = errMsg.String
		o.Reported = reported != 0
		o.DurationMs = duration.Int64
		res = append(res, o)
	}
	return res, rows.Err()
}

// FinishRun stores the final counters of a run.
func (s *Store) FinishRun(ctx context.Context, sum types.Summary) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at=?, clean=?, broken=?, errors=?, conflicts=? WHERE id=?
	`, sum.FinishedAt, sum.Count(types.OutcomeClean), sum.Count(types.OutcomeBroken),
		sum.Count(types.OutcomeError), len(sum.Conflicts), sum.RunID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown run %s", sum.RunID)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	runs, err := s.queryRuns(ctx, `WHERE r.id=?`, runID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRuns(ctx, `ORDER BY r.started_at DESC, r.id LIMIT ?`, limit)
}

func (s *Store) queryRuns(ctx context.Context, tail string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.simulated, r.started_at, r.finished_at, r.clean, r.broken, r.errors, r.conflicts,
			(SELECT COUNT(*) FROM created_items c WHERE c.run_id=r.id AND c.rolled_back=1)
		FROM runs r `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Run
	for rows.Next() {
		var r Run
		var simulated int
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &simulated, &r.StartedAt, &finished, &r.Clean, &r.Broken,
			&r.Errors, &r.Conflicts, &r.RolledBack); err != nil {
			return nil, err
		}
		r.Simulated = simulated != 0
		r.FinishedAt = finished.Int64
		res = append(res, r)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
