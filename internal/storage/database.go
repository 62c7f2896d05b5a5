package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/verdant/plantcare/internal/care"
	"github.com/verdant/plantcare/internal/offline"
	"github.com/verdant/plantcare/internal/propagation"
	"github.com/verdant/plantcare/internal/schedule"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer; one connection serialises access.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Plant catalogue
	CREATE TABLE IF NOT EXISTS plants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		common_name TEXT NOT NULL,
		scientific_name TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Plants in a user's collection
	CREATE TABLE IF NOT EXISTS plant_instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		plant_id INTEGER NOT NULL,
		nickname TEXT NOT NULL,
		location TEXT,
		fertilizer_schedule TEXT NOT NULL DEFAULT 'every_4_weeks',
		last_fertilized DATETIME,
		last_repot DATETIME,
		source_propagation_id INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (plant_id) REFERENCES plants(id)
	);
	CREATE INDEX IF NOT EXISTS idx_plant_instances_user ON plant_instances(user_id);

	-- Care history
	CREATE TABLE IF NOT EXISTS care_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		plant_instance_id INTEGER NOT NULL,
		care_type TEXT NOT NULL,
		care_date DATETIME NOT NULL,
		notes TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (plant_instance_id) REFERENCES plant_instances(id)
	);
	CREATE INDEX IF NOT EXISTS idx_care_records_instance ON care_records(plant_instance_id, care_date);

	-- Propagations
	CREATE TABLE IF NOT EXISTS propagations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		plant_id INTEGER NOT NULL,
		nickname TEXT,
		location TEXT,
		status TEXT NOT NULL DEFAULT 'started',
		source_type TEXT NOT NULL,
		parent_instance_id INTEGER,
		external_source TEXT,
		external_source_details TEXT,
		date_started DATETIME NOT NULL,
		notes TEXT,
		converted INTEGER NOT NULL DEFAULT 0,
		converted_at DATETIME,
		converted_instance_id INTEGER,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (plant_id) REFERENCES plants(id),
		FOREIGN KEY (parent_instance_id) REFERENCES plant_instances(id)
	);
	CREATE INDEX IF NOT EXISTS idx_propagations_user ON propagations(user_id);

	-- Care events recorded while the remote store was unreachable
	CREATE TABLE IF NOT EXISTS pending_care (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		local_id TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL,
		plant_instance_id INTEGER NOT NULL,
		care_type TEXT NOT NULL,
		care_date DATETIME NOT NULL,
		notes TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		last_attempt_at DATETIME,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_care_status ON pending_care(status);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Plant Operations ---

// CreatePlant inserts a catalogue entry and returns its ID
func (db *DB) CreatePlant(ctx context.Context, p *Plant) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO plants (common_name, scientific_name, created_at) VALUES (?, ?, ?)",
		p.CommonName, nullString(p.ScientificName), db.now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetPlant retrieves a catalogue entry by ID
func (db *DB) GetPlant(ctx context.Context, id int64) (*Plant, error) {
	p := &Plant{}
	var sci sql.NullString
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, common_name, scientific_name, created_at FROM plants WHERE id = ?", id).
		Scan(&p.ID, &p.CommonName, &sci, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plant %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.ScientificName = sci.String
	return p, nil
}

// --- Plant Instance Operations ---

const instanceColumns = `id, user_id, plant_id, nickname, location, fertilizer_schedule,
	last_fertilized, last_repot`

func scanInstance(s scanner) (care.Instance, error) {
	var inst care.Instance
	var location sql.NullString
	var lastFert, lastRepot sql.NullTime
	if err := s.Scan(&inst.ID, &inst.UserID, &inst.PlantID, &inst.Nickname, &location,
		&inst.Schedule, &lastFert, &lastRepot); err != nil {
		return care.Instance{}, err
	}
	inst.Location = location.String
	inst.LastFertilized = timePtr(lastFert)
	inst.LastRepot = timePtr(lastRepot)
	return inst, nil
}

// AddPlantInstance inserts a plant into a user's collection. The schedule
// is stored in canonical form.
func (db *DB) AddPlantInstance(ctx context.Context, inst care.Instance) (care.Instance, error) {
	now := db.now()
	result, err := db.conn.ExecContext(ctx, `INSERT INTO plant_instances
		(user_id, plant_id, nickname, location, fertilizer_schedule, last_fertilized, last_repot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.UserID, inst.PlantID, inst.Nickname, nullString(inst.Location),
		schedule.Canonical(inst.Schedule), nullTime(inst.LastFertilized), nullTime(inst.LastRepot), now, now)
	if err != nil {
		return care.Instance{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return care.Instance{}, err
	}
	return db.GetPlantInstance(ctx, id)
}

// GetPlantInstance retrieves a plant instance by ID
func (db *DB) GetPlantInstance(ctx context.Context, id int64) (care.Instance, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM plant_instances WHERE id = ?", id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return care.Instance{}, fmt.Errorf("plant instance %d: %w", id, ErrNotFound)
	}
	return inst, err
}

// ListPlantInstances retrieves every plant instance owned by userID
func (db *DB) ListPlantInstances(ctx context.Context, userID int64) ([]care.Instance, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+instanceColumns+" FROM plant_instances WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []care.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// CreatePlantInstance executes a conversion command: it inserts the new
// plant instance and marks the source propagation converted in one
// transaction. A propagation can only be converted once.
func (db *DB) CreatePlantInstance(ctx context.Context, cmd propagation.CreatePlantInstanceCommand) (care.Instance, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return care.Instance{}, err
	}
	defer tx.Rollback()

	now := db.now()
	var sourceID sql.NullInt64
	if cmd.PropagationID != 0 {
		sourceID = sql.NullInt64{Int64: cmd.PropagationID, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `INSERT INTO plant_instances
		(user_id, plant_id, nickname, location, fertilizer_schedule, source_propagation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.UserID, cmd.PlantID, cmd.Nickname, nullString(cmd.Location),
		schedule.Canonical(cmd.Schedule), sourceID, now, now)
	if err != nil {
		return care.Instance{}, fmt.Errorf("insert plant instance: %w", err)
	}
	instanceID, err := result.LastInsertId()
	if err != nil {
		return care.Instance{}, err
	}

	if cmd.PropagationID != 0 {
		res, err := tx.ExecContext(ctx, `UPDATE propagations
			SET converted = 1, converted_at = ?, converted_instance_id = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND converted = 0`,
			now, instanceID, now, cmd.PropagationID)
		if err != nil {
			return care.Instance{}, fmt.Errorf("mark propagation converted: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var one int
			if err := tx.QueryRowContext(ctx, "SELECT 1 FROM propagations WHERE id = ?", cmd.PropagationID).Scan(&one); err != nil {
				return care.Instance{}, fmt.Errorf("propagation %d: %w", cmd.PropagationID, ErrNotFound)
			}
			return care.Instance{}, fmt.Errorf("propagation %d: %w", cmd.PropagationID, propagation.ErrAlreadyConverted)
		}
	}

	inst, err := scanInstance(tx.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM plant_instances WHERE id = ?", instanceID))
	if err != nil {
		return care.Instance{}, err
	}
	return inst, tx.Commit()
}

// --- Care Operations ---

// LogCareEvent stores a care event. A second call with the same
// idempotency key returns the original record and changes nothing.
// Fertilize and repot events move the instance's last care dates forward,
// never back.
func (db *DB) LogCareEvent(ctx context.Context, req care.LogRequest, key string) (care.Record, error) {
	if err := req.Validate(); err != nil {
		return care.Record{}, err
	}
	if key == "" {
		return care.Record{}, fmt.Errorf("%w: idempotency key missing", care.ErrInvalidEvent)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return care.Record{}, err
	}
	defer tx.Rollback()

	if rec, err := careRecordByKey(ctx, tx, key); err == nil {
		return rec, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return care.Record{}, err
	}

	var lastFert, lastRepot sql.NullTime
	err = tx.QueryRowContext(ctx, "SELECT last_fertilized, last_repot FROM plant_instances WHERE id = ?",
		req.PlantInstanceID).Scan(&lastFert, &lastRepot)
	if errors.Is(err, sql.ErrNoRows) {
		return care.Record{}, fmt.Errorf("plant instance %d: %w", req.PlantInstanceID, ErrNotFound)
	}
	if err != nil {
		return care.Record{}, err
	}

	now := db.now()
	if _, err := tx.ExecContext(ctx, `INSERT INTO care_records
		(user_id, plant_instance_id, care_type, care_date, notes, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.UserID, req.PlantInstanceID, string(req.Type), req.CareDate, nullString(req.Notes), key, now); err != nil {
		return care.Record{}, fmt.Errorf("insert care record: %w", err)
	}

	column, current := "", sql.NullTime{}
	switch req.Type {
	case care.EventFertilize:
		column, current = "last_fertilized", lastFert
	case care.EventRepot:
		column, current = "last_repot", lastRepot
	}
	if column != "" && (!current.Valid || req.CareDate.After(current.Time)) {
		if _, err := tx.ExecContext(ctx,
			"UPDATE plant_instances SET "+column+" = ?, updated_at = ? WHERE id = ?",
			req.CareDate, now, req.PlantInstanceID); err != nil {
			return care.Record{}, fmt.Errorf("update %s: %w", column, err)
		}
	}

	rec, err := careRecordByKey(ctx, tx, key)
	if err != nil {
		return care.Record{}, err
	}
	return rec, tx.Commit()
}

const careColumns = `id, user_id, plant_instance_id, care_type, care_date, notes, idempotency_key, created_at`

func scanCareRecord(s scanner) (care.Record, error) {
	var rec care.Record
	var careType string
	var notes sql.NullString
	if err := s.Scan(&rec.ID, &rec.UserID, &rec.PlantInstanceID, &careType, &rec.CareDate,
		&notes, &rec.IdempotencyKey, &rec.CreatedAt); err != nil {
		return care.Record{}, err
	}
	rec.Type = care.EventType(careType)
	rec.Notes = notes.String
	return rec, nil
}

func careRecordByKey(ctx context.Context, tx *sql.Tx, key string) (care.Record, error) {
	return scanCareRecord(tx.QueryRowContext(ctx,
		"SELECT "+careColumns+" FROM care_records WHERE idempotency_key = ?", key))
}

// ListCareRecords retrieves the most recent care records for an instance
func (db *DB) ListCareRecords(ctx context.Context, instanceID int64, limit int) ([]care.Record, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+careColumns+` FROM care_records
		WHERE plant_instance_id = ? ORDER BY care_date DESC, id DESC LIMIT ?`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []care.Record
	for rows.Next() {
		rec, err := scanCareRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Propagation Operations ---

const propagationColumns = `id, user_id, plant_id, nickname, location, status, source_type,
	parent_instance_id, external_source, external_source_details, date_started, notes,
	converted, converted_at, converted_instance_id, version, created_at, updated_at`

func scanPropagation(s scanner) (propagation.Record, error) {
	var r propagation.Record
	var status, sourceType string
	var nickname, location, extSource, extDetails, notes sql.NullString
	var parentID, convertedID sql.NullInt64
	var convertedAt sql.NullTime
	if err := s.Scan(&r.ID, &r.UserID, &r.PlantID, &nickname, &location, &status, &sourceType,
		&parentID, &extSource, &extDetails, &r.DateStarted, &notes,
		&r.Converted, &convertedAt, &convertedID, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return propagation.Record{}, err
	}
	r.Nickname = nickname.String
	r.Location = location.String
	r.Status = propagation.Status(status)
	r.SourceType = propagation.SourceType(sourceType)
	r.ParentInstanceID = int64Ptr(parentID)
	r.ExternalSource = extSource.String
	r.ExternalSourceDetails = extDetails.String
	r.Notes = notes.String
	r.ConvertedAt = timePtr(convertedAt)
	r.ConvertedInstanceID = int64Ptr(convertedID)
	return r, nil
}

// CreatePropagation validates and inserts a new propagation
func (db *DB) CreatePropagation(ctx context.Context, r propagation.Record) (propagation.Record, error) {
	r, err := propagation.New(r)
	if err != nil {
		return propagation.Record{}, err
	}

	now := db.now()
	result, err := db.conn.ExecContext(ctx, `INSERT INTO propagations
		(user_id, plant_id, nickname, location, status, source_type, parent_instance_id,
			external_source, external_source_details, date_started, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.PlantID, nullString(r.Nickname), nullString(r.Location), string(r.Status),
		string(r.SourceType), nullInt64(r.ParentInstanceID), nullString(r.ExternalSource),
		nullString(r.ExternalSourceDetails), r.DateStarted, nullString(r.Notes), now, now)
	if err != nil {
		return propagation.Record{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return propagation.Record{}, err
	}
	return db.GetPropagation(ctx, id)
}

// GetPropagation retrieves a propagation by ID
func (db *DB) GetPropagation(ctx context.Context, id int64) (propagation.Record, error) {
	r, err := scanPropagation(db.conn.QueryRowContext(ctx,
		"SELECT "+propagationColumns+" FROM propagations WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return propagation.Record{}, fmt.Errorf("propagation %d: %w", id, ErrNotFound)
	}
	return r, err
}

// ListPropagations retrieves every propagation owned by userID
func (db *DB) ListPropagations(ctx context.Context, userID int64) ([]propagation.Record, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+propagationColumns+" FROM propagations WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []propagation.Record
	for rows.Next() {
		r, err := scanPropagation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdatePropagationStatus writes a new status if the stored version still
// matches expectedVersion. Converted propagations cannot be updated.
func (db *DB) UpdatePropagationStatus(ctx context.Context, id int64, status propagation.Status, expectedVersion int64) (propagation.Record, error) {
	if !status.Valid() {
		return propagation.Record{}, fmt.Errorf("%w: %q", propagation.ErrUnknownStatus, status)
	}

	res, err := db.conn.ExecContext(ctx, `UPDATE propagations
		SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND converted = 0`,
		string(status), db.now(), id, expectedVersion)
	if err != nil {
		return propagation.Record{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := db.GetPropagation(ctx, id)
		if err != nil {
			return propagation.Record{}, err
		}
		if current.Converted {
			return propagation.Record{}, fmt.Errorf("propagation %d: %w", id, propagation.ErrAlreadyConverted)
		}
		return propagation.Record{}, fmt.Errorf("propagation %d at version %d, expected %d: %w",
			id, current.Version, expectedVersion, ErrVersionConflict)
	}
	return db.GetPropagation(ctx, id)
}

// --- Pending Care Operations ---

// DB implements offline.Queue so queued care survives restarts.
var _ offline.Queue = (*DB)(nil)

const pendingColumns = `seq, local_id, user_id, plant_instance_id, care_type, care_date, notes,
	status, attempts, last_error, last_attempt_at, created_at`

func scanPending(s scanner) (offline.Entry, error) {
	var e offline.Entry
	var careType, status string
	var notes, lastErr sql.NullString
	var lastAttempt sql.NullTime
	if err := s.Scan(&e.Seq, &e.LocalID, &e.Request.UserID, &e.Request.PlantInstanceID, &careType,
		&e.Request.CareDate, &notes, &status, &e.Attempts, &lastErr, &lastAttempt, &e.CreatedAt); err != nil {
		return offline.Entry{}, err
	}
	e.Request.Type = care.EventType(careType)
	e.Request.Notes = notes.String
	e.Status = offline.EntryStatus(status)
	e.LastError = lastErr.String
	e.LastAttemptAt = timePtr(lastAttempt)
	return e, nil
}

// Append inserts a pending entry and assigns its sequence number
func (db *DB) Append(ctx context.Context, e *offline.Entry) error {
	status := e.Status
	if status == "" {
		status = offline.StatusQueued
	}
	result, err := db.conn.ExecContext(ctx, `INSERT INTO pending_care
		(local_id, user_id, plant_instance_id, care_type, care_date, notes, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.LocalID, e.Request.UserID, e.Request.PlantInstanceID, string(e.Request.Type),
		e.Request.CareDate, nullString(e.Request.Notes), string(status), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append %s: %w", e.LocalID, err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	e.Seq = seq
	e.Status = status
	return nil
}

// Pending retrieves every queued entry in enqueue order
func (db *DB) Pending(ctx context.Context) ([]offline.Entry, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+pendingColumns+" FROM pending_care ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []offline.Entry
	for rows.Next() {
		e, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (db *DB) updatePending(ctx context.Context, op, localID, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", op, localID, offline.ErrEntryNotFound)
	}
	return nil
}

// MarkSyncing records a submission attempt
func (db *DB) MarkSyncing(ctx context.Context, localID string, at time.Time) error {
	return db.updatePending(ctx, "mark syncing", localID,
		"UPDATE pending_care SET status = ?, attempts = attempts + 1, last_attempt_at = ? WHERE local_id = ?",
		string(offline.StatusSyncing), at, localID)
}

// MarkFailed records a failed submission
func (db *DB) MarkFailed(ctx context.Context, localID string, reason string) error {
	return db.updatePending(ctx, "mark failed", localID,
		"UPDATE pending_care SET status = ?, last_error = ? WHERE local_id = ?",
		string(offline.StatusFailed), reason, localID)
}

// Remove deletes an acknowledged entry
func (db *DB) Remove(ctx context.Context, localID string) error {
	return db.updatePending(ctx, "remove", localID, "DELETE FROM pending_care WHERE local_id = ?", localID)
}

// ResetSyncing returns interrupted entries to queued
func (db *DB) ResetSyncing(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, "UPDATE pending_care SET status = ? WHERE status = ?",
		string(offline.StatusQueued), string(offline.StatusSyncing))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Statistics ---

// GetStats counts rows per table
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM plants", &s.Plants},
		{"SELECT COUNT(*) FROM plant_instances", &s.Instances},
		{"SELECT COUNT(*) FROM care_records", &s.CareRecords},
		{"SELECT COUNT(*) FROM propagations", &s.Propagations},
		{"SELECT COUNT(*) FROM propagations WHERE converted = 1", &s.Converted},
		{"SELECT COUNT(*) FROM pending_care WHERE status = 'queued'", &s.PendingQueued},
		{"SELECT COUNT(*) FROM pending_care WHERE status = 'failed'", &s.PendingFailed},
		{"SELECT COUNT(*) FROM pending_care WHERE status = 'syncing'", &s.PendingSyncing},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	return s, nil
}
