/*
Package sqlite provides a SQLite-backed implementation of the billing
storage interfaces.

PURPOSE:
  Implements every persistence interface from billing/store.go using
  SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - rental_rates:         INSERT only; UNIQUE(sku_code, effective_date)
    makes the duplicate-effective-date race produce exactly one winner at
    the point of append, never a silent overwrite
  - allocation_snapshots: INSERT plus a single UPDATE that closes the
    open validity interval (superseded_at IS NULL guard); history rows
    are never rewritten
  - line_overrides:       INSERT only; UNIQUE(year, month, reservation_id)
  - audit_log:            INSERT only

MUTABLE TABLES:
  skus, allocations, reservations, maintenance_windows, fee_subscriptions,
  invoice_periods. invoice_lines holds the frozen lines of finalized
  periods and is rewritten only through FinalizePeriod/UnlockPeriod.

CONCURRENCY:
  Uses sync.RWMutex plus SQLite WAL mode. FinalizePeriod runs the status
  flip and the line freeze in one database transaction while holding the
  writer lock; SaveOverride takes the same lock and checks the period
  status inside it, so an override racing a finalize either lands before
  the flip or is rejected.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := billing.NewRateLedger(store, store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// Store implements all billing storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Rental rates (append-only ledger)
	CREATE TABLE IF NOT EXISTS rental_rates (
		sku_code TEXT NOT NULL,
		value TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		set_by TEXT NOT NULL,
		note TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(sku_code, effective_date)
	);

	CREATE INDEX IF NOT EXISTS idx_rates_sku_date
		ON rental_rates(sku_code, effective_date);

	-- Allocation snapshots (append-only; superseded_at set exactly once)
	CREATE TABLE IF NOT EXISTS allocation_snapshots (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		allocation_id TEXT NOT NULL,
		objects_json TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		approved_at TEXT NOT NULL,
		superseded_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_project
		ON allocation_snapshots(project_id, approved_at);

	-- Line overrides (append-only; at most one per period+reservation)
	CREATE TABLE IF NOT EXISTS line_overrides (
		id TEXT PRIMARY KEY,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		reservation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		original_hours TEXT NOT NULL,
		hours TEXT NOT NULL,
		shares_json TEXT,
		note TEXT NOT NULL,
		author TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(year, month, reservation_id)
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id);

	-- SKU catalog
	CREATE TABLE IF NOT EXISTS skus (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		unit TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		public BOOLEAN NOT NULL DEFAULT TRUE,
		metadata_json TEXT,
		link_ref TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_skus_link_ref
		ON skus(link_ref) WHERE link_ref IS NOT NULL AND link_ref != '';

	-- Live cost allocations (one per project)
	CREATE TABLE IF NOT EXISTS allocations (
		project_id TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		status TEXT NOT NULL,
		objects_json TEXT NOT NULL,
		submitted_by TEXT NOT NULL,
		reviewed_by TEXT,
		review_notes TEXT,
		updated_at TEXT NOT NULL
	);

	-- Reservations
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		project_id TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		start_date TEXT NOT NULL,
		blocks INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		processed_by TEXT,
		processed_at TEXT,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_start
		ON reservations(start_date);
	CREATE INDEX IF NOT EXISTS idx_reservations_project
		ON reservations(project_id);

	-- Maintenance windows
	CREATE TABLE IF NOT EXISTS maintenance_windows (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_windows_start ON maintenance_windows(start_at);

	-- Fee subscriptions
	CREATE TABLE IF NOT EXISTS fee_subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		sku_code TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fees_user_project
		ON fee_subscriptions(user_id, project_id);

	-- Invoice periods
	CREATE TABLE IF NOT EXISTS invoice_periods (
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		finalized_by TEXT,
		finalized_at TEXT,
		notes TEXT,
		UNIQUE(year, month)
	);

	-- Frozen lines of finalized periods
	CREATE TABLE IF NOT EXISTS invoice_lines (
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		position INTEGER NOT NULL,
		line_json TEXT NOT NULL,
		UNIQUE(year, month, position)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RATE STORE (billing.RateStore)
// =============================================================================

func (s *Store) AppendRate(ctx context.Context, rate billing.RentalRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rental_rates (sku_code, value, effective_date, set_by, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rate.SKUCode,
		rate.Value.String(),
		rate.EffectiveDate.Format("2006-01-02"),
		rate.SetBy,
		rate.Note,
		rate.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &billing.DuplicateRateError{SKUCode: rate.SKUCode, EffectiveDate: rate.EffectiveDate}
		}
		return fmt.Errorf("failed to append rate: %w", err)
	}
	return nil
}

func (s *Store) RatesBySKU(ctx context.Context, code billing.SKUCode) ([]billing.RentalRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku_code, value, effective_date, set_by, note, created_at
		FROM rental_rates
		WHERE sku_code = ?
		ORDER BY effective_date ASC`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to query rates: %w", err)
	}
	defer rows.Close()

	var rates []billing.RentalRate
	for rows.Next() {
		var (
			r             billing.RentalRate
			value         string
			effectiveDate string
			note          sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&r.SKUCode, &value, &effectiveDate, &r.SetBy, &note, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		r.Value, _ = decimal.NewFromString(value)
		r.EffectiveDate, _ = time.Parse("2006-01-02", effectiveDate)
		r.Note = note.String
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

// =============================================================================
// SNAPSHOT STORE (billing.SnapshotStore)
// =============================================================================

func (s *Store) AppendSnapshot(ctx context.Context, snap billing.AllocationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objectsJSON, _ := json.Marshal(snap.Objects)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocation_snapshots
		(id, project_id, allocation_id, objects_json, approved_by, approved_at, superseded_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		snap.ID,
		snap.ProjectID,
		snap.AllocationID,
		string(objectsJSON),
		snap.ApprovedBy,
		snap.ApprovedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrConcurrencyConflict
		}
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return nil
}

func (s *Store) SupersedeOpen(ctx context.Context, project billing.ProjectID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Guarded by superseded_at IS NULL: the validity interval is closed
	// exactly once, history rows are never touched again.
	_, err := s.db.ExecContext(ctx, `
		UPDATE allocation_snapshots
		SET superseded_at = ?
		WHERE project_id = ? AND superseded_at IS NULL`,
		at.Format(time.RFC3339Nano), project,
	)
	return err
}

func (s *Store) SnapshotsByProject(ctx context.Context, project billing.ProjectID) ([]billing.AllocationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, allocation_id, objects_json, approved_by, approved_at, superseded_at
		FROM allocation_snapshots
		WHERE project_id = ?
		ORDER BY approved_at ASC`, project)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []billing.AllocationSnapshot
	for rows.Next() {
		var (
			snap         billing.AllocationSnapshot
			objectsJSON  string
			approvedAt   string
			supersededAt sql.NullString
		)
		if err := rows.Scan(&snap.ID, &snap.ProjectID, &snap.AllocationID, &objectsJSON, &snap.ApprovedBy, &approvedAt, &supersededAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(objectsJSON), &snap.Objects); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot objects: %w", err)
		}
		snap.ApprovedAt, _ = time.Parse(time.RFC3339Nano, approvedAt)
		if supersededAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, supersededAt.String)
			snap.SupersededAt = &t
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// =============================================================================
// SKU STORE (billing.SKUStore)
// =============================================================================

func (s *Store) SaveSKU(ctx context.Context, sku billing.SKU) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, _ := json.Marshal(sku.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skus (code, name, category, unit, active, public, metadata_json, link_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			public = excluded.public,
			metadata_json = excluded.metadata_json`,
		sku.Code, sku.Name, sku.Category, sku.Unit, sku.Active, sku.Public,
		string(metadataJSON), sku.LinkRef,
		sku.CreatedAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSKU(ctx context.Context, code billing.SKUCode) (*billing.SKU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.querySKU(ctx,
		"SELECT code, name, category, unit, active, public, metadata_json, link_ref, created_at FROM skus WHERE code = ?",
		code)
}

func (s *Store) GetSKUByLinkRef(ctx context.Context, linkRef string) (*billing.SKU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.querySKU(ctx,
		"SELECT code, name, category, unit, active, public, metadata_json, link_ref, created_at FROM skus WHERE link_ref = ?",
		linkRef)
}

func (s *Store) querySKU(ctx context.Context, query string, arg any) (*billing.SKU, error) {
	var (
		sku          billing.SKU
		metadataJSON sql.NullString
		linkRef      sql.NullString
		createdAt    string
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&sku.Code, &sku.Name, &sku.Category, &sku.Unit, &sku.Active, &sku.Public,
		&metadataJSON, &linkRef, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &sku.Metadata)
	}
	sku.LinkRef = linkRef.String
	sku.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &sku, nil
}

func (s *Store) ListSKUs(ctx context.Context) ([]billing.SKU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT code, name, category, unit, active, public, metadata_json, link_ref, created_at FROM skus ORDER BY code ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var skus []billing.SKU
	for rows.Next() {
		var (
			sku          billing.SKU
			metadataJSON sql.NullString
			linkRef      sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&sku.Code, &sku.Name, &sku.Category, &sku.Unit, &sku.Active, &sku.Public, &metadataJSON, &linkRef, &createdAt); err != nil {
			return nil, err
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			json.Unmarshal([]byte(metadataJSON.String), &sku.Metadata)
		}
		sku.LinkRef = linkRef.String
		sku.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		skus = append(skus, sku)
	}
	return skus, rows.Err()
}

// =============================================================================
// ALLOCATION STORE (billing.AllocationStore)
// =============================================================================

func (s *Store) SaveAllocation(ctx context.Context, alloc billing.CostAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objectsJSON, _ := json.Marshal(alloc.Objects)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations (project_id, id, status, objects_json, submitted_by, reviewed_by, review_notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			objects_json = excluded.objects_json,
			submitted_by = excluded.submitted_by,
			reviewed_by = excluded.reviewed_by,
			review_notes = excluded.review_notes,
			updated_at = excluded.updated_at`,
		alloc.ProjectID, alloc.ID, alloc.Status, string(objectsJSON),
		alloc.SubmittedBy, alloc.ReviewedBy, alloc.ReviewNotes,
		alloc.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetAllocation(ctx context.Context, project billing.ProjectID) (*billing.CostAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		alloc       billing.CostAllocation
		objectsJSON string
		reviewedBy  sql.NullString
		reviewNotes sql.NullString
		updatedAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, id, status, objects_json, submitted_by, reviewed_by, review_notes, updated_at
		FROM allocations WHERE project_id = ?`, project).Scan(
		&alloc.ProjectID, &alloc.ID, &alloc.Status, &objectsJSON,
		&alloc.SubmittedBy, &reviewedBy, &reviewNotes, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(objectsJSON), &alloc.Objects); err != nil {
		return nil, fmt.Errorf("failed to decode allocation objects: %w", err)
	}
	alloc.ReviewedBy = billing.UserID(reviewedBy.String)
	alloc.ReviewNotes = reviewNotes.String
	alloc.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &alloc, nil
}

// =============================================================================
// RESERVATION STORE (billing.ReservationStore)
// =============================================================================

func (s *Store) SaveReservation(ctx context.Context, r billing.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var processedAt any
	if r.ProcessedAt != nil {
		processedAt = r.ProcessedAt.Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservations (id, node_type, project_id, requested_by, start_date, blocks, status, processed_by, processed_at, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed_by = excluded.processed_by,
			processed_at = excluded.processed_at,
			reason = excluded.reason`,
		r.ID, r.NodeType, r.ProjectID, r.RequestedBy,
		r.StartDate.Format("2006-01-02"), r.Blocks, r.Status,
		r.ProcessedBy, processedAt, r.Reason,
		r.CreatedAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetReservation(ctx context.Context, id billing.ReservationID) (*billing.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_type, project_id, requested_by, start_date, blocks, status, processed_by, processed_at, reason, created_at
		FROM reservations WHERE id = ?`, id)

	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ReservationsOverlapping pre-filters by start date (a reservation spans
// at most MaxBlocks twelve-hour blocks), then checks the derived booking
// interval precisely.
func (s *Store) ReservationsOverlapping(ctx context.Context, from, to time.Time) ([]billing.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxSpan := time.Duration(billing.MaxBlocks*billing.BlockHours) * time.Hour
	earliest := from.Add(-maxSpan).Format("2006-01-02")
	latest := to.Format("2006-01-02")

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_type, project_id, requested_by, start_date, blocks, status, processed_by, processed_at, reason, created_at
		FROM reservations
		WHERE start_date >= ? AND start_date <= ?
		ORDER BY id ASC`, earliest, latest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	query := billing.Interval{Start: from, End: to}
	var result []billing.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		schedule, err := billing.ComputeSchedule(r.StartDate, r.Blocks)
		if err != nil {
			continue
		}
		if schedule.Interval().Overlaps(query) {
			result = append(result, *r)
		}
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*billing.Reservation, error) {
	var (
		r           billing.Reservation
		startDate   string
		processedBy sql.NullString
		processedAt sql.NullString
		reason      sql.NullString
		createdAt   string
	)
	err := row.Scan(&r.ID, &r.NodeType, &r.ProjectID, &r.RequestedBy, &startDate, &r.Blocks, &r.Status, &processedBy, &processedAt, &reason, &createdAt)
	if err != nil {
		return nil, err
	}
	r.StartDate, _ = time.Parse("2006-01-02", startDate)
	r.ProcessedBy = billing.UserID(processedBy.String)
	if processedAt.Valid {
		t, _ := time.Parse(time.RFC3339, processedAt.String)
		r.ProcessedAt = &t
	}
	r.Reason = reason.String
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &r, nil
}

// =============================================================================
// MAINTENANCE STORE (billing.MaintenanceStore)
// =============================================================================

func (s *Store) SaveWindow(ctx context.Context, w billing.MaintenanceWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_windows (id, title, description, start_at, end_at, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			start_at = excluded.start_at,
			end_at = excluded.end_at`,
		w.ID, w.Title, w.Description,
		w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339),
		w.CreatedBy, w.CreatedAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) DeleteWindow(ctx context.Context, id billing.WindowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM maintenance_windows WHERE id = ?", id)
	return err
}

func (s *Store) GetWindow(ctx context.Context, id billing.WindowID) (*billing.MaintenanceWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		w           billing.MaintenanceWindow
		description sql.NullString
		start       string
		end         string
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, start_at, end_at, created_by, created_at
		FROM maintenance_windows WHERE id = ?`, id).Scan(
		&w.ID, &w.Title, &description, &start, &end, &w.CreatedBy, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.Description = description.String
	w.Start, _ = time.Parse(time.RFC3339, start)
	w.End, _ = time.Parse(time.RFC3339, end)
	w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &w, nil
}

func (s *Store) WindowsOverlapping(ctx context.Context, from, to time.Time) ([]billing.MaintenanceWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, start_at, end_at, created_by, created_at
		FROM maintenance_windows
		WHERE start_at < ? AND end_at > ?
		ORDER BY start_at ASC`,
		to.Format(time.RFC3339), from.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.MaintenanceWindow
	for rows.Next() {
		var (
			w           billing.MaintenanceWindow
			description sql.NullString
			start       string
			end         string
			createdAt   string
		)
		if err := rows.Scan(&w.ID, &w.Title, &description, &start, &end, &w.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		w.Description = description.String
		w.Start, _ = time.Parse(time.RFC3339, start)
		w.End, _ = time.Parse(time.RFC3339, end)
		w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		result = append(result, w)
	}
	return result, rows.Err()
}

// =============================================================================
// FEE STORE (billing.FeeStore)
// =============================================================================

func (s *Store) SaveFeeSubscription(ctx context.Context, sub billing.FeeSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fee_subscriptions (id, user_id, project_id, sku_code, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active = excluded.active`,
		sub.ID, sub.UserID, sub.ProjectID, sub.SKUCode, sub.Active,
		sub.CreatedAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) ListActiveFeeSubscriptions(ctx context.Context) ([]billing.FeeSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, project_id, sku_code, active, created_at
		FROM fee_subscriptions WHERE active ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []billing.FeeSubscription
	for rows.Next() {
		var (
			sub       billing.FeeSubscription
			createdAt string
		)
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.ProjectID, &sub.SKUCode, &sub.Active, &createdAt); err != nil {
			return nil, err
		}
		sub.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Store) DeactivateFeeSubscriptions(ctx context.Context, user billing.UserID, project billing.ProjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE fee_subscriptions SET active = FALSE
		WHERE user_id = ? AND project_id = ? AND active`, user, project)
	return err
}

// =============================================================================
// PERIOD STORE (billing.PeriodStore)
// =============================================================================

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) GetPeriod(ctx context.Context, year int, month time.Month) (*billing.InvoicePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPeriod(ctx, s.db, year, month)
}

func getPeriod(ctx context.Context, db dbtx, year int, month time.Month) (*billing.InvoicePeriod, error) {
	var (
		p           billing.InvoicePeriod
		monthInt    int
		finalizedBy sql.NullString
		finalizedAt sql.NullString
		notes       sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT year, month, status, finalized_by, finalized_at, notes
		FROM invoice_periods WHERE year = ? AND month = ?`, year, int(month)).Scan(
		&p.Year, &monthInt, &p.Status, &finalizedBy, &finalizedAt, &notes,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Month = time.Month(monthInt)
	p.FinalizedBy = billing.UserID(finalizedBy.String)
	if finalizedAt.Valid {
		t, _ := time.Parse(time.RFC3339, finalizedAt.String)
		p.FinalizedAt = &t
	}
	p.Notes = notes.String
	return &p, nil
}

func (s *Store) SavePeriod(ctx context.Context, p billing.InvoicePeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePeriod(ctx, s.db, p)
}

func savePeriod(ctx context.Context, db dbtx, p billing.InvoicePeriod) error {
	var finalizedAt any
	if p.FinalizedAt != nil {
		finalizedAt = p.FinalizedAt.Format(time.RFC3339)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO invoice_periods (year, month, status, finalized_by, finalized_at, notes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(year, month) DO UPDATE SET
			status = excluded.status,
			finalized_by = excluded.finalized_by,
			finalized_at = excluded.finalized_at,
			notes = excluded.notes`,
		p.Year, int(p.Month), p.Status, p.FinalizedBy, finalizedAt, p.Notes,
	)
	return err
}

// FinalizePeriod flips the period to finalized and freezes its lines in
// one database transaction, under the writer lock. SaveOverride takes the
// same lock and re-checks the status inside it; the override set the
// lines were computed against is re-read inside the transaction, so an
// override racing a finalize either lands before the computation or
// fails the freeze with ErrConcurrencyConflict.
func (s *Store) FinalizePeriod(ctx context.Context, p billing.InvoicePeriod, lines []billing.InvoiceLine, overrideIDs []billing.OverrideID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getPeriod(ctx, tx, p.Year, p.Month)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == billing.PeriodFinalized {
		return &billing.ImmutableError{Resource: "period", Reason: "already finalized"}
	}

	stored, err := overrideIDsForPeriod(ctx, tx, p.Year, p.Month)
	if err != nil {
		return err
	}
	if !matchesOverrideSet(stored, overrideIDs) {
		return billing.ErrConcurrencyConflict
	}

	if err := savePeriod(ctx, tx, p); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM invoice_lines WHERE year = ? AND month = ?", p.Year, int(p.Month)); err != nil {
		return err
	}
	for i, line := range lines {
		lineJSON, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("failed to encode line: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_lines (year, month, position, line_json)
			VALUES (?, ?, ?, ?)`,
			p.Year, int(p.Month), i, string(lineJSON)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func overrideIDsForPeriod(ctx context.Context, tx *sql.Tx, year int, month time.Month) ([]billing.OverrideID, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM line_overrides WHERE year = ? AND month = ?", year, int(month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []billing.OverrideID
	for rows.Next() {
		var id billing.OverrideID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func matchesOverrideSet(stored, computed []billing.OverrideID) bool {
	if len(stored) != len(computed) {
		return false
	}
	seen := make(map[billing.OverrideID]bool, len(computed))
	for _, id := range computed {
		seen[id] = true
	}
	for _, id := range stored {
		if !seen[id] {
			return false
		}
	}
	return true
}

func (s *Store) UnlockPeriod(ctx context.Context, year int, month time.Month) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM invoice_lines WHERE year = ? AND month = ?", year, int(month))
	return err
}

func (s *Store) Lines(ctx context.Context, year int, month time.Month) ([]billing.InvoiceLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT line_json FROM invoice_lines
		WHERE year = ? AND month = ?
		ORDER BY position ASC`, year, int(month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []billing.InvoiceLine
	for rows.Next() {
		var lineJSON string
		if err := rows.Scan(&lineJSON); err != nil {
			return nil, err
		}
		var line billing.InvoiceLine
		if err := json.Unmarshal([]byte(lineJSON), &line); err != nil {
			return nil, fmt.Errorf("failed to decode line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *Store) SaveOverride(ctx context.Context, o billing.LineOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	period, err := getPeriod(ctx, s.db, o.Year, o.Month)
	if err != nil {
		return err
	}
	if period != nil && period.Status == billing.PeriodFinalized {
		return &billing.ImmutableError{Resource: "period", Reason: "finalized; unlock before adding overrides"}
	}

	sharesJSON, _ := json.Marshal(o.Shares)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO line_overrides (id, year, month, reservation_id, kind, original_hours, hours, shares_json, note, author, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Year, int(o.Month), o.ReservationID, o.Kind,
		o.OriginalHours.String(), o.Hours.String(), string(sharesJSON),
		o.Note, o.Author, o.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateOverride
		}
		return fmt.Errorf("failed to save override: %w", err)
	}
	return nil
}

func (s *Store) Overrides(ctx context.Context, year int, month time.Month) ([]billing.LineOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, year, month, reservation_id, kind, original_hours, hours, shares_json, note, author, created_at
		FROM line_overrides
		WHERE year = ? AND month = ?
		ORDER BY reservation_id ASC`, year, int(month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []billing.LineOverride
	for rows.Next() {
		var (
			o             billing.LineOverride
			monthInt      int
			originalHours string
			hours         string
			sharesJSON    sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&o.ID, &o.Year, &monthInt, &o.ReservationID, &o.Kind, &originalHours, &hours, &sharesJSON, &o.Note, &o.Author, &createdAt); err != nil {
			return nil, err
		}
		o.Month = time.Month(monthInt)
		o.OriginalHours, _ = decimal.NewFromString(originalHours)
		o.Hours, _ = decimal.NewFromString(hours)
		if sharesJSON.Valid && sharesJSON.String != "" && sharesJSON.String != "null" {
			json.Unmarshal([]byte(sharesJSON.String), &o.Shares)
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// =============================================================================
// AUDIT LOG (billing.AuditLog)
// =============================================================================

func (s *Store) Append(ctx context.Context, entry billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, _ := json.Marshal(entry.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor_id, action, subject, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.At.Format(time.RFC3339Nano), entry.ActorID,
		entry.Action, entry.Subject, string(payloadJSON),
	)
	return err
}

func (s *Store) Query(ctx context.Context, filter billing.AuditFilter) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, at, actor_id, action, subject, payload_json FROM audit_log WHERE 1=1"
	var args []any
	if filter.ActorID != nil {
		query += " AND actor_id = ?"
		args = append(args, *filter.ActorID)
	}
	if filter.Subject != nil {
		query += " AND subject = ?"
		args = append(args, *filter.Subject)
	}
	if filter.From != nil {
		query += " AND at >= ?"
		args = append(args, filter.From.Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		query += " AND at <= ?"
		args = append(args, filter.To.Format(time.RFC3339Nano))
	}
	if len(filter.Actions) > 0 {
		query += " AND action IN (?" + strings.Repeat(",?", len(filter.Actions)-1) + ")"
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}
	query += " ORDER BY at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var (
			e           billing.AuditEntry
			at          string
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &e.Action, &e.Subject, &payloadJSON); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
			json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
