package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/vincentbai/dwelltrace/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInvalidEnvelope wraps every validation failure so callers can tell a
// bad request from a storage failure.
var ErrInvalidEnvelope = xerrors.New("invalid envelope")

type Database struct {
	db *sql.DB
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, xerrors.Errorf("failed to open database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return xerrors.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return xerrors.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return xerrors.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close db as well.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return xerrors.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) ValidateEnvelope(envelope models.Envelope) error {
	if envelope.Timestamp <= 0 {
		return xerrors.Errorf("timestamp must be positive: %w", ErrInvalidEnvelope)
	}
	if envelope.ElementID != nil && *envelope.ElementID == "" {
		return xerrors.Errorf("elementId must be null or non-empty: %w", ErrInvalidEnvelope)
	}
	for i, record := range envelope.Coordinates {
		if record.TimeMs < 0 {
			return xerrors.Errorf("coordinate %d has negative time %d: %w", i, record.TimeMs, ErrInvalidEnvelope)
		}
	}
	return nil
}

// InsertEnvelope stores one delivered batch and its records in a single
// transaction and returns the id assigned to the batch.
func (d *Database) InsertEnvelope(ctx context.Context, envelope models.Envelope, receivedAt time.Time) (uuid.UUID, error) {
	if err := d.ValidateEnvelope(envelope); err != nil {
		return uuid.Nil, err
	}

	batchID := uuid.New()
	var sessionID sql.NullString
	if envelope.SessionID != "" {
		sessionID = sql.NullString{String: envelope.SessionID, Valid: true}
	}
	elementID := nullable(envelope.ElementID)

	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, xerrors.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := transaction.ExecContext(ctx,
		`INSERT INTO batches(id, received_at, sent_at, element_id, session_id) VALUES(?,?,?,?,?)`,
		batchID.String(), receivedAt.UnixMilli(), envelope.Timestamp, elementID, sessionID,
	); err != nil {
		_ = transaction.Rollback()
		return uuid.Nil, xerrors.Errorf("failed to insert batch: %w", err)
	}

	statement, err := transaction.PrepareContext(ctx, `INSERT INTO dwells(batch_id, seq, element_id, x, y, time_ms) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		_ = transaction.Rollback()
		return uuid.Nil, xerrors.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for seq, record := range envelope.Coordinates {
		if _, err := statement.ExecContext(ctx, batchID.String(), seq, elementID, record.X, record.Y, record.TimeMs); err != nil {
			_ = transaction.Rollback()
			return uuid.Nil, xerrors.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return uuid.Nil, xerrors.Errorf("failed to commit transaction: %w", err)
	}
	return batchID, nil
}

// Heatmap sums the stored dwell time per coordinate of one element, longest
// first. A nil elementID selects records sent without one.
func (d *Database) Heatmap(ctx context.Context, elementID *string) ([]models.HeatCell, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT x, y, SUM(time_ms), COUNT(*)
	FROM dwells
	WHERE element_id IS ?
	GROUP BY x, y
	ORDER BY SUM(time_ms) DESC, x, y`, nullable(elementID))
	if err != nil {
		return nil, xerrors.Errorf("failed to query heatmap: %w", err)
	}
	defer rows.Close()

	cells := []models.HeatCell{}
	for rows.Next() {
		var cell models.HeatCell
		if err := rows.Scan(&cell.X, &cell.Y, &cell.TimeMs, &cell.Visits); err != nil {
			return nil, xerrors.Errorf("failed to scan heatmap row: %w", err)
		}
		cells = append(cells, cell)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("failed to read heatmap: %w", err)
	}
	return cells, nil
}

// SessionBatches counts the batches received from one tracker session.
func (d *Database) SessionBatches(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, xerrors.Errorf("failed to count batches: %w", err)
	}
	return n, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
