package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/scribecare/scribe-core/internal/config"
	_ "modernc.org/sqlite"
)

// Event types recorded on the encounter timeline.
const (
	EventStateChanged   = "state_changed"
	EventDraftGenerated = "draft_generated"
	EventDraftFailed    = "draft_failed"
	EventFindingEdited  = "finding_edited"
	EventQuoteViolation = "quote_violation"
	EventReportFinal    = "report_finalized"
	EventFinalizeFailed = "finalize_failed"
	EventFlowReset      = "flow_reset"
)

// Event is one recorded entry on an encounter's timeline.
type Event struct {
	ID          int64
	EncounterID string
	SessionID   string
	DoctorID    string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
}

// Store is the SQLite-backed encounter audit timeline. With retention mode
// "ephemeral" it opens no database and every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.AuditStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the audit store according to config.
func Open(ctx context.Context, cfg config.AuditStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("audit store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("audit store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS encounters (
    encounter_id TEXT PRIMARY KEY,
    patient_id TEXT,
    doctor_id TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    encounter_id TEXT NOT NULL,
    session_id TEXT,
    doctor_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(encounter_id) REFERENCES encounters(encounter_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_encounter_created ON events(encounter_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendEncounter ensures an encounter row exists.
func (s *Store) AppendEncounter(ctx context.Context, encounterID, patientID, doctorID string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO encounters(encounter_id, patient_id, doctor_id, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(encounter_id) DO UPDATE SET patient_id=excluded.patient_id, doctor_id=excluded.doctor_id`,
		encounterID, patientID, doctorID, s.clock().UTC())
	return err
}

// AppendEvent writes an event onto the encounter timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(encounter_id, session_id, doctor_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.EncounterID, evt.SessionID, evt.DoctorID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListEncounterEvents retrieves up to limit events for an encounter ordered
// ascending by time.
func (s *Store) ListEncounterEvents(ctx context.Context, encounterID string, limit int) ([]Event, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, encounter_id, session_id, doctor_id, event_type, payload, created_at
		 FROM events WHERE encounter_id = ? ORDER BY created_at ASC LIMIT ?`, encounterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.EncounterID, &e.SessionID, &e.DoctorID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (runs on startup, callable on a schedule).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM encounters WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEncounters > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM encounters WHERE encounter_id IN (
			SELECT encounter_id FROM encounters ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEncounters)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
