package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
)

// Listener observes every backend state event the store records.
type Listener func(messages.BackendStateMessage)

// Store is the drone-local durable log of backend state events plus the ack
// cursor. Every operation is synchronous and short; the store is safe for
// concurrent use and never suspends while its lock is held.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	listeners []Listener
	archive   *Archive
	log       *logging.Logger
}

// Open creates or opens the store at path and runs its migrations.
func Open(path string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.L()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state store at %s: %w", path, err)
	}
	//1.- A single connection keeps writes serialized at the driver level too.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	archive, err := OpenArchive(path+".archive.sz", log)
	if err != nil {
		//2.- The archive is best-effort; the store works without it.
		log.Warn("state event archive unavailable", logging.Error(err))
		archive = nil
	}

	return &Store{db: db, archive: archive, log: log}, nil
}

func migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS backend_state_event (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			backend TEXT NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER,
			timestamp TEXT NOT NULL,
			acked INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backend_state_event_acked ON backend_state_event(acked, id)`,
		`CREATE TABLE IF NOT EXISTS action_cursor (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_acked_id INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO action_cursor (id, last_acked_id) VALUES (1, 0)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating state store: %w", err)
		}
	}
	return nil
}

// Close flushes the archive and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archive != nil {
		s.archive.Close()
	}
	return s.db.Close()
}

// RegisterEvent appends one lifecycle transition and fans it out to listeners.
func (s *Store) RegisterEvent(backend string, state messages.BackendLifecycleState, timestamp time.Time, exitCode *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exit sql.NullInt64
	if exitCode != nil {
		exit = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	result, err := s.db.Exec(
		`INSERT INTO backend_state_event (backend, state, exit_code, timestamp) VALUES (?, ?, ?, ?)`,
		backend, string(state), exit, timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording state event for %s: %w", backend, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading state event id: %w", err)
	}

	event := messages.BackendStateMessage{
		EventID:   id,
		Backend:   backend,
		State:     state,
		Timestamp: timestamp.UTC(),
		ExitCode:  exitCode,
	}
	//1.- Fan out after the durable write so listeners only ever see stored events.
	for _, listener := range s.listeners {
		listener(event)
	}
	return nil
}

// RegisterListener subscribes to future events after replaying every event the
// upstream has not yet acknowledged, in id order.
func (s *Store) RegisterListener(listener Listener) error {
	if listener == nil {
		return errors.New("listener must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.unackedLocked()
	if err != nil {
		return err
	}
	//1.- Replay the backlog before any new event can be observed.
	for _, event := range pending {
		listener(event)
	}
	s.listeners = append(s.listeners, listener)
	return nil
}

func (s *Store) unackedLocked() ([]messages.BackendStateMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, backend, state, exit_code, timestamp FROM backend_state_event WHERE acked = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing unacked events: %w", err)
	}
	defer rows.Close()

	var events []messages.BackendStateMessage
	for rows.Next() {
		var (
			event messages.BackendStateMessage
			state string
			exit  sql.NullInt64
			stamp string
		)
		if err := rows.Scan(&event.EventID, &event.Backend, &state, &exit, &stamp); err != nil {
			return nil, fmt.Errorf("scanning state event: %w", err)
		}
		event.State = messages.BackendLifecycleState(state)
		if exit.Valid {
			code := int(exit.Int64)
			event.ExitCode = &code
		}
		parsed, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp %q: %w", stamp, err)
		}
		event.Timestamp = parsed
		events = append(events, event)
	}
	return events, rows.Err()
}

// UnackedEvents lists the events not yet confirmed by the upstream reporter.
func (s *Store) UnackedEvents() ([]messages.BackendStateMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unackedLocked()
}

// AckEvent advances the cursor past the event once its upstream publication has
// been confirmed. Acked events are mirrored into the local archive.
func (s *Store) AckEvent(eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived, err := s.eventByIDLocked(eventID)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(`UPDATE backend_state_event SET acked = 1 WHERE id = ?`, eventID); err != nil {
		return fmt.Errorf("acking event %d: %w", eventID, err)
	}
	if _, err := s.db.Exec(
		`UPDATE action_cursor SET last_acked_id = MAX(last_acked_id, ?) WHERE id = 1`, eventID); err != nil {
		return fmt.Errorf("advancing ack cursor to %d: %w", eventID, err)
	}

	if s.archive != nil && archived != nil {
		//1.- Archive failures are logged, never surfaced; the database remains
		// the authoritative record.
		if err := s.archive.Append(*archived); err != nil {
			s.log.Warn("failed to archive acked event",
				logging.Int64("event_id", eventID), logging.Error(err))
		}
	}
	return nil
}

func (s *Store) eventByIDLocked(eventID int64) (*messages.BackendStateMessage, error) {
	row := s.db.QueryRow(
		`SELECT id, backend, state, exit_code, timestamp FROM backend_state_event WHERE id = ?`, eventID)
	var (
		event messages.BackendStateMessage
		state string
		exit  sql.NullInt64
		stamp string
	)
	if err := row.Scan(&event.EventID, &event.Backend, &state, &exit, &stamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading event %d: %w", eventID, err)
	}
	event.State = messages.BackendLifecycleState(state)
	if exit.Valid {
		code := int(exit.Int64)
		event.ExitCode = &code
	}
	if parsed, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
		event.Timestamp = parsed
	}
	return &event, nil
}

// Cursor returns the id of the last acknowledged event.
func (s *Store) Cursor() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cursor int64
	if err := s.db.QueryRow(`SELECT last_acked_id FROM action_cursor WHERE id = 1`).Scan(&cursor); err != nil {
		return 0, fmt.Errorf("reading ack cursor: %w", err)
	}
	return cursor, nil
}
