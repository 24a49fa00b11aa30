// Package journal records process lifecycle events in a local SQLite
// database. Only lifecycle facts are stored (event type, device, PID, exit
// codes) - never coordinates, so no location history accumulates on disk.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Journal wraps the SQLite connection and provides event logging methods
type Journal struct {
	conn *sql.DB
	path string
}

// Open opens or creates the journal database at the specified path
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// WAL mode for better concurrency between agent writes and status reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &Journal{conn: conn, path: path}
	if err := j.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

// Close closes the journal, checkpointing the WAL first
func (j *Journal) Close() error {
	if j.conn != nil {
		j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return j.conn.Close()
	}
	return nil
}

func (j *Journal) initSchema() error {
	schema := `
	-- Simulation subprocess lifecycle events
	CREATE TABLE IF NOT EXISTS simulation_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		udid TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Tunnel daemon events
	CREATE TABLE IF NOT EXISTS tunnel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_simulation_events_timestamp ON simulation_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_simulation_events_udid ON simulation_events(udid);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_timestamp ON tunnel_events(timestamp);
	`
	_, err := j.conn.Exec(schema)
	return err
}

// SimulationEvent is one recorded lifecycle event
type SimulationEvent struct {
	ID        int64     `json:"id"`
	UDID      string    `json:"udid"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogSimulationEvent records a simulation lifecycle event. Retries briefly on
// SQLITE_BUSY - this is best-effort and must not block teardown.
func (j *Journal) LogSimulationEvent(udid, eventType, details string) error {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := j.conn.Exec(
			`INSERT INTO simulation_events (udid, event_type, details, timestamp)
			 VALUES (?, ?, ?, ?)`,
			udid, eventType, details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log simulation event after %d retries: database locked", maxRetries)
}

// LogTunnelEvent records a tunnel daemon event
func (j *Journal) LogTunnelEvent(eventType, details string) error {
	_, err := j.conn.Exec(
		`INSERT INTO tunnel_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
	return err
}

// RecentSimulationEvents retrieves the most recent simulation events
func (j *Journal) RecentSimulationEvents(limit int) ([]SimulationEvent, error) {
	rows, err := j.conn.Query(
		`SELECT id, udid, event_type, COALESCE(details, ''), timestamp
		 FROM simulation_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SimulationEvent
	for rows.Next() {
		var e SimulationEvent
		if err := rows.Scan(&e.ID, &e.UDID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
