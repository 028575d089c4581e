// Package storage persists disposition state in SQLite so that device
// records and the message registry survive client restarts.
//
// SQLite runs in WAL mode so the protocol thread and the UI thread can
// journal updates concurrently. The journal is optional: a dispatcher
// without one keeps disposition state in memory only.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opd-ai/imdn/tracker"
)

// MessageMeta is the journaled registry entry for one tracked message.
type MessageMeta struct {
	ID        string
	Origin    tracker.Device
	DateTime  string
	Displayed bool
	Outbound  bool
}

// RecordRow is one journaled device disposition record.
type RecordRow struct {
	MessageID string
	Device    tracker.Device
	State     tracker.State
	Reason    string
	UpdatedAt time.Time
}

// Journal manages all SQLite persistence for the disposition subsystem.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database and initializes the schema.
func Open(path string) (*Journal, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id                 TEXT PRIMARY KEY,
		origin_participant TEXT NOT NULL,
		origin_device      TEXT NOT NULL,
		datetime           TEXT NOT NULL,
		displayed          INTEGER NOT NULL DEFAULT 0,
		outbound           INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS device_records (
		message_id  TEXT NOT NULL,
		participant TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		state       INTEGER NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (message_id, participant, device_id)
	);

	CREATE INDEX IF NOT EXISTS idx_device_records_message ON device_records(message_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// SaveMessage inserts or refreshes a message registry entry.
func (j *Journal) SaveMessage(m MessageMeta) error {
	_, err := j.db.Exec(`
		INSERT INTO messages (id, origin_participant, origin_device, datetime, displayed, outbound)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			origin_participant = excluded.origin_participant,
			origin_device      = excluded.origin_device,
			datetime           = excluded.datetime,
			displayed          = excluded.displayed,
			outbound           = excluded.outbound`,
		m.ID, m.Origin.Participant, m.Origin.ID, m.DateTime,
		boolToInt(m.Displayed), boolToInt(m.Outbound))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// MarkDisplayed persists the fact that an outbound display notification
// was already produced for the message.
func (j *Journal) MarkDisplayed(messageID string) error {
	_, err := j.db.Exec(`UPDATE messages SET displayed = 1 WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark displayed: %w", err)
	}
	return nil
}

// SaveRecord upserts one device disposition record.
func (j *Journal) SaveRecord(r RecordRow) error {
	_, err := j.db.Exec(`
		INSERT INTO device_records (message_id, participant, device_id, state, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, participant, device_id) DO UPDATE SET
			state      = excluded.state,
			reason     = excluded.reason,
			updated_at = excluded.updated_at`,
		r.MessageID, r.Device.Participant, r.Device.ID,
		int(r.State), r.Reason, r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// LoadMessages returns every journaled message registry entry.
func (j *Journal) LoadMessages() ([]MessageMeta, error) {
	rows, err := j.db.Query(`
		SELECT id, origin_participant, origin_device, datetime, displayed, outbound
		FROM messages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []MessageMeta
	for rows.Next() {
		var m MessageMeta
		var displayed, outbound int
		if err := rows.Scan(&m.ID, &m.Origin.Participant, &m.Origin.ID,
			&m.DateTime, &displayed, &outbound); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Displayed = displayed != 0
		m.Outbound = outbound != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadRecords returns every journaled device record.
func (j *Journal) LoadRecords() ([]RecordRow, error) {
	rows, err := j.db.Query(`
		SELECT message_id, participant, device_id, state, reason, updated_at
		FROM device_records ORDER BY message_id`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var out []RecordRow
	for rows.Next() {
		var r RecordRow
		var state int
		var updated string
		if err := rows.Scan(&r.MessageID, &r.Device.Participant, &r.Device.ID,
			&state, &r.Reason, &updated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.State = tracker.State(state)
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			r.UpdatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteMessage removes a message and all of its device records.
func (j *Journal) DeleteMessage(messageID string) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM device_records WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, messageID); err != nil {
		return fmt.Errorf("delete message row: %w", err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
