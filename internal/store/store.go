// Package store is the bot's own sqlite database. It sits next to the
// whatsmeow device store and holds sender conversation state, the applicant
// directory and a log of pairings.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-ai-bot/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sender_states (
	identifier TEXT PRIMARY KEY,
	opt_in TEXT NOT NULL,
	mute_until TEXT,
	history TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS applicants (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	phone TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pairings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	jid TEXT NOT NULL,
	platform TEXT,
	business_name TEXT,
	paired_at TEXT NOT NULL
);`

// DB wraps the sqlite handle.
type DB struct {
	db  *sql.DB
	log waLog.Logger
	now func() time.Time
}

// Open opens (or creates) the sqlite database at address and makes sure the
// tables exist.
func Open(address string, log waLog.Logger) (*DB, error) {
	if log == nil {
		log = waLog.Noop
	}
	db, err := sql.Open("sqlite3", address)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	log.Infof("Database %s initialized", address)
	return &DB{db: db, log: log, now: time.Now}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// LoadSender implements session.Persister.
func (d *DB) LoadSender(ctx context.Context, id string) (session.SenderState, bool, error) {
	row := d.db.QueryRowContext(ctx, `SELECT identifier, opt_in, mute_until, history, created_at, updated_at FROM sender_states WHERE identifier = ?`, id)

	var (
		st                   session.SenderState
		optIn, history       string
		muteUntil            sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&st.Identifier, &optIn, &muteUntil, &history, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.SenderState{}, false, nil
	} else if err != nil {
		return session.SenderState{}, false, err
	}

	if st.OptIn, err = session.ParseOptInStatus(optIn); err != nil {
		return session.SenderState{}, false, err
	}
	if err := json.Unmarshal([]byte(history), &st.History); err != nil {
		return session.SenderState{}, false, fmt.Errorf("corrupt history for %s: %w", id, err)
	}
	if muteUntil.Valid {
		st.MuteUntil = parseTime(muteUntil.String)
	}
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, true, nil
}

// SaveSender implements session.Persister.
func (d *DB) SaveSender(ctx context.Context, st session.SenderState) error {
	history, err := json.Marshal(st.History)
	if err != nil {
		return err
	}
	if st.History == nil {
		history = []byte("[]")
	}
	var muteUntil sql.NullString
	if !st.MuteUntil.IsZero() {
		muteUntil = sql.NullString{String: formatTime(st.MuteUntil), Valid: true}
	}
	_, err = d.db.ExecContext(ctx, `
	INSERT INTO sender_states (identifier, opt_in, mute_until, history, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(identifier) DO UPDATE SET
	opt_in=excluded.opt_in,
	mute_until=excluded.mute_until,
	history=excluded.history,
	updated_at=excluded.updated_at
	`,
		st.Identifier, st.OptIn.String(), muteUntil, string(history), formatTime(st.CreatedAt), formatTime(st.UpdatedAt))
	return err
}

// DeleteSender removes the persisted state of id. It reports whether a row
// existed.
func (d *DB) DeleteSender(ctx context.Context, id string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM sender_states WHERE identifier = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete sender %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeIdle deletes sender states not updated since before.
func (d *DB) PurgeIdle(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM sender_states WHERE updated_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge idle senders: %w", err)
	}
	return res.RowsAffected()
}

// Applicant is one entry of the directory the owner can list over WhatsApp.
type Applicant struct {
	ID        int64
	Name      string
	Phone     string
	CreatedAt time.Time
}

func (d *DB) AddApplicant(ctx context.Context, name, phone string) (Applicant, error) {
	name, phone = strings.TrimSpace(name), strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if name == "" || phone == "" {
		return Applicant{}, errors.New("applicant name and phone are required")
	}
	now := d.now().UTC()
	res, err := d.db.ExecContext(ctx, `INSERT INTO applicants (name, phone, created_at) VALUES (?, ?, ?)`, name, phone, formatTime(now))
	if err != nil {
		return Applicant{}, fmt.Errorf("failed to insert applicant: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Applicant{}, err
	}
	return Applicant{ID: id, Name: name, Phone: phone, CreatedAt: now}, nil
}

// ListApplicants returns the directory in insertion order.
func (d *DB) ListApplicants(ctx context.Context) ([]Applicant, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name, phone, created_at FROM applicants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applicants []Applicant
	for rows.Next() {
		var (
			a         Applicant
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Phone, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		applicants = append(applicants, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return applicants, nil
}

// Entries renders the directory as display lines, one per applicant.
func (d *DB) Entries(ctx context.Context) ([]string, error) {
	applicants, err := d.ListApplicants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list applicants: %w", err)
	}
	lines := make([]string, len(applicants))
	for i, a := range applicants {
		lines[i] = fmt.Sprintf("%s (+%s)", a.Name, a.Phone)
	}
	return lines, nil
}

// Pairing records one successful device link.
type Pairing struct {
	JID          string
	Platform     string
	BusinessName string
	PairedAt     time.Time
}

func (d *DB) SavePairing(ctx context.Context, p Pairing) error {
	if p.PairedAt.IsZero() {
		p.PairedAt = d.now()
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO pairings (jid, platform, business_name, paired_at) VALUES (?, ?, ?, ?)`,
		p.JID, p.Platform, p.BusinessName, formatTime(p.PairedAt))
	if err != nil {
		return fmt.Errorf("failed to record pairing: %w", err)
	}
	return nil
}

// LastPairing returns the most recent pairing, if any.
func (d *DB) LastPairing(ctx context.Context) (Pairing, bool, error) {
	row := d.db.QueryRowContext(ctx, `SELECT jid, platform, business_name, paired_at FROM pairings ORDER BY id DESC LIMIT 1`)
	var (
		p                      Pairing
		platform, businessName sql.NullString
		pairedAt               string
	)
	err := row.Scan(&p.JID, &platform, &businessName, &pairedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Pairing{}, false, nil
	} else if err != nil {
		return Pairing{}, false, err
	}
	p.Platform = platform.String
	p.BusinessName = businessName.String
	p.PairedAt = parseTime(pairedAt)
	return p, true, nil
}

// Fixed width so that string comparison in SQL orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by older builds used plain RFC3339
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}
