// Package store is the encrypted message store (MS): a relational
// persistence layer for messages, delivery reports and send failures,
// with message bodies encrypted at rest.
package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	// registers the sqlite3 driver with database/sql.
	_ "github.com/mattn/go-sqlite3"
	"github.com/warthog618/smsgw/internal/crypto"
)

// ErrStorage wraps a database error that should be surfaced to callers as a
// generic storage failure, per spec §7.
var ErrStorage = errors.New("store: storage error")

// DecryptedPlaceholder is substituted for message_content when decryption
// fails, so reads continue rather than aborting (spec §7 CryptoError).
const DecryptedPlaceholder = "<decryption failed>"

const schemaVersion = "smsgw v1"

// Message mirrors the messages table (spec §3).
type Message struct {
	ID               int64
	PhoneNumber      string
	Content          string
	DecryptFailed    bool
	MessageReference *int
	IsOutgoing       bool
	Status           *int
	CreatedAt        int64
	CompletedAt      *int64
}

// DeliveryReport mirrors the delivery_reports table (spec §3).
type DeliveryReport struct {
	ID        int64
	MessageID int64
	Status    int
	IsFinal   bool
	CreatedAt int64
}

// SendFailure mirrors the send_failures table (spec §3).
type SendFailure struct {
	MessageID    int64
	ErrorMessage string
	CreatedAt    int64
}

// FriendlyName mirrors the friendly_names table (spec §3).
type FriendlyName struct {
	PhoneNumber  string
	FriendlyName string
}

// Page specifies pagination parameters for the paginated queries (spec §4.7).
// A nil Limit returns the entire set; a nil Offset defaults to 0.
type Page struct {
	Limit   *int
	Offset  *int
	Reverse bool
}

// Store is the encrypted message store.
type Store struct {
	db  *sql.DB
	box *crypto.Box
}

// Open opens (and if necessary initialises) the SQLite-backed store at path,
// encrypting message content with key (must be crypto.KeySize bytes).
func Open(path string, key []byte) (*Store, error) {
	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessage(err, "open database")
	}
	if _, err := sqldb.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqldb.Close()
		return nil, errors.WithMessage(err, "enable foreign keys")
	}
	box, err := crypto.NewBox(key)
	if err != nil {
		sqldb.Close()
		return nil, errors.WithMessage(err, "new encryption box")
	}
	s := &Store{db: sqldb, box: box}
	current := false
	if rows, err := sqldb.Query("SELECT version FROM schema_version"); err == nil {
		if rows.Next() {
			var version string
			if err := rows.Scan(&version); err == nil && version == schemaVersion {
				current = true
			}
		}
		rows.Close()
	}
	if !current {
		if err := s.init(); err != nil {
			sqldb.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	cmds := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phone_number TEXT NOT NULL,
			message_content BLOB NOT NULL,
			message_reference INTEGER,
			is_outgoing INTEGER NOT NULL,
			status INTEGER,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS messages_phone_number ON messages (phone_number)`,
		`CREATE INDEX IF NOT EXISTS messages_status ON messages (status)`,
		`CREATE INDEX IF NOT EXISTS messages_is_outgoing ON messages (is_outgoing)`,
		`CREATE INDEX IF NOT EXISTS messages_created_at ON messages (created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_completed_at ON messages (completed_at)`,
		`CREATE TABLE IF NOT EXISTS delivery_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			status INTEGER NOT NULL,
			is_final INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS delivery_reports_message_id ON delivery_reports (message_id)`,
		`CREATE TABLE IF NOT EXISTS send_failures (
			message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			error_message TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friendly_names (
			phone_number TEXT PRIMARY KEY,
			friendly_name TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS friendly_names_friendly_name ON friendly_names (friendly_name)`,
		`CREATE TABLE IF NOT EXISTS pending_references (
			reference INTEGER PRIMARY KEY,
			message_id INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version TEXT NOT NULL
		)`,
		`DELETE FROM schema_version`,
	}
	for _, cmd := range cmds {
		if _, err := s.db.Exec(cmd); err != nil {
			return errors.WithMessage(err, "init schema")
		}
	}
	if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
		return errors.WithMessage(err, "set schema version")
	}
	return nil
}

// InsertOutgoing records an outgoing message row before the modem has
// acknowledged the send (spec §3); message_reference starts NULL and is
// filled in by SetMessageReference once the CMGS ack carrying it arrives.
func (s *Store) InsertOutgoing(phoneNumber, content string) (int64, error) {
	ciphertext, err := s.box.Seal([]byte(content))
	if err != nil {
		return 0, errors.WithMessage(err, "seal content")
	}
	now := nowUnix()
	res, err := s.db.Exec(
		`INSERT INTO messages(phone_number, message_content, is_outgoing, created_at)
		 VALUES (?, ?, 1, ?)`,
		phoneNumber, ciphertext, now,
	)
	if err != nil {
		return 0, errors.WithMessage(ErrStorage, err.Error())
	}
	return res.LastInsertId()
}

// InsertIncoming records a message delivered by a URC (spec §3).
func (s *Store) InsertIncoming(phoneNumber, content string) (int64, error) {
	ciphertext, err := s.box.Seal([]byte(content))
	if err != nil {
		return 0, errors.WithMessage(err, "seal content")
	}
	now := nowUnix()
	res, err := s.db.Exec(
		`INSERT INTO messages(phone_number, message_content, is_outgoing, created_at)
		 VALUES (?, ?, 0, ?)`,
		phoneNumber, ciphertext, now,
	)
	if err != nil {
		return 0, errors.WithMessage(ErrStorage, err.Error())
	}
	return res.LastInsertId()
}

// RegisterPendingReference associates a modem reference byte with a
// message_id so a later delivery report can be reconciled, even across a
// gateway restart (spec §9).
func (s *Store) RegisterPendingReference(reference int, messageID int64) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO pending_references(reference, message_id, created_at) VALUES (?, ?, ?)`,
		reference, messageID, nowUnix(),
	)
	if err != nil {
		return errors.WithMessage(ErrStorage, err.Error())
	}
	return nil
}

// SetMessageReference records the modem-assigned message_reference on an
// already-inserted outgoing message, once the CMGS ack carrying it arrives
// (spec §3: "message_reference is set iff is_outgoing and the send
// completed at the modem level").
func (s *Store) SetMessageReference(messageID int64, reference int) error {
	_, err := s.db.Exec(`UPDATE messages SET message_reference = ? WHERE id = ?`, reference, messageID)
	if err != nil {
		return errors.WithMessage(ErrStorage, err.Error())
	}
	return nil
}

// PurgeExpiredReferences discards pending-reference rows older than ttl,
// per the TTL scoping described in spec §9.
func (s *Store) PurgeExpiredReferences(ttl time.Duration) error {
	cutoff := time.Now().Add(-ttl).Unix()
	_, err := s.db.Exec(`DELETE FROM pending_references WHERE created_at < ?`, cutoff)
	if err != nil {
		return errors.WithMessage(ErrStorage, err.Error())
	}
	return nil
}

// RecordDeliveryReport appends a delivery report for the message tracked
// under reference, and marks the message completed if the report is final
// (spec §3/§4.7).
func (s *Store) RecordDeliveryReport(reference int, status int, isFinal bool) (messageID int64, err error) {
	row := s.db.QueryRow(`SELECT message_id FROM pending_references WHERE reference = ?`, reference)
	if err := row.Scan(&messageID); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrUnknownReference
		}
		return 0, errors.WithMessage(ErrStorage, err.Error())
	}
	now := nowUnix()
	if _, err := s.db.Exec(
		`INSERT INTO delivery_reports(message_id, status, is_final, created_at) VALUES (?, ?, ?, ?)`,
		messageID, status, isFinal, now,
	); err != nil {
		return 0, errors.WithMessage(ErrStorage, err.Error())
	}
	if isFinal {
		if _, err := s.db.Exec(`UPDATE messages SET status = ?, completed_at = ? WHERE id = ?`, status, now, messageID); err != nil {
			return 0, errors.WithMessage(ErrStorage, err.Error())
		}
	} else {
		if _, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, messageID); err != nil {
			return 0, errors.WithMessage(ErrStorage, err.Error())
		}
	}
	return messageID, nil
}

// RecordFailure records a send failure and marks the message completed
// (spec §3).
func (s *Store) RecordFailure(messageID int64, errMsg string) error {
	now := nowUnix()
	if _, err := s.db.Exec(
		`INSERT INTO send_failures(message_id, error_message, created_at) VALUES (?, ?, ?)`,
		messageID, errMsg, now,
	); err != nil {
		return errors.WithMessage(ErrStorage, err.Error())
	}
	if _, err := s.db.Exec(`UPDATE messages SET completed_at = ? WHERE id = ?`, now, messageID); err != nil {
		return errors.WithMessage(ErrStorage, err.Error())
	}
	return nil
}

// ErrUnknownReference indicates a delivery report referenced a modem
// reference byte with no corresponding pending send.
var ErrUnknownReference = errors.New("store: unknown message reference")

// PaginateByNumber returns messages for phoneNumber ordered newest-first
// (or oldest-first if p.Reverse), per spec §4.7/§8 scenario 6.
func (s *Store) PaginateByNumber(phoneNumber string, p Page) ([]Message, error) {
	order := "DESC"
	if p.Reverse {
		order = "ASC"
	}
	query, args := "SELECT id, phone_number, message_content, message_reference, is_outgoing, status, created_at, completed_at "+
		"FROM messages WHERE phone_number = ? ORDER BY created_at "+order, []any{phoneNumber}
	query, args = appendLimitOffset(query, args, p)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.WithMessage(ErrStorage, err.Error())
	}
	defer rows.Close()
	return s.scanMessages(rows)
}

// LatestNumbers returns distinct phone numbers ordered by the most recent
// message on each, per spec §4.7.
func (s *Store) LatestNumbers(p Page) ([]string, error) {
	order := "DESC"
	if p.Reverse {
		order = "ASC"
	}
	query, args := "SELECT phone_number FROM messages GROUP BY phone_number ORDER BY MAX(created_at) "+order, []any{}
	query, args = appendLimitOffset(query, args, p)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.WithMessage(ErrStorage, err.Error())
	}
	defer rows.Close()
	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errors.WithMessage(ErrStorage, err.Error())
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// ReportsFor returns the delivery reports for messageID, per spec §4.7.
func (s *Store) ReportsFor(messageID int64, p Page) ([]DeliveryReport, error) {
	order := "DESC"
	if p.Reverse {
		order = "ASC"
	}
	query, args := "SELECT id, message_id, status, is_final, created_at FROM delivery_reports "+
		"WHERE message_id = ? ORDER BY created_at "+order, []any{messageID}
	query, args = appendLimitOffset(query, args, p)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.WithMessage(ErrStorage, err.Error())
	}
	defer rows.Close()
	var reports []DeliveryReport
	for rows.Next() {
		var r DeliveryReport
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Status, &r.IsFinal, &r.CreatedAt); err != nil {
			return nil, errors.WithMessage(ErrStorage, err.Error())
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// SetFriendlyName creates or replaces the friendly name for phoneNumber.
func (s *Store) SetFriendlyName(phoneNumber, friendlyName string) error {
	_, err := s.db.Exec(
		`INSERT INTO friendly_names(phone_number, friendly_name) VALUES (?, ?)
		 ON CONFLICT(phone_number) DO UPDATE SET friendly_name = excluded.friendly_name`,
		phoneNumber, friendlyName,
	)
	if err != nil {
		return errors.WithMessage(ErrStorage, err.Error())
	}
	return nil
}

func (s *Store) scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var ciphertext []byte
		var isOutgoing int
		if err := rows.Scan(&m.ID, &m.PhoneNumber, &ciphertext, &m.MessageReference, &isOutgoing, &m.Status, &m.CreatedAt, &m.CompletedAt); err != nil {
			return nil, errors.WithMessage(ErrStorage, err.Error())
		}
		m.IsOutgoing = isOutgoing != 0
		plaintext, err := s.box.Open(ciphertext)
		if err != nil {
			m.Content = DecryptedPlaceholder
			m.DecryptFailed = true
		} else {
			m.Content = string(plaintext)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func appendLimitOffset(query string, args []any, p Page) (string, []any) {
	if p.Limit == nil {
		return query, args
	}
	offset := 0
	if p.Offset != nil {
		offset = *p.Offset
	}
	return query + " LIMIT ? OFFSET ?", append(args, *p.Limit, offset)
}

func nowUnix() int64 {
	return time.Now().Unix()
}
