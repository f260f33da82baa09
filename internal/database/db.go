// Package database keeps an SQLite audit log of connection negotiations and
// channel opens.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; one connection also keeps
	// ":memory:" databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS negotiations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			remote_addr TEXT,
			upstream_id INTEGER NOT NULL,
			downstream_id INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			min_version INTEGER NOT NULL,
			max_version INTEGER NOT NULL,
			flags INTEGER NOT NULL,
			result TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			downstream_id INTEGER NOT NULL,
			request_id INTEGER NOT NULL,
			channel_id INTEGER,
			user_identity TEXT,
			nominal_hash_rate REAL,
			error_code TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_negotiations_created_at ON negotiations(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_channels_session_id ON channels(session_id);`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// --- Negotiations ---

// Negotiation is one SetupConnection and how it was answered.
type Negotiation struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	RemoteAddr   string    `json:"remote_addr"`
	UpstreamID   uint32    `json:"upstream_id"`
	DownstreamID uint32    `json:"downstream_id"`
	Protocol     string    `json:"protocol"`
	MinVersion   uint16    `json:"min_version"`
	MaxVersion   uint16    `json:"max_version"`
	Flags        uint32    `json:"flags"`
	Result       string    `json:"result"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecordNegotiation stores n, assigning its ID and CreatedAt.
func (db *DB) RecordNegotiation(n *Negotiation) error {
	n.ID = uuid.New().String()
	n.CreatedAt = time.Now().UTC()
	_, err := db.Exec(`INSERT INTO negotiations
		(id, session_id, remote_addr, upstream_id, downstream_id, protocol,
		 min_version, max_version, flags, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.SessionID, n.RemoteAddr, n.UpstreamID, n.DownstreamID, n.Protocol,
		n.MinVersion, n.MaxVersion, n.Flags, n.Result, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("record negotiation: %w", err)
	}
	return nil
}

// Negotiations returns the most recent negotiations, newest first.
func (db *DB) Negotiations(limit int) ([]Negotiation, error) {
	rows, err := db.Query(`
		SELECT id, session_id, COALESCE(remote_addr, ''), upstream_id, downstream_id,
		       protocol, min_version, max_version, flags, result, created_at
		FROM negotiations
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Negotiation
	for rows.Next() {
		var n Negotiation
		if err := rows.Scan(&n.ID, &n.SessionID, &n.RemoteAddr, &n.UpstreamID, &n.DownstreamID,
			&n.Protocol, &n.MinVersion, &n.MaxVersion, &n.Flags, &n.Result, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Channels ---

// Channel is one OpenStandardMiningChannel and its outcome. ErrorCode is
// empty on success.
type Channel struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	DownstreamID    uint32    `json:"downstream_id"`
	RequestID       uint32    `json:"request_id"`
	ChannelID       uint32    `json:"channel_id"`
	UserIdentity    string    `json:"user_identity"`
	NominalHashRate float32   `json:"nominal_hash_rate"`
	ErrorCode       string    `json:"error_code,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecordChannel stores c, assigning its ID and CreatedAt.
func (db *DB) RecordChannel(c *Channel) error {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now().UTC()

	_, err := db.Exec(`INSERT INTO channels
		(id, session_id, downstream_id, request_id, channel_id,
		 user_identity, nominal_hash_rate, error_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.DownstreamID, c.RequestID, c.ChannelID,
		c.UserIdentity, c.NominalHashRate, c.ErrorCode, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("record channel: %w", err)
	}
	return nil
}

// SessionChannels returns the channels opened on a session, oldest first.
func (db *DB) SessionChannels(sessionID string) ([]Channel, error) {
	rows, err := db.Query(`
		SELECT id, session_id, downstream_id, request_id,
		       COALESCE(channel_id, 0), COALESCE(user_identity, ''),
		       COALESCE(nominal_hash_rate, 0), COALESCE(error_code, ''), created_at
		FROM channels
		WHERE session_id = ?
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.SessionID, &c.DownstreamID, &c.RequestID,
			&c.ChannelID, &c.UserIdentity, &c.NominalHashRate, &c.ErrorCode, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
