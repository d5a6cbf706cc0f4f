package models

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rohanthewiz/serr"
	"golang.org/x/crypto/bcrypt"

	"syncml/state"
)

// Adapter is one synchronization endpoint. Exactly one row is local
// (this device); every other row describes a peer this device has
// synchronized with, keyed by the peer's DevID.
type Adapter struct {
	ID             int64
	DevID          string // Globally unique device identifier
	Name           string
	IsLocal        bool
	IsServer       bool           // For peers: whether the peer is reached as a server
	URL            sql.NullString // Peer endpoint URL (client side only)
	Username       sql.NullString
	PasswordHash   sql.NullString // bcrypt; set for peers that authenticate to us
	LastSessionID  sql.NullString
	MaxMsgSize     int64
	MaxObjSize     int64
	ConflictPolicy state.ConflictPolicy
	CreatedAt      time.Time
}

const DDLCreateAdaptersSequence = `
CREATE SEQUENCE IF NOT EXISTS adapters_id_seq START 1;
`

const DDLCreateAdaptersTable = `
CREATE TABLE IF NOT EXISTS adapters (
    id              BIGINT PRIMARY KEY DEFAULT nextval('adapters_id_seq'),
    dev_id          VARCHAR NOT NULL UNIQUE,
    name            VARCHAR,
    is_local        BOOLEAN NOT NULL DEFAULT false,
    is_server       BOOLEAN NOT NULL DEFAULT false,
    url             VARCHAR,
    username        VARCHAR,
    password_hash   VARCHAR,
    last_session_id VARCHAR,
    max_msg_size    BIGINT NOT NULL DEFAULT 0,
    max_obj_size    BIGINT NOT NULL DEFAULT 0,
    conflict_policy INTEGER NOT NULL DEFAULT 1,
    created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const adapterColumns = `id, dev_id, name, is_local, is_server, url, username,
	password_hash, last_session_id, max_msg_size, max_obj_size, conflict_policy, created_at`

// GenerateDevID creates a device identifier for a new local adapter
func GenerateDevID() string {
	return "syncml:" + uuid.New().String()
}

// CreateAdapter inserts a new adapter row and fills in its ID.
// A missing DevID is generated.
func CreateAdapter(a *Adapter) error {
	if a.DevID == "" {
		a.DevID = GenerateDevID()
	}
	if a.ConflictPolicy == 0 {
		a.ConflictPolicy = state.PolicyError
	}

	err := QueryRow(`
		INSERT INTO adapters (dev_id, name, is_local, is_server, url, username,
			password_hash, last_session_id, max_msg_size, max_obj_size, conflict_policy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, created_at`,
		a.DevID, a.Name, a.IsLocal, a.IsServer, a.URL, a.Username,
		a.PasswordHash, a.LastSessionID, a.MaxMsgSize, a.MaxObjSize,
		int(a.ConflictPolicy),
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return serr.Wrap(err, "failed to create adapter", "devID", a.DevID)
	}
	return nil
}

func scanAdapter(row interface{ Scan(...interface{}) error }) (*Adapter, error) {
	a := &Adapter{}
	var policy int
	err := row.Scan(&a.ID, &a.DevID, &a.Name, &a.IsLocal, &a.IsServer, &a.URL,
		&a.Username, &a.PasswordHash, &a.LastSessionID, &a.MaxMsgSize,
		&a.MaxObjSize, &policy, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.ConflictPolicy = state.ConflictPolicy(policy)
	return a, nil
}

// GetLocalAdapter returns this device's adapter row, or a not-found
// error when the device has not been provisioned yet.
func GetLocalAdapter() (*Adapter, error) {
	a, err := scanAdapter(QueryRow(
		"SELECT " + adapterColumns + " FROM adapters WHERE is_local = true"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.NotFoundf("no local adapter configured")
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to load local adapter")
	}
	return a, nil
}

// GetAdapterByDevID looks up an adapter (local or peer) by device ID
func GetAdapterByDevID(devID string) (*Adapter, error) {
	a, err := scanAdapter(QueryRow(
		"SELECT "+adapterColumns+" FROM adapters WHERE dev_id = ?", devID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.NotFoundf("adapter %q not found", devID)
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to load adapter", "devID", devID)
	}
	return a, nil
}

// GetAdapterByID looks up an adapter by primary key
func GetAdapterByID(id int64) (*Adapter, error) {
	a, err := scanAdapter(QueryRow(
		"SELECT "+adapterColumns+" FROM adapters WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.NotFoundf("adapter %d not found", id)
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to load adapter", "id", strconv.FormatInt(id, 10))
	}
	return a, nil
}

// GetKnownPeers returns all non-local adapters
func GetKnownPeers() ([]*Adapter, error) {
	rows, err := Query(
		"SELECT " + adapterColumns + " FROM adapters WHERE is_local = false ORDER BY id")
	if err != nil {
		return nil, serr.Wrap(err, "failed to query peers")
	}
	defer rows.Close()

	var peers []*Adapter
	for rows.Next() {
		a, err := scanAdapter(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan peer row")
		}
		peers = append(peers, a)
	}
	return peers, rows.Err()
}

// UpdateAdapter persists mutable adapter fields
func UpdateAdapter(a *Adapter) error {
	_, err := Exec(`
		UPDATE adapters SET name = ?, url = ?, username = ?, last_session_id = ?,
			max_msg_size = ?, max_obj_size = ?, conflict_policy = ?
		WHERE id = ?`,
		a.Name, a.URL, a.Username, a.LastSessionID,
		a.MaxMsgSize, a.MaxObjSize, int(a.ConflictPolicy), a.ID)
	if err != nil {
		return serr.Wrap(err, "failed to update adapter", "devID", a.DevID)
	}
	return nil
}

// SetAdapterSession records the last completed session ID for a peer
func SetAdapterSession(adapterID int64, sessionID string) error {
	_, err := Exec("UPDATE adapters SET last_session_id = ? WHERE id = ?",
		sessionID, adapterID)
	if err != nil {
		return serr.Wrap(err, "failed to record session", "adapterID", strconv.FormatInt(adapterID, 10))
	}
	return nil
}

// SetConflictPolicy updates the adapter-wide conflict policy
func SetConflictPolicy(adapterID int64, policy state.ConflictPolicy) error {
	_, err := Exec("UPDATE adapters SET conflict_policy = ? WHERE id = ?",
		int(policy), adapterID)
	if err != nil {
		return serr.Wrap(err, "failed to set conflict policy", "adapterID", strconv.FormatInt(adapterID, 10))
	}
	return nil
}

// SetPeerCredentials stores bcrypt-hashed credentials a peer must
// present when contacting this server.
func SetPeerCredentials(adapterID int64, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return serr.Wrap(err, "failed to hash peer password")
	}

	_, err = Exec("UPDATE adapters SET username = ?, password_hash = ? WHERE id = ?",
		username, string(hash), adapterID)
	if err != nil {
		return serr.Wrap(err, "failed to store peer credentials", "adapterID", strconv.FormatInt(adapterID, 10))
	}
	return nil
}

// VerifyPeerCredentials checks a username/password pair against the
// stored peer credentials and returns the matching peer adapter.
func VerifyPeerCredentials(username, password string) (*Adapter, error) {
	rows, err := Query("SELECT "+adapterColumns+
		" FROM adapters WHERE is_local = false AND username = ?", username)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query peer credentials")
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAdapter(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan peer row")
		}
		if !a.PasswordHash.Valid {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash.String), []byte(password)) == nil {
			return a, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "failed reading peer rows")
	}
	return nil, state.NotFoundf("no peer matches credentials for %q", username)
}

// DeleteAdapter removes a peer adapter and its dependent rows
func DeleteAdapter(adapterID int64) error {
	tx, err := BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM changes WHERE store_id IN (SELECT id FROM stores WHERE adapter_id = ?)`,
		`DELETE FROM mappings WHERE store_id IN (SELECT id FROM stores WHERE adapter_id = ?)`,
		`DELETE FROM bindings WHERE store_id IN (SELECT id FROM stores WHERE adapter_id = ?)`,
		`DELETE FROM content_types WHERE store_id IN (SELECT id FROM stores WHERE adapter_id = ?)`,
		`DELETE FROM stores WHERE adapter_id = ?`,
		`DELETE FROM device_info WHERE adapter_id = ?`,
		`DELETE FROM adapters WHERE id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt, adapterID); err != nil {
			return serr.Wrap(err, "failed to delete adapter", "adapterID", strconv.FormatInt(adapterID, 10))
		}
	}
	return tx.Commit()
}
