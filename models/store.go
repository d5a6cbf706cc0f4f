package models

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rohanthewiz/serr"

	"syncml/state"
)

// Store is one datastore exposed by an adapter (local or peer).
// SyncTypes and per-store content types are negotiated via devinfo;
// a nullable ConflictPolicy falls back to the adapter-wide policy.
type Store struct {
	ID             int64
	AdapterID      int64
	URI            string
	DisplayName    string
	SyncTypes      []state.SyncType
	MaxGUIDSize    int64
	MaxObjSize     int64
	Hierarchical   bool
	ConflictPolicy sql.NullInt32
	ContentTypes   []*state.ContentTypeInfo
}

// Binding ties a peer store to one of our local store URIs. Anchors are
// the persisted sync checkpoints for that pairing.
type Binding struct {
	StoreID      int64
	URI          string // Local store URI this peer store is routed to
	AutoMapped   bool
	SourceAnchor sql.NullString
	TargetAnchor sql.NullString
}

// Change is one pending item change registered against a peer store,
// waiting to be transmitted during the next session.
type Change struct {
	ID         int64
	StoreID    int64
	ItemID     string
	State      state.ItemState
	ChangeSpec sql.NullString
	Registered time.Time
}

// maxChangeSpecLen bounds the accumulated change-spec column; when
// appending would exceed it the stored spec degrades to NULL, which forces a
// full-item conflict check instead of a field-wise merge.
const maxChangeSpecLen = 4095

const DDLCreateStoresSequence = `
CREATE SEQUENCE IF NOT EXISTS stores_id_seq START 1;
`

const DDLCreateStoresTable = `
CREATE TABLE IF NOT EXISTS stores (
    id              BIGINT PRIMARY KEY DEFAULT nextval('stores_id_seq'),
    adapter_id      BIGINT NOT NULL,
    uri             VARCHAR NOT NULL,
    display_name    VARCHAR,
    sync_types      VARCHAR,
    max_guid_size   BIGINT NOT NULL DEFAULT 0,
    max_obj_size    BIGINT NOT NULL DEFAULT 0,
    hierarchical    BOOLEAN NOT NULL DEFAULT false,
    conflict_policy INTEGER,
    UNIQUE (adapter_id, uri),
    FOREIGN KEY (adapter_id) REFERENCES adapters(id)
);
`

const DDLCreateContentTypesSequence = `
CREATE SEQUENCE IF NOT EXISTS content_types_id_seq START 1;
`

const DDLCreateContentTypesTable = `
CREATE TABLE IF NOT EXISTS content_types (
    id        BIGINT PRIMARY KEY DEFAULT nextval('content_types_id_seq'),
    store_id  BIGINT NOT NULL,
    ctype     VARCHAR NOT NULL,
    versions  VARCHAR,
    preferred BOOLEAN NOT NULL DEFAULT false,
    transmit  BOOLEAN NOT NULL DEFAULT true,
    receive   BOOLEAN NOT NULL DEFAULT true,
    FOREIGN KEY (store_id) REFERENCES stores(id)
);
`

const DDLCreateBindingsTable = `
CREATE TABLE IF NOT EXISTS bindings (
    store_id      BIGINT PRIMARY KEY,
    uri           VARCHAR NOT NULL,
    auto_mapped   BOOLEAN NOT NULL DEFAULT false,
    source_anchor VARCHAR,
    target_anchor VARCHAR,
    FOREIGN KEY (store_id) REFERENCES stores(id)
);
`

const DDLCreateChangesSequence = `
CREATE SEQUENCE IF NOT EXISTS changes_id_seq START 1;
`

const DDLCreateChangesTable = `
CREATE TABLE IF NOT EXISTS changes (
    id          BIGINT PRIMARY KEY DEFAULT nextval('changes_id_seq'),
    store_id    BIGINT NOT NULL,
    item_id     VARCHAR NOT NULL,
    state       INTEGER NOT NULL,
    change_spec VARCHAR,
    registered  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (store_id, item_id),
    FOREIGN KEY (store_id) REFERENCES stores(id)
);
`

const DDLCreateMappingsTable = `
CREATE TABLE IF NOT EXISTS mappings (
    store_id BIGINT NOT NULL,
    guid     VARCHAR NOT NULL,
    luid     VARCHAR NOT NULL,
    PRIMARY KEY (store_id, guid),
    FOREIGN KEY (store_id) REFERENCES stores(id)
);
`

func encodeSyncTypes(types []state.SyncType) (string, error) {
	data, err := json.Marshal(types)
	if err != nil {
		return "", serr.Wrap(err, "failed to encode sync types")
	}
	return string(data), nil
}

func decodeSyncTypes(data sql.NullString) ([]state.SyncType, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var types []state.SyncType
	if err := json.Unmarshal([]byte(data.String), &types); err != nil {
		return nil, serr.Wrap(err, "failed to decode sync types", "data", data.String)
	}
	return types, nil
}

// UpsertStore inserts a store row or merges onto the existing row with
// the same (adapter, uri). When the peer's advertised content types
// changed, any existing binding is cleared so routing is recalculated.
func UpsertStore(s *Store) error {
	existing, err := GetStoreByURI(s.AdapterID, s.URI)
	if err != nil && !state.IsNotFound(err) {
		return err
	}

	syncTypes, err := encodeSyncTypes(s.SyncTypes)
	if err != nil {
		return err
	}

	tx, err := BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if existing == nil {
		err = tx.QueryRow(`
			INSERT INTO stores (adapter_id, uri, display_name, sync_types,
				max_guid_size, max_obj_size, hierarchical, conflict_policy)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			s.AdapterID, s.URI, s.DisplayName, syncTypes,
			s.MaxGUIDSize, s.MaxObjSize, s.Hierarchical, s.ConflictPolicy,
		).Scan(&s.ID)
		if err != nil {
			return serr.Wrap(err, "failed to insert store", "uri", s.URI)
		}
	} else {
		s.ID = existing.ID
		_, err = tx.Exec(`
			UPDATE stores SET display_name = ?, sync_types = ?, max_guid_size = ?,
				max_obj_size = ?, hierarchical = ?, conflict_policy = ?
			WHERE id = ?`,
			s.DisplayName, syncTypes, s.MaxGUIDSize,
			s.MaxObjSize, s.Hierarchical, s.ConflictPolicy, s.ID)
		if err != nil {
			return serr.Wrap(err, "failed to update store", "uri", s.URI)
		}
		if !contentTypesEqual(existing.ContentTypes, s.ContentTypes) {
			if _, err := tx.Exec("DELETE FROM bindings WHERE store_id = ?", s.ID); err != nil {
				return serr.Wrap(err, "failed to clear binding", "uri", s.URI)
			}
		}
	}

	if _, err := tx.Exec("DELETE FROM content_types WHERE store_id = ?", s.ID); err != nil {
		return serr.Wrap(err, "failed to clear content types", "uri", s.URI)
	}
	for _, ct := range s.ContentTypes {
		versions, err := json.Marshal(ct.Versions)
		if err != nil {
			return serr.Wrap(err, "failed to encode content type versions")
		}
		_, err = tx.Exec(`
			INSERT INTO content_types (store_id, ctype, versions, preferred, transmit, receive)
			VALUES (?, ?, ?, ?, ?, ?)`,
			s.ID, ct.CType, string(versions), ct.Preferred, ct.Transmit, ct.Receive)
		if err != nil {
			return serr.Wrap(err, "failed to insert content type", "ctype", ct.CType)
		}
	}

	return tx.Commit()
}

func contentTypesEqual(a, b []*state.ContentTypeInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].CType != b[i].CType || a[i].Preferred != b[i].Preferred ||
			a[i].Transmit != b[i].Transmit || a[i].Receive != b[i].Receive {
			return false
		}
		if len(a[i].Versions) != len(b[i].Versions) {
			return false
		}
		for j := range a[i].Versions {
			if a[i].Versions[j] != b[i].Versions[j] {
				return false
			}
		}
	}
	return true
}

func scanStore(row interface{ Scan(...interface{}) error }) (*Store, error) {
	s := &Store{}
	var syncTypes sql.NullString
	err := row.Scan(&s.ID, &s.AdapterID, &s.URI, &s.DisplayName, &syncTypes,
		&s.MaxGUIDSize, &s.MaxObjSize, &s.Hierarchical, &s.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	s.SyncTypes, err = decodeSyncTypes(syncTypes)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func loadContentTypes(s *Store) error {
	rows, err := Query(`
		SELECT ctype, versions, preferred, transmit, receive
		FROM content_types WHERE store_id = ? ORDER BY id`, s.ID)
	if err != nil {
		return serr.Wrap(err, "failed to query content types", "storeID", strconv.FormatInt(s.ID, 10))
	}
	defer rows.Close()

	for rows.Next() {
		ct := &state.ContentTypeInfo{}
		var versions sql.NullString
		if err := rows.Scan(&ct.CType, &versions, &ct.Preferred, &ct.Transmit, &ct.Receive); err != nil {
			return serr.Wrap(err, "failed to scan content type row")
		}
		if versions.Valid && versions.String != "" {
			if err := json.Unmarshal([]byte(versions.String), &ct.Versions); err != nil {
				return serr.Wrap(err, "failed to decode content type versions")
			}
		}
		s.ContentTypes = append(s.ContentTypes, ct)
	}
	return rows.Err()
}

const storeColumns = `id, adapter_id, uri, display_name, sync_types,
	max_guid_size, max_obj_size, hierarchical, conflict_policy`

// GetStoreByURI loads one adapter store by URI, content types included
func GetStoreByURI(adapterID int64, uri string) (*Store, error) {
	s, err := scanStore(QueryRow(
		"SELECT "+storeColumns+" FROM stores WHERE adapter_id = ? AND uri = ?",
		adapterID, uri))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.NotFoundf("store %q not found for adapter %d", uri, adapterID)
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to load store", "uri", uri)
	}
	if err := loadContentTypes(s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetStores returns all stores for one adapter
func GetStores(adapterID int64) ([]*Store, error) {
	rows, err := Query(
		"SELECT "+storeColumns+" FROM stores WHERE adapter_id = ? ORDER BY uri",
		adapterID)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query stores", "adapterID", strconv.FormatInt(adapterID, 10))
	}

	var stores []*Store
	for rows.Next() {
		s, err := scanStore(rows)
		if err != nil {
			rows.Close()
			return nil, serr.Wrap(err, "failed to scan store row")
		}
		stores = append(stores, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, s := range stores {
		if err := loadContentTypes(s); err != nil {
			return nil, err
		}
	}
	return stores, nil
}

// DeleteStore removes a store and its dependent rows
func DeleteStore(storeID int64) error {
	tx, err := BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		"DELETE FROM changes WHERE store_id = ?",
		"DELETE FROM mappings WHERE store_id = ?",
		"DELETE FROM bindings WHERE store_id = ?",
		"DELETE FROM content_types WHERE store_id = ?",
		"DELETE FROM stores WHERE id = ?",
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt, storeID); err != nil {
			return serr.Wrap(err, "failed to delete store", "storeID", strconv.FormatInt(storeID, 10))
		}
	}
	return tx.Commit()
}

// SetBinding routes a peer store to a local URI, replacing any prior
// binding for that peer store. Competing bindings of the same peer to
// the same local URI are cleared so one local store pairs with at most
// one store per peer.
func SetBinding(peerAdapterID, storeID int64, localURI string, autoMapped bool) error {
	tx, err := BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		DELETE FROM bindings WHERE store_id = ?
			OR (uri = ? AND store_id IN (SELECT id FROM stores WHERE adapter_id = ?))`,
		storeID, localURI, peerAdapterID)
	if err != nil {
		return serr.Wrap(err, "failed to clear competing bindings", "uri", localURI)
	}
	_, err = tx.Exec(
		"INSERT INTO bindings (store_id, uri, auto_mapped) VALUES (?, ?, ?)",
		storeID, localURI, autoMapped)
	if err != nil {
		return serr.Wrap(err, "failed to insert binding", "uri", localURI)
	}
	return tx.Commit()
}

// GetBinding returns the binding for one peer store, or nil when unbound
func GetBinding(storeID int64) (*Binding, error) {
	b := &Binding{}
	err := QueryRow(`
		SELECT store_id, uri, auto_mapped, source_anchor, target_anchor
		FROM bindings WHERE store_id = ?`, storeID,
	).Scan(&b.StoreID, &b.URI, &b.AutoMapped, &b.SourceAnchor, &b.TargetAnchor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to load binding", "storeID", strconv.FormatInt(storeID, 10))
	}
	return b, nil
}

// UpdateBindingAnchors persists the sync checkpoints after a session
// completes for one store pairing.
func UpdateBindingAnchors(storeID int64, sourceAnchor, targetAnchor string) error {
	_, err := Exec(
		"UPDATE bindings SET source_anchor = ?, target_anchor = ? WHERE store_id = ?",
		sourceAnchor, targetAnchor, storeID)
	if err != nil {
		return serr.Wrap(err, "failed to update binding anchors", "storeID", strconv.FormatInt(storeID, 10))
	}
	return nil
}

// registerStoreChange records one pending change on a single peer store.
// A repeat change for the same item merges: the newest state wins and
// change specs accumulate ';'-joined until they overflow, after which
// the spec is NULL (meaning "too much changed to merge field-wise").
func registerStoreChange(storeID int64, itemID string, st state.ItemState, changeSpec *string) error {
	tx, err := BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if changeSpec != nil {
		var existingSpec sql.NullString
		err := tx.QueryRow(
			"SELECT change_spec FROM changes WHERE store_id = ? AND item_id = ?",
			storeID, itemID).Scan(&existingSpec)
		if err == nil {
			newSpec := sql.NullString{}
			if existingSpec.Valid {
				joined := existingSpec.String + ";" + *changeSpec
				if len(joined) <= maxChangeSpecLen {
					newSpec = sql.NullString{String: joined, Valid: true}
				}
			}
			_, err = tx.Exec(
				"UPDATE changes SET state = ?, change_spec = ? WHERE store_id = ? AND item_id = ?",
				int(st), newSpec, storeID, itemID)
			if err != nil {
				return serr.Wrap(err, "failed to merge change", "itemID", itemID)
			}
			return tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return serr.Wrap(err, "failed to look up change", "itemID", itemID)
		}
	}

	if _, err := tx.Exec(
		"DELETE FROM changes WHERE store_id = ? AND item_id = ?", storeID, itemID); err != nil {
		return serr.Wrap(err, "failed to clear prior change", "itemID", itemID)
	}

	spec := sql.NullString{}
	if changeSpec != nil {
		spec = sql.NullString{String: *changeSpec, Valid: true}
	}
	_, err = tx.Exec(
		"INSERT INTO changes (store_id, item_id, state, change_spec) VALUES (?, ?, ?, ?)",
		storeID, itemID, int(st), spec)
	if err != nil {
		return serr.Wrap(err, "failed to insert change", "itemID", itemID)
	}
	return tx.Commit()
}

// RegisterChange fans a local item change out to every peer store bound
// to the local URI, skipping the peer the change arrived from.
func RegisterChange(localURI, itemID string, st state.ItemState, changeSpec *string, excludePeerID int64) error {
	peers, err := GetKnownPeers()
	if err != nil {
		return err
	}
	for _, peer := range peers {
		if excludePeerID != 0 && peer.ID == excludePeerID {
			continue
		}
		stores, err := GetStores(peer.ID)
		if err != nil {
			return err
		}
		for _, s := range stores {
			binding, err := GetBinding(s.ID)
			if err != nil {
				return err
			}
			if binding == nil || binding.URI != localURI {
				continue
			}
			if err := registerStoreChange(s.ID, itemID, st, changeSpec); err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterPeerChange records one pending change on a specific peer store
func RegisterPeerChange(storeID int64, itemID string, st state.ItemState, changeSpec *string) error {
	return registerStoreChange(storeID, itemID, st, changeSpec)
}

// GetRegisteredChanges returns all pending changes for a peer store
func GetRegisteredChanges(storeID int64) ([]*Change, error) {
	rows, err := Query(`
		SELECT id, store_id, item_id, state, change_spec, registered
		FROM changes WHERE store_id = ? ORDER BY id`, storeID)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query changes", "storeID", strconv.FormatInt(storeID, 10))
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		c := &Change{}
		var st int
		if err := rows.Scan(&c.ID, &c.StoreID, &c.ItemID, &st, &c.ChangeSpec, &c.Registered); err != nil {
			return nil, serr.Wrap(err, "failed to scan change row")
		}
		c.State = state.ItemState(st)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// GetChange returns the pending change for one item on a peer store
func GetChange(storeID int64, itemID string) (*Change, error) {
	c := &Change{}
	var st int
	err := QueryRow(`
		SELECT id, store_id, item_id, state, change_spec, registered
		FROM changes WHERE store_id = ? AND item_id = ?`, storeID, itemID).
		Scan(&c.ID, &c.StoreID, &c.ItemID, &st, &c.ChangeSpec, &c.Registered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.NotFoundf("no pending change for item %q", itemID)
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to look up change", "itemID", itemID)
	}
	c.State = state.ItemState(st)
	return c, nil
}

// DeleteChange removes one pending change once the peer confirms it
func DeleteChange(storeID int64, itemID string) error {
	_, err := Exec("DELETE FROM changes WHERE store_id = ? AND item_id = ?",
		storeID, itemID)
	if err != nil {
		return serr.Wrap(err, "failed to delete change", "itemID", itemID)
	}
	return nil
}

// DeleteChangeInState removes a pending change only when it still holds
// the given state. The peer's acknowledgement refers to the state the
// change had when transmitted; a newer local change must survive.
func DeleteChangeInState(storeID int64, itemID string, st state.ItemState) error {
	_, err := Exec("DELETE FROM changes WHERE store_id = ? AND item_id = ? AND state = ?",
		storeID, itemID, int(st))
	if err != nil {
		return serr.Wrap(err, "failed to settle change", "itemID", itemID)
	}
	return nil
}

// ClearChanges drops all pending changes for a peer store (slow sync)
func ClearChanges(storeID int64) error {
	_, err := Exec("DELETE FROM changes WHERE store_id = ?", storeID)
	if err != nil {
		return serr.Wrap(err, "failed to clear changes", "storeID", strconv.FormatInt(storeID, 10))
	}
	return nil
}

// SetMapping records a GUID/LUID pairing for a peer store. Delete then
// insert keeps the newest pairing authoritative on re-sync.
func SetMapping(storeID int64, guid, luid string) error {
	tx, err := BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec("DELETE FROM mappings WHERE store_id = ? AND (guid = ? OR luid = ?)",
		storeID, guid, luid)
	if err != nil {
		return serr.Wrap(err, "failed to clear prior mapping", "guid", guid)
	}
	_, err = tx.Exec("INSERT INTO mappings (store_id, guid, luid) VALUES (?, ?, ?)",
		storeID, guid, luid)
	if err != nil {
		return serr.Wrap(err, "failed to insert mapping", "guid", guid)
	}
	return tx.Commit()
}

// GetMappingLUID resolves a peer GUID to the local item ID
func GetMappingLUID(storeID int64, guid string) (string, error) {
	var luid string
	err := QueryRow("SELECT luid FROM mappings WHERE store_id = ? AND guid = ?",
		storeID, guid).Scan(&luid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", state.NotFoundf("no mapping for GUID %q", guid)
	}
	if err != nil {
		return "", serr.Wrap(err, "failed to resolve GUID", "guid", guid)
	}
	return luid, nil
}

// GetMappingGUID resolves a local item ID back to the peer's GUID
func GetMappingGUID(storeID int64, luid string) (string, error) {
	var guid string
	err := QueryRow("SELECT guid FROM mappings WHERE store_id = ? AND luid = ?",
		storeID, luid).Scan(&guid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", state.NotFoundf("no mapping for LUID %q", luid)
	}
	if err != nil {
		return "", serr.Wrap(err, "failed to resolve LUID", "luid", luid)
	}
	return guid, nil
}

// DeleteMapping removes the pairing for one peer GUID
func DeleteMapping(storeID int64, guid string) error {
	_, err := Exec("DELETE FROM mappings WHERE store_id = ? AND guid = ?", storeID, guid)
	if err != nil {
		return serr.Wrap(err, "failed to delete mapping", "guid", guid)
	}
	return nil
}

// ClearMappings drops all pairings for a peer store (slow-sync restart)
func ClearMappings(storeID int64) error {
	_, err := Exec("DELETE FROM mappings WHERE store_id = ?", storeID)
	if err != nil {
		return serr.Wrap(err, "failed to clear mappings", "storeID", strconv.FormatInt(storeID, 10))
	}
	return nil
}
