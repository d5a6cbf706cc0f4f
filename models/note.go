package models

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"

	"syncml/state"
)

// Note is the row backing the note datastore. Extensions carries
// SIF fields beyond name/body as a msgpack-encoded map so round trips
// through sync preserve fields this engine does not model.
type Note struct {
	ID         int64
	Name       string
	Body       string
	Extensions map[string][]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const DDLCreateNotesSequence = `
CREATE SEQUENCE IF NOT EXISTS notes_id_seq START 1;
`

const DDLCreateNotesTable = `
CREATE TABLE IF NOT EXISTS notes (
    id         BIGINT PRIMARY KEY DEFAULT nextval('notes_id_seq'),
    name       VARCHAR NOT NULL,
    body       VARCHAR,
    extensions BLOB,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

func encodeExtensions(ext map[string][]string) ([]byte, error) {
	if len(ext) == 0 {
		return nil, nil
	}
	data, err := msgpack.Marshal(ext)
	if err != nil {
		return nil, serr.Wrap(err, "failed to encode note extensions")
	}
	return data, nil
}

func decodeExtensions(data []byte) (map[string][]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var ext map[string][]string
	if err := msgpack.Unmarshal(data, &ext); err != nil {
		return nil, serr.Wrap(err, "failed to decode note extensions")
	}
	return ext, nil
}

// CreateNote inserts a note row and fills in its ID and timestamps
func CreateNote(n *Note) error {
	ext, err := encodeExtensions(n.Extensions)
	if err != nil {
		return err
	}

	err = QueryRow(`
		INSERT INTO notes (name, body, extensions) VALUES (?, ?, ?)
		RETURNING id, created_at, updated_at`,
		n.Name, n.Body, ext,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return serr.Wrap(err, "failed to create note", "name", n.Name)
	}
	return nil
}

func scanNote(row interface{ Scan(...interface{}) error }) (*Note, error) {
	n := &Note{}
	var ext []byte
	err := row.Scan(&n.ID, &n.Name, &n.Body, &ext, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Extensions, err = decodeExtensions(ext)
	if err != nil {
		return nil, err
	}
	return n, nil
}

const noteColumns = "id, name, body, extensions, created_at, updated_at"

// GetNote loads one note by ID
func GetNote(id int64) (*Note, error) {
	n, err := scanNote(QueryRow(
		"SELECT "+noteColumns+" FROM notes WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.NotFoundf("note %d not found", id)
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to load note", "id", strconv.FormatInt(id, 10))
	}
	return n, nil
}

// ListNotes returns all notes ordered by ID
func ListNotes() ([]*Note, error) {
	rows, err := Query("SELECT " + noteColumns + " FROM notes ORDER BY id")
	if err != nil {
		return nil, serr.Wrap(err, "failed to query notes")
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan note row")
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// FindNoteByName returns the first note with the given name, used by
// slow-sync duplicate matching.
func FindNoteByName(name string) (*Note, error) {
	n, err := scanNote(QueryRow(
		"SELECT "+noteColumns+" FROM notes WHERE name = ? ORDER BY id LIMIT 1", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.NotFoundf("no note named %q", name)
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to find note", "name", name)
	}
	return n, nil
}

// UpdateNote persists name/body/extensions changes
func UpdateNote(n *Note) error {
	ext, err := encodeExtensions(n.Extensions)
	if err != nil {
		return err
	}

	_, err = Exec(`
		UPDATE notes SET name = ?, body = ?, extensions = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, n.Name, n.Body, ext, n.ID)
	if err != nil {
		return serr.Wrap(err, "failed to update note", "id", strconv.FormatInt(n.ID, 10))
	}
	return nil
}

// DeleteNote removes one note
func DeleteNote(id int64) error {
	_, err := Exec("DELETE FROM notes WHERE id = ?", id)
	if err != nil {
		return serr.Wrap(err, "failed to delete note", "id", strconv.FormatInt(id, 10))
	}
	return nil
}

// DeleteAllNotes empties the note store (refresh-from-peer)
func DeleteAllNotes() error {
	_, err := Exec("DELETE FROM notes")
	if err != nil {
		return serr.Wrap(err, "failed to delete all notes")
	}
	return nil
}
