package agent

import (
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"

	"github.com/rohanthewiz/serr"

	"syncml/change"
	"syncml/models"
	"syncml/state"
)

// NoteItem is a note with a name and body. Not a SyncML-specified
// object type, but the de-facto standard exchanged by note clients.
// Supported serializations: text/plain and SIF note XML
// (text/x-s4j-sifn, version 1.1).
type NoteItem struct {
	id         string
	Name       string
	Body       string
	Extensions map[string][]string
}

func (n *NoteItem) ID() string      { return n.id }
func (n *NoteItem) SetID(id string) { n.id = id }

// AddExtension records a SIF field this engine does not model so it
// survives a round trip.
func (n *NoteItem) AddExtension(name, value string) {
	if n.Extensions == nil {
		n.Extensions = map[string][]string{}
	}
	n.Extensions[name] = append(n.Extensions[name], value)
}

// sifNote is the XML shape of a text/x-s4j-sifn payload
type sifNote struct {
	XMLName    xml.Name `xml:"note"`
	SIFVersion string   `xml:"SIFVersion"`
	Subject    string   `xml:"Subject"`
	Body       string   `xml:"Body"`
	Extensions []sifExt `xml:",any"`
}

type sifExt struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// titlePrefix strips a leading "title:" or "name:" label when deriving
// a note name from a text/plain payload.
var titlePrefix = regexp.MustCompile(`(?i)^(title|name):\s*`)

// DumpNote serializes a note to the requested content type
func DumpNote(n *NoteItem, contentType, version string) ([]byte, string, string, error) {
	if contentType == "" || contentType == state.TypeTextPlain {
		return []byte(n.Body), state.TypeTextPlain, "1.1", nil
	}
	if contentType == state.TypeSIFNote {
		doc := sifNote{SIFVersion: "1.1", Subject: n.Name, Body: n.Body}
		for name, values := range n.Extensions {
			for _, value := range values {
				doc.Extensions = append(doc.Extensions, sifExt{
					XMLName: xml.Name{Local: name}, Value: value})
			}
		}
		data, err := xml.Marshal(doc)
		if err != nil {
			return nil, "", "", serr.Wrap(err, "failed to serialize SIF note")
		}
		return data, state.TypeSIFNote, "1.1", nil
	}
	return nil, "", "", state.Unsupportedf("cannot serialize note to %q", contentType)
}

// LoadNote deserializes a note payload
func LoadNote(data []byte, contentType, version string) (*NoteItem, error) {
	if contentType == "" || contentType == state.TypeTextPlain {
		body := string(data)
		name, _, _ := strings.Cut(body, "\n")
		name = strings.TrimSpace(titlePrefix.ReplaceAllString(name, ""))
		return &NoteItem{Name: name, Body: body}, nil
	}
	if contentType == state.TypeSIFNote {
		var doc sifNote
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, serr.Wrap(err, "failed to parse SIF note")
		}
		n := &NoteItem{Name: doc.Subject, Body: doc.Body}
		for _, ext := range doc.Extensions {
			switch ext.XMLName.Local {
			case "SIFVersion", "Subject", "Body":
				continue
			}
			n.AddExtension(ext.XMLName.Local, ext.Value)
		}
		return n, nil
	}
	return nil, state.Unsupportedf("cannot deserialize note from %q", contentType)
}

// NoteAgent persists notes through the models layer
type NoteAgent struct{}

// NewNoteAgent returns the DuckDB-backed note agent
func NewNoteAgent() *NoteAgent { return &NoteAgent{} }

func (a *NoteAgent) ContentTypes() []*state.ContentTypeInfo {
	return []*state.ContentTypeInfo{
		{CType: state.TypeSIFNote, Versions: []string{"1.1"}, Preferred: true, Transmit: true, Receive: true},
		{CType: state.TypeSIFNote, Versions: []string{"1.0"}, Transmit: true, Receive: true},
		{CType: state.TypeTextPlain, Versions: []string{"1.1", "1.0"}, Transmit: true, Receive: true},
	}
}

func (a *NoteAgent) Hierarchical() bool { return false }

func noteToItem(n *models.Note) *NoteItem {
	item := &NoteItem{Name: n.Name, Body: n.Body, Extensions: n.Extensions}
	item.SetID(strconv.FormatInt(n.ID, 10))
	return item
}

func (a *NoteAgent) GetAllItems() ([]Item, error) {
	notes, err := models.ListNotes()
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(notes))
	for _, n := range notes {
		items = append(items, noteToItem(n))
	}
	return items, nil
}

func (a *NoteAgent) AddItem(item Item) (Item, error) {
	note, ok := item.(*NoteItem)
	if !ok {
		return nil, state.Unsupportedf("note agent cannot store %T", item)
	}
	row := &models.Note{Name: note.Name, Body: note.Body, Extensions: note.Extensions}
	if err := models.CreateNote(row); err != nil {
		return nil, err
	}
	note.SetID(strconv.FormatInt(row.ID, 10))
	return note, nil
}

func (a *NoteAgent) GetItem(id string) (Item, error) {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, state.NotFoundf("invalid note ID %q", id)
	}
	n, err := models.GetNote(rowID)
	if err != nil {
		return nil, err
	}
	return noteToItem(n), nil
}

// ReplaceItem overwrites the stored note. With reportChanges it pushes
// the old/new field values through a composite merger (attribute merger
// for the name, text merger for the body) and returns the change spec.
func (a *NoteAgent) ReplaceItem(item Item, reportChanges bool) (*string, error) {
	note, ok := item.(*NoteItem)
	if !ok {
		return nil, state.Unsupportedf("note agent cannot store %T", item)
	}
	rowID, err := strconv.ParseInt(note.ID(), 10, 64)
	if err != nil {
		return nil, state.NotFoundf("invalid note ID %q", note.ID())
	}
	existing, err := models.GetNote(rowID)
	if err != nil {
		return nil, err
	}

	var spec *string
	if reportChanges {
		merger, err := noteMergerFactory().NewMerger("")
		if err != nil {
			return nil, err
		}
		if err := merger.PushChange("name", change.Str(existing.Name), change.Str(note.Name)); err != nil {
			return nil, err
		}
		if err := merger.PushChange("body", change.Str(existing.Body), change.Str(note.Body)); err != nil {
			return nil, err
		}
		if cspec, ok := merger.ChangeSpec(); ok {
			spec = change.Str(cspec)
		}
	}

	existing.Name = note.Name
	existing.Body = note.Body
	existing.Extensions = note.Extensions
	if err := models.UpdateNote(existing); err != nil {
		return nil, err
	}
	return spec, nil
}

func (a *NoteAgent) DeleteItem(id string) error {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return state.NotFoundf("invalid note ID %q", id)
	}
	return models.DeleteNote(rowID)
}

// MatchItem finds a stored note with the same name and body
func (a *NoteAgent) MatchItem(item Item) (Item, error) {
	note, ok := item.(*NoteItem)
	if !ok {
		return nil, nil
	}
	candidate, err := models.FindNoteByName(note.Name)
	if state.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return noteToItem(candidate), nil
}

func noteMergerFactory() change.CompositeMergerFactory {
	return change.CompositeMergerFactory{
		Mergers: map[string]change.MergerFactory{
			"body": change.TextMergerFactory{},
		},
	}
}

// MergeItems folds the remote note into the local one field by field.
// An unmergeable field returns a conflict error with both notes
// untouched.
func (a *NoteAgent) MergeItems(local, remote Item, changeSpec *string) (*string, error) {
	localNote, ok := local.(*NoteItem)
	if !ok {
		return nil, state.Conflictf("note agent cannot merge %T", local)
	}
	remoteNote, ok := remote.(*NoteItem)
	if !ok {
		return nil, state.Conflictf("note agent cannot merge %T", remote)
	}
	if changeSpec == nil {
		return nil, state.Conflictf("no change spec available for note %s", localNote.ID())
	}

	merger, err := noteMergerFactory().NewMerger(*changeSpec)
	if err != nil {
		return nil, err
	}
	mergedName, err := merger.MergeChanges("name", change.Str(localNote.Name), change.Str(remoteNote.Name))
	if err != nil {
		return nil, err
	}
	mergedBody, err := merger.MergeChanges("body", change.Str(localNote.Body), change.Str(remoteNote.Body))
	if err != nil {
		return nil, err
	}

	if mergedName != nil {
		localNote.Name = *mergedName
	}
	if mergedBody != nil {
		localNote.Body = *mergedBody
	}
	return a.ReplaceItem(localNote, true)
}

func (a *NoteAgent) DumpItem(item Item, contentType, version string) ([]byte, string, string, error) {
	note, ok := item.(*NoteItem)
	if !ok {
		return nil, "", "", state.Unsupportedf("note agent cannot serialize %T", item)
	}
	return DumpNote(note, contentType, version)
}

func (a *NoteAgent) LoadItem(data []byte, contentType, version string) (Item, error) {
	return LoadNote(data, contentType, version)
}
