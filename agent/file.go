package agent

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/rohanthewiz/serr"

	"syncml/state"
)

// FileItem implements the OMA DS 1.2.2 "File" object
// (application/vnd.omads-file).
type FileItem struct {
	id          string
	Name        string
	ParentID    string // Containing folder item ID, empty at the root
	Created     int64  // Unix seconds; zero means unset
	Modified    int64
	Accessed    int64
	ContentType string
	Body        string
	Size        int64
	Hidden      *bool
	System      *bool
	Archived    *bool
	Delete      *bool
	Writable    *bool
	Readable    *bool
	Executable  *bool
}

func (f *FileItem) ID() string      { return f.id }
func (f *FileItem) SetID(id string) { f.id = id }

// FolderItem implements the OMA DS 1.2.2 "Folder" (collection) object
// (application/vnd.omads-folder).
type FolderItem struct {
	id         string
	Name       string
	ParentID   string
	Created    int64
	Modified   int64
	Accessed   int64
	Role       string
	Hidden     *bool
	System     *bool
	Archived   *bool
	Delete     *bool
	Writable   *bool
	Readable   *bool
	Executable *bool
}

func (f *FolderItem) ID() string      { return f.id }
func (f *FolderItem) SetID(id string) { f.id = id }

// omadsAttributes carries the single-letter flag elements of the
// <attributes> block: h/s/a/d/w/r/x.
type omadsAttributes struct {
	Hidden     *string `xml:"h,omitempty"`
	System     *string `xml:"s,omitempty"`
	Archived   *string `xml:"a,omitempty"`
	Delete     *string `xml:"d,omitempty"`
	Writable   *string `xml:"w,omitempty"`
	Readable   *string `xml:"r,omitempty"`
	Executable *string `xml:"x,omitempty"`
}

type omadsFile struct {
	XMLName  xml.Name         `xml:"File"`
	Name     string           `xml:"name,omitempty"`
	Created  string           `xml:"created,omitempty"`
	Modified string           `xml:"modified,omitempty"`
	Accessed string           `xml:"accessed,omitempty"`
	CTType   string           `xml:"cttype,omitempty"`
	Attrs    *omadsAttributes `xml:"attributes,omitempty"`
	Body     string           `xml:"body,omitempty"`
	Size     string           `xml:"size,omitempty"`
}

type omadsFolder struct {
	XMLName  xml.Name         `xml:"Folder"`
	Name     string           `xml:"name,omitempty"`
	Created  string           `xml:"created,omitempty"`
	Modified string           `xml:"modified,omitempty"`
	Accessed string           `xml:"accessed,omitempty"`
	Role     string           `xml:"role,omitempty"`
	Attrs    *omadsAttributes `xml:"attributes,omitempty"`
}

// tsISO renders a Unix timestamp in the compact ISO form OMA DS uses
func tsISO(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format("20060102T150405Z")
}

func parseTSISO(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse("20060102T150405Z", s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

func flagText(v *bool) *string {
	if v == nil {
		return nil
	}
	s := "false"
	if *v {
		s = "true"
	}
	return &s
}

func parseFlag(s *string) *bool {
	if s == nil {
		return nil
	}
	v := strings.EqualFold(*s, "true")
	return &v
}

func encodeAttrs(hidden, system, archived, del, writable, readable, executable *bool) *omadsAttributes {
	attrs := &omadsAttributes{
		Hidden:     flagText(hidden),
		System:     flagText(system),
		Archived:   flagText(archived),
		Delete:     flagText(del),
		Writable:   flagText(writable),
		Readable:   flagText(readable),
		Executable: flagText(executable),
	}
	if attrs.Hidden == nil && attrs.System == nil && attrs.Archived == nil &&
		attrs.Delete == nil && attrs.Writable == nil && attrs.Readable == nil &&
		attrs.Executable == nil {
		return nil
	}
	return attrs
}

// baseContentType strips any "+xml" style suffix before comparison
func baseContentType(ctype string) string {
	base, _, _ := strings.Cut(ctype, "+")
	return base
}

// DumpFile serializes a FileItem to application/vnd.omads-file XML
func DumpFile(f *FileItem, contentType, version string) ([]byte, string, string, error) {
	if contentType != "" && baseContentType(contentType) != state.TypeOMADSFile {
		return nil, "", "", state.Unsupportedf("cannot serialize file to %q", contentType)
	}
	if version != "" && version != "1.2" {
		return nil, "", "", state.Unsupportedf("invalid file serialization version %q", version)
	}

	doc := omadsFile{
		Name:     f.Name,
		Created:  tsISO(f.Created),
		Modified: tsISO(f.Modified),
		Accessed: tsISO(f.Accessed),
		CTType:   f.ContentType,
		Attrs:    encodeAttrs(f.Hidden, f.System, f.Archived, f.Delete, f.Writable, f.Readable, f.Executable),
		Body:     f.Body,
	}
	if f.Body == "" && f.Size > 0 {
		doc.Size = strconv.FormatInt(f.Size, 10)
	}
	data, err := xml.Marshal(doc)
	if err != nil {
		return nil, "", "", serr.Wrap(err, "failed to serialize file item")
	}
	return data, state.TypeOMADSFile + "+xml", "1.2", nil
}

// LoadFile deserializes an application/vnd.omads-file payload. A
// folder payload is dispatched to LoadFolder, mirroring how peers
// interleave both types on a hierarchical store.
func LoadFile(data []byte, contentType, version string) (Item, error) {
	if contentType != "" && baseContentType(contentType) == state.TypeOMADSFolder {
		return LoadFolder(data, contentType, version)
	}
	if contentType != "" && baseContentType(contentType) != state.TypeOMADSFile {
		return nil, state.Unsupportedf("cannot deserialize file from %q", contentType)
	}
	if version != "" && version != "1.2" {
		return nil, state.Unsupportedf("invalid file deserialization version %q", version)
	}

	var doc omadsFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, serr.Wrap(err, "failed to parse file item")
	}

	f := &FileItem{
		Name:        doc.Name,
		Created:     parseTSISO(doc.Created),
		Modified:    parseTSISO(doc.Modified),
		Accessed:    parseTSISO(doc.Accessed),
		ContentType: doc.CTType,
		Body:        doc.Body,
	}
	if doc.Body != "" {
		f.Size = int64(len(doc.Body))
	} else if doc.Size != "" {
		size, err := strconv.ParseInt(doc.Size, 10, 64)
		if err != nil {
			return nil, serr.Wrap(err, "invalid file size", "size", doc.Size)
		}
		f.Size = size
	}
	if doc.Attrs != nil {
		f.Hidden = parseFlag(doc.Attrs.Hidden)
		f.System = parseFlag(doc.Attrs.System)
		f.Archived = parseFlag(doc.Attrs.Archived)
		f.Delete = parseFlag(doc.Attrs.Delete)
		f.Writable = parseFlag(doc.Attrs.Writable)
		f.Readable = parseFlag(doc.Attrs.Readable)
		f.Executable = parseFlag(doc.Attrs.Executable)
	}
	return f, nil
}

// DumpFolder serializes a FolderItem to application/vnd.omads-folder XML
func DumpFolder(f *FolderItem, contentType, version string) ([]byte, string, string, error) {
	if contentType != "" && baseContentType(contentType) != state.TypeOMADSFolder {
		return nil, "", "", state.Unsupportedf("cannot serialize folder to %q", contentType)
	}
	if version != "" && version != "1.2" {
		return nil, "", "", state.Unsupportedf("invalid folder serialization version %q", version)
	}

	doc := omadsFolder{
		Name:     f.Name,
		Created:  tsISO(f.Created),
		Modified: tsISO(f.Modified),
		Accessed: tsISO(f.Accessed),
		Role:     f.Role,
		Attrs:    encodeAttrs(f.Hidden, f.System, f.Archived, f.Delete, f.Writable, f.Readable, f.Executable),
	}
	data, err := xml.Marshal(doc)
	if err != nil {
		return nil, "", "", serr.Wrap(err, "failed to serialize folder item")
	}
	return data, state.TypeOMADSFolder + "+xml", "1.2", nil
}

// LoadFolder deserializes an application/vnd.omads-folder payload
func LoadFolder(data []byte, contentType, version string) (Item, error) {
	if contentType != "" && baseContentType(contentType) != state.TypeOMADSFolder {
		return nil, state.Unsupportedf("cannot deserialize folder from %q", contentType)
	}

	var doc omadsFolder
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, serr.Wrap(err, "failed to parse folder item")
	}

	f := &FolderItem{
		Name:     doc.Name,
		Created:  parseTSISO(doc.Created),
		Modified: parseTSISO(doc.Modified),
		Accessed: parseTSISO(doc.Accessed),
		Role:     doc.Role,
	}
	if doc.Attrs != nil {
		f.Hidden = parseFlag(doc.Attrs.Hidden)
		f.System = parseFlag(doc.Attrs.System)
		f.Archived = parseFlag(doc.Attrs.Archived)
		f.Delete = parseFlag(doc.Attrs.Delete)
		f.Writable = parseFlag(doc.Attrs.Writable)
		f.Readable = parseFlag(doc.Attrs.Readable)
		f.Executable = parseFlag(doc.Attrs.Executable)
	}
	return f, nil
}
