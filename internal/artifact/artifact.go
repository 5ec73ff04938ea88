// Package artifact holds the primary artifact table of the lake.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"

	"github.com/maruel/memlake/internal/address"
	lakeerrors "github.com/maruel/memlake/internal/errors"
)

// Category is the coarse content class of an artifact.
type Category string

// Categories.
const (
	CategoryCode         Category = "code"
	CategoryData         Category = "data"
	CategoryDoc          Category = "doc"
	CategoryMedia        Category = "media"
	CategorySys          Category = "sys"
	CategoryArchive      Category = "archive"
	CategoryIntelligence Category = "intelligence"
)

var categories = []Category{CategoryCode, CategoryData, CategoryDoc, CategoryMedia, CategorySys, CategoryArchive, CategoryIntelligence}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return slices.Contains(categories, c)
}

// DefaultExtension returns the extension used for a name without one.
func (c Category) DefaultExtension() string {
	switch c {
	case CategoryMedia:
		return "bin"
	case CategoryCode:
		return "ts"
	case CategoryDoc:
		return "txt"
	default:
		return "dat"
	}
}

// Kind is what produced an artifact.
type Kind string

// Kinds.
const (
	KindEmail            Kind = "email"
	KindCall             Kind = "call"
	KindContact          Kind = "contact"
	KindNote             Kind = "note"
	KindTask             Kind = "task"
	KindAttachment       Kind = "attachment"
	KindResearch         Kind = "research"
	KindImageObservation Kind = "image_observation"
)

var kinds = []Kind{KindEmail, KindCall, KindContact, KindNote, KindTask, KindAttachment, KindResearch, KindImageObservation}

// Valid reports whether k is a known kind. The empty kind is valid.
func (k Kind) Valid() bool {
	return k == "" || slices.Contains(kinds, k)
}

// Status is the quarantine state of an artifact.
//
//	safe -> suspect -> corrupt   (guardian)
//	safe -> offloaded            (explicit offload)
//
// Suspect and corrupt artifacts leave the table by purge.
type Status string

// Statuses.
const (
	StatusSafe      Status = "safe"
	StatusSuspect   Status = "suspect"
	StatusCorrupt   Status = "corrupt"
	StatusOffloaded Status = "offloaded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSafe, StatusSuspect, StatusCorrupt, StatusOffloaded:
		return true
	}
	return false
}

// Quarantined reports whether s isolates the artifact pending review.
func (s Status) Quarantined() bool {
	return s == StatusSuspect || s == StatusCorrupt
}

// CanTransition reports whether the state machine allows s to become to.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	switch s {
	case StatusSafe:
		return to == StatusSuspect || to == StatusOffloaded
	case StatusSuspect:
		return to == StatusCorrupt
	}
	return false
}

// RefKind is the kind of external reference.
type RefKind string

// Reference kinds.
const (
	RefArchive RefKind = "external-archive"
	RefHandle  RefKind = "external-handle"
)

// ExternalRef points at content stored outside the artifact table.
type ExternalRef struct {
	Kind      RefKind `json:"kind"`
	Path      string  `json:"path"`
	ArchiveID string  `json:"archiveId,omitempty"`
}

// Validate checks the reference is usable.
func (r *ExternalRef) Validate() error {
	if r.Kind != RefArchive && r.Kind != RefHandle {
		return fmt.Errorf("invalid reference kind %q", r.Kind)
	}
	if r.Path == "" {
		return errors.New("reference path is required")
	}
	if r.Kind == RefArchive && r.ArchiveID == "" {
		return errors.New("archive reference needs an archive id")
	}
	return nil
}

// ContentKind discriminates [Content].
type ContentKind int

// Content kinds.
const (
	ContentAbsent ContentKind = iota
	ContentInline
	ContentExternal
)

func (k ContentKind) String() string {
	switch k {
	case ContentInline:
		return "inline"
	case ContentExternal:
		return "external"
	default:
		return "absent"
	}
}

// Content is the payload of an artifact: inline bytes, a reference to
// external storage, or nothing. The zero value is absent.
type Content struct {
	kind ContentKind
	data []byte
	ref  ExternalRef
}

// Inline returns inline content holding a copy of data.
func Inline(data []byte) Content {
	return Content{kind: ContentInline, data: bytes.Clone(data)}
}

// InlineText returns inline content holding s.
func InlineText(s string) Content {
	return Content{kind: ContentInline, data: []byte(s)}
}

// External returns content stored behind ref.
func External(ref ExternalRef) Content {
	return Content{kind: ContentExternal, ref: ref}
}

// Absent returns empty content.
func Absent() Content {
	return Content{}
}

// Kind returns which variant c holds.
func (c Content) Kind() ContentKind {
	return c.kind
}

// Bytes returns the inline bytes. ok is false unless c is inline. The slice
// must not be modified.
func (c Content) Bytes() (data []byte, ok bool) {
	return c.data, c.kind == ContentInline
}

// Ref returns the external reference. ok is false unless c is external.
func (c Content) Ref() (ExternalRef, bool) {
	return c.ref, c.kind == ContentExternal
}

// IsZero reports whether c is absent.
func (c Content) IsZero() bool {
	return c.kind == ContentAbsent
}

func (c Content) clone() Content {
	c.data = bytes.Clone(c.data)
	return c
}

type contentJSON struct {
	Text  *string      `json:"text,omitempty"`
	Bytes []byte       `json:"bytes,omitempty"`
	Ref   *ExternalRef `json:"ref,omitempty"`
}

// MarshalJSON implements json.Marshaler.
//
// Inline UTF-8 is stored as "text" so the table file stays readable, other
// inline bytes as base64 "bytes".
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case ContentInline:
		if utf8.Valid(c.data) {
			s := string(c.data)
			return json.Marshal(&contentJSON{Text: &s})
		}
		return json.Marshal(&contentJSON{Bytes: c.data})
	case ContentExternal:
		return json.Marshal(&contentJSON{Ref: &c.ref})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*c = Content{}
		return nil
	}
	var v contentJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n := 0
	if v.Text != nil {
		n++
		*c = InlineText(*v.Text)
	}
	if v.Bytes != nil {
		n++
		*c = Content{kind: ContentInline, data: v.Bytes}
	}
	if v.Ref != nil {
		n++
		*c = External(*v.Ref)
	}
	if n > 1 {
		return errors.New("content holds more than one variant")
	}
	if n == 0 {
		*c = Content{}
	}
	return nil
}

// Encoding is the transfer encoding of inline content.
type Encoding string

// Encodings.
const (
	EncodingIdentity Encoding = ""
	EncodingGzip     Encoding = "gzip"
)

// Annotation is a note attached to an artifact.
type Annotation struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is one record of the artifact table.
type Artifact struct {
	ID           string            `json:"id" jsonschema:"description=Unique artifact id"`
	DriveID      address.DriveID   `json:"driveId"`
	SlotID       int               `json:"slotId"`
	Name         string            `json:"name"`
	Path         string            `json:"path,omitempty" jsonschema:"description=Logical path prefix"`
	Extension    string            `json:"extension,omitempty"`
	Category     Category          `json:"category"`
	Kind         Kind              `json:"kind,omitempty"`
	SizeBytes    int64             `json:"sizeBytes" jsonschema:"description=Decoded content size"`
	Content      Content           `json:"content,omitzero"`
	Encoding     Encoding          `json:"encoding,omitempty" jsonschema:"description=Encoding of inline content"`
	MimeType     string            `json:"mimeType,omitempty"`
	Signature    string            `json:"signature" jsonschema:"description=Hash of the normalized content"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"createdAt,omitzero"`
	LastModified time.Time         `json:"lastModified"`
	Annotations  []Annotation      `json:"annotations,omitempty"`
	Vector       []float32         `json:"vector,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	c := *a
	c.Content = a.Content.clone()
	c.Annotations = slices.Clone(a.Annotations)
	c.Vector = slices.Clone(a.Vector)
	c.Tags = slices.Clone(a.Tags)
	c.Meta = maps.Clone(a.Meta)
	return &c
}

// GetID returns the artifact id.
func (a *Artifact) GetID() string {
	return a.ID
}

// Validate checks the record invariants.
func (a *Artifact) Validate() error {
	if a.ID == "" {
		return lakeerrors.Validation("artifact id is required")
	}
	if err := address.Validate(a.DriveID, a.SlotID); err != nil {
		return err
	}
	if !a.Category.Valid() {
		return lakeerrors.Validation("unknown category %q", a.Category)
	}
	if !a.Kind.Valid() {
		return lakeerrors.Validation("unknown kind %q", a.Kind)
	}
	if !a.Status.Valid() {
		return lakeerrors.Validation("unknown status %q", a.Status)
	}
	if a.Encoding != EncodingIdentity && a.Encoding != EncodingGzip {
		return lakeerrors.Validation("unknown encoding %q", a.Encoding)
	}
	ref, external := a.Content.Ref()
	if external {
		if err := ref.Validate(); err != nil {
			return lakeerrors.Validation("artifact %s: %v", a.ID, err)
		}
	}
	if (a.Status == StatusOffloaded) != external {
		return lakeerrors.Validation("artifact %s: status %s does not match content %s", a.ID, a.Status, a.Content.Kind())
	}
	return nil
}

// ExternalRef returns the external reference, if any.
func (a *Artifact) ExternalRef() (ExternalRef, bool) {
	return a.Content.Ref()
}

// Decoded returns the inline content with the transfer encoding removed. ok
// is false when the content is not inline.
func (a *Artifact) Decoded() (data []byte, ok bool, err error) {
	raw, ok := a.Content.Bytes()
	if !ok {
		return nil, false, nil
	}
	switch a.Encoding {
	case EncodingIdentity:
		return raw, true, nil
	case EncodingGzip:
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, true, lakeerrors.Decode(fmt.Sprintf("artifact %s: invalid gzip payload", a.ID), err)
		}
		defer func() {
			_ = r.Close()
		}()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, true, lakeerrors.Decode(fmt.Sprintf("artifact %s: truncated gzip payload", a.ID), err)
		}
		return out, true, nil
	default:
		return nil, true, lakeerrors.Decode(fmt.Sprintf("artifact %s: unsupported encoding %q", a.ID, a.Encoding), nil)
	}
}

// Text returns the decoded inline content as a string, or "" when there is
// none or it cannot be decoded.
func (a *Artifact) Text() string {
	data, ok, err := a.Decoded()
	if !ok || err != nil {
		return ""
	}
	return string(data)
}
