// Package catalog models the Singer catalog: discovered streams, their
// JSON schemas, and the selection metadata that controls what syncs.
package catalog

import (
	"io"
	"os"
	"sort"

	"github.com/ajitpratap0/quasar/pkg/dataverse"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
)

// TypeList is a JSON schema type field. It serializes a single entry as
// a bare string and multiple entries as an array, matching how catalogs
// are written by other taps and read by targets.
type TypeList []string

// MarshalJSON renders a one-element list as its bare string.
func (t TypeList) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// UnmarshalJSON accepts either a string or an array of strings.
func (t *TypeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = TypeList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*t = TypeList(many)
	return nil
}

// Contains reports whether typ is in the list.
func (t TypeList) Contains(typ string) bool {
	for _, v := range t {
		if v == typ {
			return true
		}
	}
	return false
}

// Schema is a JSON schema node. Streams use an object root whose
// properties are nullable scalar schemas.
type Schema struct {
	Type                 TypeList           `json:"type,omitempty"`
	Format               string             `json:"format,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
}

// StreamMetadata is the metadata map attached to a breadcrumb. Selected
// distinguishes "explicitly false" from "absent" so defaulting works.
type StreamMetadata struct {
	Inclusion               string   `json:"inclusion,omitempty"`
	Selected                *bool    `json:"selected,omitempty"`
	SelectedByDefault       *bool    `json:"selected-by-default,omitempty"`
	TableKeyProperties      []string `json:"table-key-properties,omitempty"`
	ForcedReplicationMethod string   `json:"forced-replication-method,omitempty"`
	ValidReplicationKeys    []string `json:"valid-replication-keys,omitempty"`
	ReplicationKey          string   `json:"replication-key,omitempty"`
	// EntitySetName is the queryable OData resource backing the stream.
	// tap_stream_id is the entity's logical name; queries address the
	// plural entity set.
	EntitySetName string `json:"entity-set-name,omitempty"`
}

// MetadataEntry pairs a breadcrumb with its metadata. The stream-level
// entry has an empty breadcrumb; field-level entries use
// ["properties", name].
type MetadataEntry struct {
	Breadcrumb []string       `json:"breadcrumb"`
	Metadata   StreamMetadata `json:"metadata"`
}

// Inclusion values.
const (
	InclusionAvailable = "available"
	InclusionAutomatic = "automatic"
)

// Replication methods.
const (
	MethodIncremental = "INCREMENTAL"
	MethodFullTable   = "FULL_TABLE"
)

// Stream is one catalog entry.
type Stream struct {
	TapStreamID   string          `json:"tap_stream_id"`
	Name          string          `json:"stream"`
	Schema        *Schema         `json:"schema"`
	Metadata      []MetadataEntry `json:"metadata"`
	KeyProperties []string        `json:"key_properties"`
}

// rootMetadata returns the stream-level metadata entry, or nil.
func (s *Stream) rootMetadata() *StreamMetadata {
	for i := range s.Metadata {
		if len(s.Metadata[i].Breadcrumb) == 0 {
			return &s.Metadata[i].Metadata
		}
	}
	return nil
}

// fieldMetadata returns the metadata for a property, or nil.
func (s *Stream) fieldMetadata(name string) *StreamMetadata {
	for i := range s.Metadata {
		bc := s.Metadata[i].Breadcrumb
		if len(bc) == 2 && bc[0] == "properties" && bc[1] == name {
			return &s.Metadata[i].Metadata
		}
	}
	return nil
}

// IsSelected reports whether the stream should sync. Explicit selection
// wins; otherwise selected-by-default applies; a stream with neither is
// skipped.
func (s *Stream) IsSelected() bool {
	md := s.rootMetadata()
	if md == nil {
		return false
	}
	if md.Selected != nil {
		return *md.Selected
	}
	if md.SelectedByDefault != nil {
		return *md.SelectedByDefault
	}
	return false
}

// ReplicationMethod returns the stream's forced replication method,
// defaulting to FULL_TABLE when unset.
func (s *Stream) ReplicationMethod() string {
	if md := s.rootMetadata(); md != nil && md.ForcedReplicationMethod != "" {
		return md.ForcedReplicationMethod
	}
	return MethodFullTable
}

// ReplicationKey returns the bookmark property for incremental streams,
// or empty for full-table streams.
func (s *Stream) ReplicationKey() string {
	if md := s.rootMetadata(); md != nil {
		return md.ReplicationKey
	}
	return ""
}

// EntitySetName returns the OData resource to query for this stream.
func (s *Stream) EntitySetName() string {
	if md := s.rootMetadata(); md != nil {
		return md.EntitySetName
	}
	return ""
}

// SelectedFields resolves field selection into a sorted property list.
// Automatic fields (keys, replication key) are always included; fields
// with explicit or default selection metadata follow it; fields with no
// selection metadata ride along with their selected stream.
func (s *Stream) SelectedFields() []string {
	if s.Schema == nil {
		return nil
	}
	fields := make([]string, 0, len(s.Schema.Properties))
	for name := range s.Schema.Properties {
		md := s.fieldMetadata(name)
		if md == nil {
			fields = append(fields, name)
			continue
		}
		switch {
		case md.Inclusion == InclusionAutomatic:
			fields = append(fields, name)
		case md.Selected != nil:
			if *md.Selected {
				fields = append(fields, name)
			}
		case md.SelectedByDefault != nil:
			if *md.SelectedByDefault {
				fields = append(fields, name)
			}
		default:
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

// Catalog is the full discovered stream set.
type Catalog struct {
	Streams []*Stream `json:"streams"`
}

// GetStream finds a stream by tap_stream_id.
func (c *Catalog) GetStream(tapStreamID string) *Stream {
	for _, s := range c.Streams {
		if s.TapStreamID == tapStreamID {
			return s
		}
	}
	return nil
}

// SelectedStreams returns the streams to sync in catalog order. When a
// previous run was interrupted, currentlySyncing names its in-progress
// stream and that stream is moved to the front so the run resumes where
// it stopped.
func (c *Catalog) SelectedStreams(currentlySyncing string) []*Stream {
	selected := make([]*Stream, 0, len(c.Streams))
	for _, s := range c.Streams {
		if s.IsSelected() {
			selected = append(selected, s)
		}
	}
	if currentlySyncing == "" {
		return selected
	}
	for i, s := range selected {
		if s.TapStreamID == currentlySyncing && i > 0 {
			rotated := make([]*Stream, 0, len(selected))
			rotated = append(rotated, s)
			rotated = append(rotated, selected[:i]...)
			rotated = append(rotated, selected[i+1:]...)
			return rotated
		}
	}
	return selected
}

// FromEntities builds a catalog from discovered entity metadata. Streams
// are emitted in name order. When selectAllByDefault is set every stream
// carries selected-by-default true, so a catalog used without manual
// selection syncs everything.
func FromEntities(entities []*dataverse.Entity, selectAllByDefault bool) *Catalog {
	cat := &Catalog{Streams: make([]*Stream, 0, len(entities))}

	for _, entity := range entities {
		schema, fieldEntries := buildSchema(entity)

		root := StreamMetadata{
			Inclusion:               InclusionAvailable,
			TableKeyProperties:      []string{entity.KeyProperty},
			ForcedReplicationMethod: MethodFullTable,
			EntitySetName:           entity.EntitySetName,
		}
		if selectAllByDefault {
			t := true
			root.SelectedByDefault = &t
		}
		if entity.ReplicationKey != "" {
			root.ForcedReplicationMethod = MethodIncremental
			root.ReplicationKey = entity.ReplicationKey
			root.ValidReplicationKeys = entity.ValidReplicationKeys
		}

		metadata := make([]MetadataEntry, 0, len(fieldEntries)+1)
		metadata = append(metadata, MetadataEntry{Breadcrumb: []string{}, Metadata: root})
		metadata = append(metadata, fieldEntries...)

		cat.Streams = append(cat.Streams, &Stream{
			TapStreamID:   entity.LogicalName,
			Name:          entity.LogicalName,
			Schema:        schema,
			Metadata:      metadata,
			KeyProperties: []string{entity.KeyProperty},
		})
	}

	sort.Slice(cat.Streams, func(i, j int) bool {
		return cat.Streams[i].TapStreamID < cat.Streams[j].TapStreamID
	})
	return cat
}

// buildSchema maps entity attributes to a JSON schema plus field-level
// metadata. Unreadable and complex-typed attributes are omitted; every
// kept property is nullable because the API drops null-valued fields
// from responses.
func buildSchema(entity *dataverse.Entity) (*Schema, []MetadataEntry) {
	props := make(map[string]*Schema, len(entity.Attributes))
	entries := make([]MetadataEntry, 0, len(entity.Attributes))

	names := make([]string, 0, len(entity.Attributes))
	for _, attr := range entity.Attributes {
		if !attr.Readable || attr.Type == dataverse.FieldComplex {
			continue
		}
		props[attr.LogicalName] = propertySchema(attr.Type)
		names = append(names, attr.LogicalName)
	}
	sort.Strings(names)

	for _, name := range names {
		inclusion := InclusionAvailable
		if name == entity.KeyProperty || name == entity.ReplicationKey {
			inclusion = InclusionAutomatic
		}
		entries = append(entries, MetadataEntry{
			Breadcrumb: []string{"properties", name},
			Metadata:   StreamMetadata{Inclusion: inclusion},
		})
	}

	noExtra := false
	return &Schema{
		Type:                 TypeList{"object"},
		AdditionalProperties: &noExtra,
		Properties:           props,
	}, entries
}

// propertySchema maps a field type to its nullable JSON schema.
func propertySchema(t dataverse.FieldType) *Schema {
	switch t {
	case dataverse.FieldInteger:
		return &Schema{Type: TypeList{"null", "integer"}}
	case dataverse.FieldNumber:
		return &Schema{Type: TypeList{"null", "number"}}
	case dataverse.FieldBoolean:
		return &Schema{Type: TypeList{"null", "boolean"}}
	case dataverse.FieldDateTime:
		return &Schema{Type: TypeList{"null", "string"}, Format: "date-time"}
	default:
		return &Schema{Type: TypeList{"null", "string"}}
	}
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "reading catalog file")
	}
	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parsing catalog file")
	}
	return &cat, nil
}

// Write renders the catalog as indented JSON, the format `discover`
// prints and downstream selection tools edit.
func (c *Catalog) Write(w io.Writer) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding catalog")
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "writing catalog")
	}
	return nil
}
