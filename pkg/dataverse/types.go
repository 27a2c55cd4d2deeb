// Package dataverse speaks the Dataverse Web API: entity metadata
// discovery, paged OData record queries, and connectivity checks.
package dataverse

import (
	"github.com/ajitpratap0/quasar/pkg/json"
)

// FieldType is the semantic type of an entity attribute after mapping
// from the service's attribute type names.
type FieldType int

const (
	// FieldString is the default: every attribute type with no narrower
	// mapping syncs as a string.
	FieldString FieldType = iota
	FieldInteger
	FieldNumber
	FieldBoolean
	FieldDateTime
	// FieldComplex marks attribute types with no tabular representation
	// (images, multi-select picklists). They are dropped from schemas.
	FieldComplex
)

func (t FieldType) String() string {
	switch t {
	case FieldInteger:
		return "integer"
	case FieldNumber:
		return "number"
	case FieldBoolean:
		return "boolean"
	case FieldDateTime:
		return "date-time"
	case FieldComplex:
		return "complex"
	default:
		return "string"
	}
}

// Attribute is one readable column of an entity.
type Attribute struct {
	LogicalName string
	Type        FieldType
	// RawType preserves the service's attribute type name for logging.
	RawType  string
	Readable bool
}

// Entity is a discovered table.
type Entity struct {
	MetadataID    string
	LogicalName   string
	EntitySetName string
	// KeyProperty is the primary key attribute, <logicalname>id by
	// convention.
	KeyProperty string
	// ReplicationKey is modifiedon when present, else createdon, else
	// empty meaning the entity only supports full-table replication.
	ReplicationKey       string
	ValidReplicationKeys []string
	Attributes           []Attribute
}

// attribute returns the named attribute, or nil.
func (e *Entity) attribute(name string) *Attribute {
	for i := range e.Attributes {
		if e.Attributes[i].LogicalName == name {
			return &e.Attributes[i]
		}
	}
	return nil
}

// Wire shapes for the EntityDefinitions endpoint.

// attributeTypeName is the wrapped enum the metadata API uses, for
// example {"Value": "StringType"}.
type attributeTypeName struct {
	Value string `json:"Value"`
}

type attributeDefinition struct {
	MetadataID        string            `json:"MetadataId"`
	LogicalName       string            `json:"LogicalName"`
	AttributeType     string            `json:"AttributeType"`
	AttributeTypeName attributeTypeName `json:"AttributeTypeName"`
	IsValidForRead    bool              `json:"IsValidForRead"`
	IsRetrievable     bool              `json:"IsRetrievable"`
}

type entityDefinition struct {
	MetadataID    string                `json:"MetadataId"`
	LogicalName   string                `json:"LogicalName"`
	EntitySetName string                `json:"EntitySetName"`
	Attributes    []attributeDefinition `json:"Attributes"`
}

type entityDefinitionsResponse struct {
	Count    int64              `json:"@odata.count"`
	Value    []entityDefinition `json:"value"`
	NextLink string             `json:"@odata.nextLink"`
}

// queryResponse is an OData record page. Records stay raw until they are
// decoded into pooled maps.
type queryResponse struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// WhoAmIResponse identifies the authenticated caller.
type WhoAmIResponse struct {
	UserID         string `json:"UserId"`
	BusinessUnitID string `json:"BusinessUnitId"`
	OrganizationID string `json:"OrganizationId"`
}
