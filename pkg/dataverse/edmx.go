package dataverse

import (
	"context"
	"encoding/xml"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// EDMX wire shapes for the $metadata service document. Tags match local
// element names; the OData namespaces vary by service version.

type edmxDocument struct {
	XMLName      xml.Name `xml:"Edmx"`
	DataServices struct {
		Schemas []edmxSchema `xml:"Schema"`
	} `xml:"DataServices"`
}

type edmxSchema struct {
	Namespace   string           `xml:"Namespace,attr"`
	EntityTypes []edmxEntityType `xml:"EntityType"`
	EntitySets  []edmxEntitySet  `xml:"EntityContainer>EntitySet"`
}

type edmxEntityType struct {
	Name       string         `xml:"Name,attr"`
	Key        *edmxKey       `xml:"Key"`
	Properties []edmxProperty `xml:"Property"`
}

type edmxKey struct {
	PropertyRefs []edmxPropertyRef `xml:"PropertyRef"`
}

type edmxPropertyRef struct {
	Name string `xml:"Name,attr"`
}

type edmxProperty struct {
	Name string `xml:"Name,attr"`
	Type string `xml:"Type,attr"`
}

type edmxEntitySet struct {
	Name       string `xml:"Name,attr"`
	EntityType string `xml:"EntityType,attr"`
}

// discoverEDMX fetches and parses the $metadata document.
func (c *Client) discoverEDMX(ctx context.Context) ([]*Entity, error) {
	body, err := c.http.Get(ctx, "$metadata", nil, map[string]string{
		"Accept": "application/xml",
	})
	if err != nil {
		return nil, err
	}
	entities, err := ParseEDMX(body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("discovery complete via $metadata", zap.Int("entities", len(entities)))
	return entities, nil
}

// ParseEDMX extracts entity metadata from an EDMX service document.
// Entity types without a declared key or without a queryable entity set
// are skipped. Properties are all treated as readable; the EDMX document
// only describes what the service will serve.
func ParseEDMX(data []byte) ([]*Entity, error) {
	var doc edmxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchema, "parsing EDMX document")
	}

	// Entity sets are declared against namespace-qualified type names.
	setNames := make(map[string]string)
	for _, schema := range doc.DataServices.Schemas {
		for _, set := range schema.EntitySets {
			typeName := set.EntityType
			if i := strings.LastIndex(typeName, "."); i >= 0 {
				typeName = typeName[i+1:]
			}
			setNames[typeName] = set.Name
		}
	}

	var entities []*Entity
	for _, schema := range doc.DataServices.Schemas {
		for _, et := range schema.EntityTypes {
			if et.Key == nil || len(et.Key.PropertyRefs) == 0 || len(et.Properties) == 0 {
				continue
			}
			if _, denied := systemEntityDenylist[et.Name]; denied {
				continue
			}
			setName, ok := setNames[et.Name]
			if !ok {
				continue
			}

			entity := &Entity{
				LogicalName:   et.Name,
				EntitySetName: setName,
				KeyProperty:   et.Key.PropertyRefs[0].Name,
				Attributes:    make([]Attribute, 0, len(et.Properties)),
			}
			for _, prop := range et.Properties {
				if prop.Name == "" {
					return nil, errors.Newf(errors.ErrorTypeSchema,
						"entity %s declares a property with no name", et.Name)
				}
				entity.Attributes = append(entity.Attributes, Attribute{
					LogicalName: prop.Name,
					Type:        edmTypeFor(prop.Type),
					RawType:     prop.Type,
					Readable:    true,
				})
			}
			entity.ReplicationKey, entity.ValidReplicationKeys = replicationKeyFor(entity)
			entities = append(entities, entity)
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].LogicalName < entities[j].LogicalName
	})
	return entities, nil
}

// edmTypeFor maps EDM primitive types to field types. Unrecognized
// types, including service-defined complex types, sync as strings;
// binary and collection-valued properties have no scalar form and are
// dropped.
func edmTypeFor(edmType string) FieldType {
	if strings.HasPrefix(edmType, "Collection(") {
		return FieldComplex
	}
	switch edmType {
	case "Edm.Int16", "Edm.Int32", "Edm.Int64", "Edm.Byte", "Edm.SByte":
		return FieldInteger
	case "Edm.Decimal", "Edm.Double", "Edm.Single":
		return FieldNumber
	case "Edm.Boolean":
		return FieldBoolean
	case "Edm.DateTimeOffset", "Edm.Date", "Edm.DateTime":
		return FieldDateTime
	case "Edm.Binary", "Edm.Stream":
		return FieldComplex
	default:
		return FieldString
	}
}
