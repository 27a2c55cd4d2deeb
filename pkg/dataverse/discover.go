package dataverse

import (
	"context"
	"net/url"
	"sort"

	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
)

// Attribute type names, as reported in AttributeTypeName.Value, grouped
// by their tabular representation. Anything not listed syncs as a
// string; the service grows new attribute types faster than taps ship.
var (
	integerTypeNames = map[string]struct{}{
		"IntegerType": {},
		"BigIntType":  {},
	}

	numberTypeNames = map[string]struct{}{
		"DecimalType": {},
		"DoubleType":  {},
		"MoneyType":   {},
	}

	dateTypeNames = map[string]struct{}{
		"DateTimeType": {},
	}

	boolTypeNames = map[string]struct{}{
		"BooleanType": {},
	}

	// complexTypeNames have no scalar representation and are dropped
	// from schemas entirely.
	complexTypeNames = map[string]struct{}{
		"ImageType":               {},
		"MultiSelectPicklistType": {},
	}
)

// systemEntityDenylist names platform bookkeeping tables that churn
// constantly, grow without bound, and carry no analytical value. They
// are excluded from discovery output.
var systemEntityDenylist = map[string]struct{}{
	"asyncoperation":        {},
	"bulkdeletefailure":     {},
	"bulkdeleteoperation":   {},
	"importdata":            {},
	"importfile":            {},
	"importlog":             {},
	"plugintracelog":        {},
	"principalobjectaccess": {},
	"processsession":        {},
	"tracelog":              {},
	"workflowlog":           {},
}

// mapAttributeType resolves an attribute type name to its semantic
// field type. The mapping is total: unknown names fall back to string.
func mapAttributeType(name string) FieldType {
	if _, ok := integerTypeNames[name]; ok {
		return FieldInteger
	}
	if _, ok := numberTypeNames[name]; ok {
		return FieldNumber
	}
	if _, ok := dateTypeNames[name]; ok {
		return FieldDateTime
	}
	if _, ok := boolTypeNames[name]; ok {
		return FieldBoolean
	}
	if _, ok := complexTypeNames[name]; ok {
		return FieldComplex
	}
	return FieldString
}

// Discover retrieves entity metadata from the EntityDefinitions
// endpoint. If that endpoint rejects the request (some security roles
// deny metadata entity reads while still allowing $metadata), discovery
// falls back to parsing the EDMX service document.
func (c *Client) Discover(ctx context.Context) ([]*Entity, error) {
	entities, err := c.discoverEntityDefinitions(ctx)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeRequest) {
			c.logger.Warn("EntityDefinitions rejected, falling back to $metadata", zap.Error(err))
			return c.discoverEDMX(ctx)
		}
		return nil, err
	}
	return entities, nil
}

func (c *Client) discoverEntityDefinitions(ctx context.Context) ([]*Entity, error) {
	query := url.Values{
		"$select": {"MetadataId,LogicalName,EntitySetName"},
		"$expand": {"Attributes($select=MetadataId,IsValidForRead,IsRetrievable,AttributeType,AttributeTypeName,LogicalName)"},
		"$count":  {"true"},
	}

	var defs []entityDefinition
	body, err := c.http.Get(ctx, "EntityDefinitions", query, nil)
	for {
		if err != nil {
			return nil, err
		}
		var page entityDefinitionsResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSchema, "decoding entity definitions")
		}
		if page.Count > 0 && len(defs) == 0 {
			c.logger.Info("service reported entity count", zap.Int64("count", page.Count))
		}
		defs = append(defs, page.Value...)
		if page.NextLink == "" {
			break
		}
		body, err = c.http.GetURL(ctx, page.NextLink, nil)
	}

	entities := make([]*Entity, 0, len(defs))
	for i := range defs {
		entity, err := entityFromDefinition(&defs[i])
		if err != nil {
			return nil, err
		}
		if entity == nil {
			continue
		}
		entities = append(entities, entity)
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].LogicalName < entities[j].LogicalName
	})
	c.logger.Info("discovery complete", zap.Int("entities", len(entities)))
	return entities, nil
}

// entityFromDefinition maps one metadata record. It returns (nil, nil)
// for entities that cannot or should not be synced, and a schema error
// for metadata the mapping cannot make sense of.
func entityFromDefinition(def *entityDefinition) (*Entity, error) {
	if def.LogicalName == "" {
		return nil, errors.New(errors.ErrorTypeSchema, "entity definition missing LogicalName")
	}
	if _, denied := systemEntityDenylist[def.LogicalName]; denied {
		return nil, nil
	}
	// No entity set means no queryable resource.
	if def.EntitySetName == "" {
		return nil, nil
	}

	entity := &Entity{
		MetadataID:    def.MetadataID,
		LogicalName:   def.LogicalName,
		EntitySetName: def.EntitySetName,
		KeyProperty:   def.LogicalName + "id",
		Attributes:    make([]Attribute, 0, len(def.Attributes)),
	}

	for _, attr := range def.Attributes {
		if attr.LogicalName == "" {
			return nil, errors.Newf(errors.ErrorTypeSchema,
				"entity %s has an attribute with no LogicalName", def.LogicalName)
		}
		rawType := attr.AttributeTypeName.Value
		if rawType == "" && attr.AttributeType != "" {
			rawType = attr.AttributeType + "Type"
		}
		if rawType == "" {
			return nil, errors.Newf(errors.ErrorTypeSchema,
				"entity %s attribute %s has no type information", def.LogicalName, attr.LogicalName)
		}
		entity.Attributes = append(entity.Attributes, Attribute{
			LogicalName: attr.LogicalName,
			Type:        mapAttributeType(rawType),
			RawType:     rawType,
			Readable:    attr.IsValidForRead,
		})
	}

	entity.ReplicationKey, entity.ValidReplicationKeys = replicationKeyFor(entity)
	return entity, nil
}

// replicationKeyFor picks the bookmark attribute: modifiedon when the
// entity has it, else createdon, else none. Only readable datetime
// attributes qualify.
func replicationKeyFor(entity *Entity) (string, []string) {
	var valid []string
	for _, candidate := range []string{"modifiedon", "createdon"} {
		attr := entity.attribute(candidate)
		if attr != nil && attr.Readable && attr.Type == FieldDateTime {
			valid = append(valid, candidate)
		}
	}
	if len(valid) == 0 {
		return "", nil
	}
	return valid[0], valid
}
