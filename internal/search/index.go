package search

import (
	"time"

	"depot/api/internal/model"
)

// DynamicFieldPrefix namespaces custom property values in the index so they
// never collide with schema fields.
const DynamicFieldPrefix = "dynamic.property."

// DynamicField maps a property id to its index field name.
func DynamicField(propertyID string) string {
	return DynamicFieldPrefix + propertyID
}

// ToDocument converts a content object and its expanded reader set into an
// indexable record. Readers come from the ACL expander so the query-time
// permission filter has a field to match against.
func ToDocument(c *model.Content, baseTypeID string, readers []string) Document {
	doc := Document{
		"id":              c.RepositoryID + "/" + c.ID,
		FieldID:           c.ID,
		FieldRepositoryID: c.RepositoryID,
		FieldType:         c.TypeID,
		FieldBaseType:     baseTypeID,
		FieldName:         c.Name,
		FieldCreator:      c.Creator,
		FieldCreated:      c.Created.UTC().Format(time.RFC3339),
		FieldModifier:     c.Modifier,
		FieldModified:     c.Modified.UTC().Format(time.RFC3339),
		FieldReaders:      readers,
	}
	if c.ParentID != "" {
		doc[FieldParentID] = c.ParentID
	}
	for id, value := range c.Properties {
		if value == nil {
			continue
		}
		doc[DynamicField(id)] = value
	}
	return doc
}
