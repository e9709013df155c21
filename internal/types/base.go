package types

import "depot/api/internal/model"

// baseTypeDefinitions builds the five fixed root types every repository
// starts with. Property sets follow the standard system properties; custom
// subtypes inherit them through the normal resolution path.
func baseTypeDefinitions() []*model.TypeDefinition {
	document := baseType(model.BaseDocument, "Document")
	document.Versionable = true
	document.Fileable = true
	addProperty(document, "depot:contentStreamId", model.PropertyID, false)
	addProperty(document, "depot:isLatestVersion", model.PropertyBoolean, false)

	folder := baseType(model.BaseFolder, "Folder")
	folder.Fileable = true
	addProperty(folder, "depot:parentId", model.PropertyID, true)

	relationship := baseType(model.BaseRelationship, "Relationship")
	addProperty(relationship, "depot:sourceId", model.PropertyID, true)
	addProperty(relationship, "depot:targetId", model.PropertyID, true)

	policy := baseType(model.BasePolicy, "Policy")
	addProperty(policy, "depot:policyText", model.PropertyString, false)

	item := baseType(model.BaseItem, "Item")

	return []*model.TypeDefinition{document, folder, relationship, policy, item}
}

func baseType(id model.BaseType, display string) *model.TypeDefinition {
	def := &model.TypeDefinition{
		ID:                       string(id),
		QueryName:                string(id),
		DisplayName:              display,
		BaseTypeID:               id,
		Creatable:                true,
		Queryable:                true,
		IncludedInSupertypeQuery: true,
		ControllableACL:          true,
		Properties:               make(map[string]*model.PropertyDefinition),
	}
	addProperty(def, "depot:objectId", model.PropertyID, true)
	addProperty(def, "depot:name", model.PropertyString, true)
	addProperty(def, "depot:objectTypeId", model.PropertyID, true)
	addProperty(def, "depot:baseTypeId", model.PropertyID, true)
	addProperty(def, "depot:createdBy", model.PropertyString, true)
	addProperty(def, "depot:creationDate", model.PropertyDateTime, true)
	addProperty(def, "depot:lastModifiedBy", model.PropertyString, true)
	addProperty(def, "depot:lastModificationDate", model.PropertyDateTime, true)
	return def
}

func addProperty(def *model.TypeDefinition, id string, pt model.PropertyType, orderable bool) {
	def.Properties[id] = &model.PropertyDefinition{
		ID:           id,
		QueryName:    id,
		PropertyType: pt,
		Cardinality:  model.CardinalitySingle,
		Updatability: model.UpdatabilityReadOnly,
		Queryable:    true,
		Orderable:    orderable,
	}
}
