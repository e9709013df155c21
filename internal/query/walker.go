package query

import (
	"context"
	"fmt"
	"strings"

	"depot/api/internal/model"
	"depot/api/internal/search"
)

// matchNone is a native clause that can never match; it stands in for
// predicates whose referent does not exist, such as IN_TREE on an unknown
// folder.
const matchNone = "(*:* -*:*)"

// FolderTreeResolver expands a folder id into itself plus every folder
// below it, for IN_TREE translation.
type FolderTreeResolver interface {
	DescendantFolderIDs(ctx context.Context, repositoryID, folderID string) ([]string, error)
}

// PropertyResolver maps a column reference to a property definition of the
// queried type.
type PropertyResolver interface {
	PropertyDefinitionForQueryName(def *model.TypeDefinition, queryName string) *model.PropertyDefinition
}

// systemFields maps the query names of system properties onto their fixed
// index schema fields. Everything else lives under the dynamic prefix.
var systemFields = map[string]string{
	"depot:objectId":             search.FieldID,
	"depot:name":                 search.FieldName,
	"depot:objectTypeId":         search.FieldType,
	"depot:baseTypeId":           search.FieldBaseType,
	"depot:parentId":             search.FieldParentID,
	"depot:createdBy":            search.FieldCreator,
	"depot:creationDate":         search.FieldCreated,
	"depot:lastModifiedBy":       search.FieldModifier,
	"depot:lastModificationDate": search.FieldModified,
}

// walker translates one WHERE tree into a native query string. Every value
// taken from the statement passes through the escaping functions before it
// is concatenated; field names come from the schema constants or from
// validated property ids, never from raw input.
type walker struct {
	ctx          context.Context
	repositoryID string
	def          *model.TypeDefinition
	props        PropertyResolver
	tree         FolderTreeResolver
}

func (w *walker) walkExpr(e *Expr) (string, error) {
	first, err := w.walkAnd(e.First)
	if err != nil {
		return "", err
	}
	if len(e.Rest) == 0 {
		return first, nil
	}
	parts := []string{first}
	for _, a := range e.Rest {
		s, err := w.walkAnd(a)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func (w *walker) walkAnd(a *AndExpr) (string, error) {
	first, err := w.walkNot(a.First)
	if err != nil {
		return "", err
	}
	if len(a.Rest) == 0 {
		return first, nil
	}
	parts := []string{first}
	for _, n := range a.Rest {
		s, err := w.walkNot(n)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func (w *walker) walkNot(n *NotExpr) (string, error) {
	s, err := w.walkPredicate(n.Pred)
	if err != nil {
		return "", err
	}
	if n.Not {
		return negate(s), nil
	}
	return s, nil
}

func (w *walker) walkPredicate(p *Predicate) (string, error) {
	switch {
	case p.Paren != nil:
		return w.walkExpr(p.Paren)
	case p.Contains != nil:
		return w.walkContains(p.Contains)
	case p.Folder != nil:
		return w.walkFolder(p.Folder)
	case p.Any != nil:
		field, err := w.fieldFor(p.Any.Column)
		if err != nil {
			return "", err
		}
		return disjunction(field, p.Any.Values), nil
	case p.Cond != nil:
		return w.walkCondition(p.Cond)
	}
	return "", fmt.Errorf("%w: empty predicate", ErrInvalidQuery)
}

func (w *walker) walkCondition(c *Condition) (string, error) {
	field, err := w.fieldFor(c.Column)
	if err != nil {
		return "", err
	}
	t := c.Tail
	switch {
	case t.Compare != nil:
		return compareClause(field, t.Compare.Op, t.Compare.Value)
	case t.In != nil:
		clause := disjunction(field, t.In.Values)
		if t.In.Not {
			return negate(clause), nil
		}
		return clause, nil
	case t.Like != nil:
		clause := field + ":" + search.EscapeLike(t.Like.Pattern.Value())
		if t.Like.Not {
			return negate(clause), nil
		}
		return clause, nil
	case t.Null != nil:
		if t.Null.NotNull {
			return field + ":*", nil
		}
		return negate(field + ":*"), nil
	}
	return "", fmt.Errorf("%w: empty condition on %s", ErrInvalidQuery, c.Column)
}

// walkContains targets the aggregated full-text field. Terms are escaped
// one by one so multi-word input stays a multi-term search.
func (w *walker) walkContains(c *Contains) (string, error) {
	text := strings.TrimSpace(c.Text.Value())
	if text == "" {
		return "", fmt.Errorf("%w: CONTAINS with empty text", ErrInvalidQuery)
	}
	words := strings.Fields(text)
	for i, word := range words {
		words[i] = search.EscapeQueryChars(word)
	}
	return search.FieldText + ":(" + strings.Join(words, " ") + ")", nil
}

func (w *walker) walkFolder(f *FolderPred) (string, error) {
	folderID := f.FolderID.Value()
	if !f.Tree {
		return search.FieldParentID + ":" + search.EscapeQueryChars(folderID), nil
	}
	ids, err := w.tree.DescendantFolderIDs(w.ctx, w.repositoryID, folderID)
	if err != nil {
		return "", fmt.Errorf("resolve folder tree %s: %w", folderID, err)
	}
	if len(ids) == 0 {
		return matchNone, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = search.FieldParentID + ":" + search.EscapeQueryChars(id)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

// fieldFor resolves a column reference against the queried type: system
// properties to their fixed schema fields, anything else to its dynamic
// field keyed by property id. Unknown and non-queryable columns are
// invalid.
func (w *walker) fieldFor(column string) (string, error) {
	pd := w.props.PropertyDefinitionForQueryName(w.def, column)
	if pd == nil {
		return "", fmt.Errorf("%w: unknown column %s on type %s", ErrInvalidQuery, column, w.def.ID)
	}
	if !pd.Queryable {
		return "", fmt.Errorf("%w: column %s is not queryable", ErrInvalidQuery, column)
	}
	if field, ok := systemFields[pd.QueryName]; ok {
		return field, nil
	}
	return search.DynamicFieldPrefix + pd.ID, nil
}

func compareClause(field, op string, value *Literal) (string, error) {
	raw := search.EscapeQueryChars(value.Raw())
	switch op {
	case "=":
		return field + ":" + raw, nil
	case "<>":
		return negate(field + ":" + raw), nil
	case ">":
		return field + ":{" + raw + " TO *}", nil
	case ">=":
		return field + ":[" + raw + " TO *]", nil
	case "<":
		return field + ":{* TO " + raw + "}", nil
	case "<=":
		return field + ":[* TO " + raw + "]", nil
	}
	return "", fmt.Errorf("%w: unsupported operator %s", ErrInvalidQuery, op)
}

func disjunction(field string, values []*Literal) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = field + ":" + search.EscapeQueryChars(v.Raw())
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// negate wraps a clause so pure negation still matches against the full
// document set.
func negate(clause string) string {
	return "(*:* -" + clause + ")"
}
