package graph

import (
	"errors"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/validator"
)

// Operation is a parsed, validated operation with coerced variables.
type Operation struct {
	Name string
	Type ast.Operation

	def       *ast.OperationDefinition
	variables map[string]any
}

func (o *Operation) IsMutation() bool {
	return o.Type == ast.Mutation
}

// Prepare parses and validates query against the schema and selects the
// operation to run. Every failure matches ErrInvalidOperation.
func (s *Schema) Prepare(query, operationName string, variables map[string]any) (*Operation, error) {
	if strings.TrimSpace(query) == "" {
		return nil, operationErrorf("no query document")
	}

	doc, errs := gqlparser.LoadQuery(s.ast, query)
	if len(errs) > 0 {
		return nil, &OperationError{List: errs}
	}

	def := doc.Operations.ForName(operationName)
	if def == nil {
		if operationName == "" {
			return nil, operationErrorf("operation name is required when the document has several operations")
		}
		return nil, operationErrorf("operation %q not found", operationName)
	}
	if def.Operation == ast.Subscription {
		return nil, operationErrorf("subscriptions are not supported")
	}

	if variables == nil {
		variables = map[string]any{}
	}
	coerced, verr := validator.VariableValues(s.ast, def, variables)
	if verr != nil {
		var gerr *gqlerror.Error
		if errors.As(verr, &gerr) {
			return nil, &OperationError{List: gqlerror.List{gerr}}
		}
		return nil, operationErrorf("%s", verr.Error())
	}

	op := &Operation{
		Name:      def.Name,
		Type:      def.Operation,
		def:       def,
		variables: coerced,
	}

	for _, field := range collectFields(def.SelectionSet, op.variables) {
		switch field.Name {
		case "__schema", "__type":
			return nil, operationErrorf("introspection is not supported")
		}
	}

	return op, nil
}

// collectFields flattens a selection set into its fields, honoring @skip,
// @include and fragments. Fields sharing a response key are merged.
func collectFields(set ast.SelectionSet, vars map[string]any) []*ast.Field {
	var out []*ast.Field
	seen := map[string]bool{}

	var walk func(ast.SelectionSet)
	walk = func(set ast.SelectionSet) {
		for _, sel := range set {
			switch sel := sel.(type) {
			case *ast.Field:
				if !included(sel.Directives, vars) {
					continue
				}
				key := responseKey(sel)
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, sel)
			case *ast.InlineFragment:
				if included(sel.Directives, vars) {
					walk(sel.SelectionSet)
				}
			case *ast.FragmentSpread:
				if included(sel.Directives, vars) && sel.Definition != nil {
					walk(sel.Definition.SelectionSet)
				}
			}
		}
	}
	walk(set)

	return out
}

func included(directives ast.DirectiveList, vars map[string]any) bool {
	if d := directives.ForName("skip"); d != nil {
		if skip, _ := d.ArgumentMap(vars)["if"].(bool); skip {
			return false
		}
	}
	if d := directives.ForName("include"); d != nil {
		if include, _ := d.ArgumentMap(vars)["if"].(bool); !include {
			return false
		}
	}
	return true
}

func responseKey(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}
