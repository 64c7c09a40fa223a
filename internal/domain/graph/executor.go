package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/astro-web3/graph-gateway/internal/domain/directive"
	"github.com/astro-web3/graph-gateway/internal/domain/store"
)

// Scope is the identity-bound store access an operation runs under.
type Scope interface {
	Run(ctx context.Context, plan *store.Plan) ([]store.Row, error)
	HasRole(role string) bool
}

// Execute runs every root field of op in order and returns the response data.
// The first failing field aborts the operation.
func (s *Schema) Execute(ctx context.Context, op *Operation, sc Scope) (map[string]any, error) {
	rootType := "Query"
	if op.IsMutation() {
		rootType = "Mutation"
	}

	data := map[string]any{}
	for _, field := range collectFields(op.def.SelectionSet, op.variables) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := responseKey(field)
		if field.Name == "__typename" {
			data[key] = rootType
			continue
		}

		value, err := s.resolveRoot(ctx, op, sc, field)
		if err != nil {
			return nil, err
		}
		data[key] = value
	}
	return data, nil
}

func (s *Schema) resolveRoot(ctx context.Context, op *Operation, sc Scope, field *ast.Field) (any, error) {
	root, ok := s.roots[field.Name]
	if !ok {
		return nil, operationErrorf("unknown root field %s", field.Name)
	}
	node := root.node

	if err := authorize(sc, node.Name, node.Roles); err != nil {
		return nil, err
	}

	args := field.ArgumentMap(op.variables)
	plan := &store.Plan{Operation: root.op, Label: node.Name}

	var selected []*ast.Field
	if root.op != store.OpDelete {
		selected = collectFields(field.SelectionSet, op.variables)
		for _, sf := range selected {
			if sf.Name == "__typename" {
				continue
			}
			nf, ok := node.Field(sf.Name)
			if !ok {
				return nil, operationErrorf("unknown field %s.%s", node.Name, sf.Name)
			}
			if err := authorize(sc, node.Name+"."+nf.Name, nf.Roles); err != nil {
				return nil, err
			}
			plan.Fields = append(plan.Fields, nf.Name)
		}
		plan.Fields = lo.Uniq(plan.Fields)
	}

	switch root.op {
	case store.OpRead:
		where, err := s.predicates(sc, node, args["where"])
		if err != nil {
			return nil, err
		}
		plan.Where = where

		plan.Limit = s.maxLimit
		if raw, ok := args["limit"]; ok && raw != nil {
			limit, ok := toInt(raw)
			if !ok || limit < 0 {
				return nil, operationErrorf("limit must be a non-negative integer")
			}
			plan.Limit = min(limit, s.maxLimit)
		}
		if raw, ok := args["offset"]; ok && raw != nil {
			offset, ok := toInt(raw)
			if !ok || offset < 0 {
				return nil, operationErrorf("offset must be a non-negative integer")
			}
			plan.Offset = offset
		}
		if plan.Limit == 0 {
			return []any{}, nil
		}
	case store.OpCreate:
		input, err := s.createInput(sc, node, args["input"])
		if err != nil {
			return nil, err
		}
		if len(input) == 0 {
			return []any{}, nil
		}
		plan.Input = input
	case store.OpDelete:
		where, err := s.predicates(sc, node, args["where"])
		if err != nil {
			return nil, err
		}
		plan.Where = where
	}

	rows, err := sc.Run(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field.Name, err)
	}

	if root.op == store.OpDelete {
		if len(rows) == 0 {
			return int64(0), nil
		}
		count, ok := toInt(rows[0][store.CountField])
		if !ok {
			return nil, fmt.Errorf("%s: store returned no count", field.Name)
		}
		return int64(count), nil
	}

	return s.complete(ctx, node, selected, rows)
}

// complete turns store rows into response objects through the field
// resolvers, so bound directives run on every value.
func (s *Schema) complete(ctx context.Context, node *Node, selected []*ast.Field, rows []store.Row) ([]any, error) {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]any, len(selected))
		for _, sf := range selected {
			key := responseKey(sf)
			if sf.Name == "__typename" {
				obj[key] = node.Name
				continue
			}
			nf, _ := node.Field(sf.Name)
			value, err := nf.resolve(ctx, directive.ResolveParams{
				Source:    row,
				TypeName:  node.Name,
				FieldName: nf.Name,
			})
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", node.Name, nf.Name, err)
			}
			obj[key] = value
		}
		out = append(out, obj)
	}
	return out, nil
}

// predicates converts a Where argument into predicates sorted by filter key.
// Filters set to null are ignored.
func (s *Schema) predicates(sc Scope, node *Node, raw any) ([]store.Predicate, error) {
	where, _ := raw.(map[string]any)
	keys := lo.Keys(where)
	sort.Strings(keys)

	var preds []store.Predicate
	for _, key := range keys {
		value := where[key]
		if value == nil {
			continue
		}
		pred, ok := node.where[key]
		if !ok {
			return nil, operationErrorf("unknown filter %s on %s", key, whereName(node.Name))
		}
		nf, _ := node.Field(pred.Field)
		if err := authorize(sc, node.Name+"."+nf.Name, nf.Roles); err != nil {
			return nil, err
		}

		var err error
		if pred.Cmp == store.CmpIn {
			pred.Value, err = coerceValue(&NodeField{Kind: nf.Kind, List: true}, value)
		} else {
			pred.Value, err = coerceScalar(nf.Kind, value)
		}
		if err != nil {
			return nil, operationErrorf("filter %s: %s", key, err.Error())
		}
		preds = append(preds, pred)
	}
	return preds, nil
}

func (s *Schema) createInput(sc Scope, node *Node, raw any) ([]map[string]any, error) {
	items, _ := raw.([]any)
	idField := node.idField()

	input := make([]map[string]any, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, operationErrorf("input[%d] must be an object", i)
		}

		props := make(map[string]any, len(fields)+1)
		for name, value := range fields {
			nf, ok := node.Field(name)
			if !ok {
				return nil, operationErrorf("unknown field %s in %s", name, createInputName(node.Name))
			}
			if err := authorize(sc, node.Name+"."+nf.Name, nf.Roles); err != nil {
				return nil, err
			}
			c, err := coerceValue(nf, value)
			if err != nil {
				return nil, operationErrorf("input[%d].%s: %s", i, name, err.Error())
			}
			if c != nil {
				props[name] = c
			}
		}

		if idField != nil {
			if id, _ := props[idField.Name].(string); id == "" {
				props[idField.Name] = uuid.NewString()
			}
		}
		input = append(input, props)
	}
	return input, nil
}

// authorize passes when roles is empty or the scope holds any of them.
func authorize(sc Scope, what string, roles []string) error {
	if len(roles) == 0 {
		return nil
	}
	for _, role := range roles {
		if sc.HasRole(role) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s requires one of the roles %s", ErrForbidden, what, strings.Join(roles, ", "))
}
