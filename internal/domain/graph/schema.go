// Package graph turns a node-type schema into a queryable GraphQL schema and
// executes operations against it as backend-neutral store plans.
package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/jinzhu/inflection"
	"github.com/samber/lo"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"

	"github.com/astro-web3/graph-gateway/internal/domain/directive"
	"github.com/astro-web3/graph-gateway/internal/domain/store"
)

const (
	directiveID      = "id"
	directiveUnique  = "unique"
	directiveHasRole = "hasRole"

	defaultMaxLimit = 100
)

var gatewayPrelude = &ast.Source{
	Name: "gateway.graphql",
	Input: `directive @id on FIELD_DEFINITION
directive @unique on FIELD_DEFINITION
directive @hasRole(roles: [String!]!) on OBJECT | FIELD_DEFINITION
`,
}

var scalarKinds = map[string]store.ScalarKind{
	"String":  store.KindString,
	"ID":      store.KindString,
	"Int":     store.KindInt,
	"Float":   store.KindFloat,
	"Boolean": store.KindBoolean,
}

type Options struct {
	// MaxLimit caps the number of rows a read returns. Zero means 100.
	MaxLimit int
}

// Node is one user-declared object type.
type Node struct {
	Name   string
	Plural string
	Fields []*NodeField
	Roles  []string

	byName map[string]*NodeField
	where  map[string]store.Predicate
}

func (n *Node) Field(name string) (*NodeField, bool) {
	f, ok := n.byName[name]
	return f, ok
}

func (n *Node) idField() *NodeField {
	for _, f := range n.Fields {
		if f.ID {
			return f
		}
	}
	return nil
}

type NodeField struct {
	Name     string
	TypeName string
	Kind     store.ScalarKind
	List     bool
	NonNull  bool
	ID       bool
	Unique   bool
	Roles    []string

	resolve directive.Resolver
}

type rootField struct {
	node *Node
	op   store.Operation
}

// Schema is the loaded, validated schema. It is immutable and safe for
// concurrent use.
type Schema struct {
	ast      *ast.Schema
	nodes    []*Node
	roots    map[string]rootField
	bindings *directive.Bindings
	maxLimit int
}

// LoadSchema parses the node-type SDL, generates root query and mutation
// fields for every node type and binds the pipeline's directives.
func LoadSchema(sdl string, pipeline *directive.Pipeline, opts Options) (*Schema, error) {
	user, perr := parser.ParseSchema(&ast.Source{Name: "schema.graphql", Input: sdl})
	if perr != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", perr)
	}
	if err := checkUserDocument(user); err != nil {
		return nil, err
	}

	doc, perr := parser.ParseSchemas(
		validator.Prelude,
		gatewayPrelude,
		&ast.Source{Name: "directives.graphql", Input: pipeline.Definitions()},
		&ast.Source{Name: "schema.graphql", Input: sdl},
	)
	if perr != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", perr)
	}

	doc.Definitions = append(doc.Definitions, generateRoots(user)...)

	loaded, verr := validator.ValidateSchemaDocument(doc)
	if verr != nil {
		return nil, fmt.Errorf("failed to validate schema: %w", verr)
	}

	s := &Schema{
		ast:      loaded,
		roots:    map[string]rootField{},
		bindings: pipeline.Apply(loaded),
		maxLimit: opts.MaxLimit,
	}
	if s.maxLimit <= 0 {
		s.maxLimit = defaultMaxLimit
	}

	for _, def := range user.Definitions {
		if def.Kind != ast.Object {
			continue
		}
		node := s.buildNode(loaded.Types[def.Name])
		s.nodes = append(s.nodes, node)
		s.roots[queryName(node.Plural)] = rootField{node: node, op: store.OpRead}
		s.roots[createName(node.Plural)] = rootField{node: node, op: store.OpCreate}
		s.roots[deleteName(node.Plural)] = rootField{node: node, op: store.OpDelete}
	}

	return s, nil
}

// Nodes returns the declared node types in declaration order.
func (s *Schema) Nodes() []*Node {
	return slices.Clone(s.nodes)
}

// Labels describes the node types for stores that migrate a layout.
func (s *Schema) Labels() []store.Label {
	return lo.Map(s.nodes, func(n *Node, _ int) store.Label {
		return store.Label{
			Name: n.Name,
			Properties: lo.Map(n.Fields, func(f *NodeField, _ int) store.Property {
				return store.Property{
					Name:     f.Name,
					Kind:     f.Kind,
					List:     f.List,
					Required: f.NonNull,
					Unique:   f.Unique || f.ID,
				}
			}),
		}
	})
}

func (s *Schema) Bindings() []directive.Binding {
	return s.bindings.List()
}

// AST exposes the validated schema, for transports that print it.
func (s *Schema) AST() *ast.Schema {
	return s.ast
}

func (s *Schema) buildNode(def *ast.Definition) *Node {
	node := &Node{
		Name:   def.Name,
		Plural: inflection.Plural(def.Name),
		Roles:  roleList(def.Directives),
		byName: map[string]*NodeField{},
		where:  map[string]store.Predicate{},
	}

	for _, fd := range def.Fields {
		f := &NodeField{
			Name:     fd.Name,
			TypeName: fd.Type.Name(),
			Kind:     kindOf(fd.Type.Name()),
			List:     fd.Type.Elem != nil,
			NonNull:  fd.Type.NonNull,
			ID:       fd.Directives.ForName(directiveID) != nil,
			Unique:   fd.Directives.ForName(directiveUnique) != nil,
			Roles:    roleList(fd.Directives),
		}
		f.resolve = s.bindings.Wrap(def.Name, fd.Name, defaultResolver(f))

		node.Fields = append(node.Fields, f)
		node.byName[f.Name] = f

		if f.List {
			continue
		}
		node.where[f.Name] = store.Predicate{Field: f.Name, Cmp: store.CmpEq}
		node.where[f.Name+"_in"] = store.Predicate{Field: f.Name, Cmp: store.CmpIn}
		if f.TypeName == "String" || f.TypeName == "ID" {
			node.where[f.Name+"_contains"] = store.Predicate{Field: f.Name, Cmp: store.CmpContains}
		}
	}

	return node
}

func defaultResolver(f *NodeField) directive.Resolver {
	return func(_ context.Context, p directive.ResolveParams) (any, error) {
		row, _ := p.Source.(store.Row)
		return coerceValue(f, row[f.Name])
	}
}

func kindOf(typeName string) store.ScalarKind {
	if kind, ok := scalarKinds[typeName]; ok {
		return kind
	}
	// Enums are stored by value name.
	return store.KindString
}

func roleList(directives ast.DirectiveList) []string {
	d := directives.ForName(directiveHasRole)
	if d == nil {
		return nil
	}
	arg := d.Arguments.ForName("roles")
	if arg == nil || arg.Value == nil {
		return nil
	}
	var roles []string
	for _, child := range arg.Value.Children {
		roles = append(roles, child.Value.Raw)
	}
	// A single string is accepted for a list argument.
	if len(roles) == 0 && arg.Value.Kind == ast.StringValue {
		roles = append(roles, arg.Value.Raw)
	}
	return roles
}

func queryName(plural string) string  { return lo.CamelCase(plural) }
func createName(plural string) string { return "create" + lo.PascalCase(plural) }
func deleteName(plural string) string { return "delete" + lo.PascalCase(plural) }

func whereName(name string) string       { return name + "Where" }
func createInputName(name string) string { return name + "CreateInput" }

// checkUserDocument rejects everything but node object types and enums.
func checkUserDocument(doc *ast.SchemaDocument) error {
	if len(doc.Schema) > 0 || len(doc.SchemaExtension) > 0 {
		return fmt.Errorf("schema definitions are generated and must not be declared")
	}
	if len(doc.Extensions) > 0 {
		return fmt.Errorf("type extensions are not supported")
	}

	declared := map[string]*ast.Definition{}
	for _, def := range doc.Definitions {
		declared[def.Name] = def
	}

	roots := map[string]string{}
	for _, def := range doc.Definitions {
		switch def.Name {
		case "Query", "Mutation", "Subscription":
			return fmt.Errorf("type %s is generated and must not be declared", def.Name)
		}

		switch def.Kind {
		case ast.Enum:
			continue
		case ast.Object:
		default:
			return fmt.Errorf("type %s: %s definitions are not supported", def.Name, def.Kind)
		}

		if len(def.Fields) == 0 {
			return fmt.Errorf("type %s declares no fields", def.Name)
		}

		ids := 0
		for _, f := range def.Fields {
			if len(f.Arguments) > 0 {
				return fmt.Errorf("field %s.%s: arguments are not supported", def.Name, f.Name)
			}
			if f.Type.Elem != nil && f.Type.Elem.Elem != nil {
				return fmt.Errorf("field %s.%s: nested lists are not supported", def.Name, f.Name)
			}
			named := f.Type.Name()
			if _, ok := scalarKinds[named]; !ok {
				other, ok := declared[named]
				if !ok || other.Kind != ast.Enum {
					return fmt.Errorf("field %s.%s: type %s is not a scalar or enum", def.Name, f.Name, named)
				}
			}
			if f.Directives.ForName(directiveID) != nil {
				ids++
				if f.Type.Elem != nil || (named != "ID" && named != "String") {
					return fmt.Errorf("field %s.%s: @id requires an ID or String field", def.Name, f.Name)
				}
			}
		}
		if ids > 1 {
			return fmt.Errorf("type %s declares more than one @id field", def.Name)
		}

		plural := inflection.Plural(def.Name)
		for _, name := range []string{queryName(plural), createName(plural), deleteName(plural)} {
			if owner, ok := roots[name]; ok {
				return fmt.Errorf("types %s and %s generate the same root field %s", owner, def.Name, name)
			}
			roots[name] = def.Name
		}
	}

	if len(roots) == 0 {
		return fmt.Errorf("schema declares no node types")
	}
	return nil
}

// generateRoots builds the Where and CreateInput input types and the Query and
// Mutation root types for every node type of doc.
func generateRoots(doc *ast.SchemaDocument) ast.DefinitionList {
	var (
		defs      ast.DefinitionList
		queries   ast.FieldList
		mutations ast.FieldList
	)
	for _, def := range doc.Definitions {
		if def.Kind != ast.Object {
			continue
		}

		where := &ast.Definition{Kind: ast.InputObject, Name: whereName(def.Name)}
		create := &ast.Definition{Kind: ast.InputObject, Name: createInputName(def.Name)}
		for _, f := range def.Fields {
			named := f.Type.Name()

			inputType := copyType(f.Type)
			if f.Directives.ForName(directiveID) != nil {
				inputType.NonNull = false
			}
			create.Fields = append(create.Fields, &ast.FieldDefinition{Name: f.Name, Type: inputType})

			if f.Type.Elem != nil {
				continue
			}
			where.Fields = append(where.Fields,
				&ast.FieldDefinition{Name: f.Name, Type: ast.NamedType(named, nil)},
				&ast.FieldDefinition{Name: f.Name + "_in", Type: ast.ListType(ast.NonNullNamedType(named, nil), nil)},
			)
			if named == "String" || named == "ID" {
				where.Fields = append(where.Fields,
					&ast.FieldDefinition{Name: f.Name + "_contains", Type: ast.NamedType(named, nil)},
				)
			}
		}
		defs = append(defs, where, create)

		plural := inflection.Plural(def.Name)
		result := ast.NonNullListType(ast.NonNullNamedType(def.Name, nil), nil)
		queries = append(queries, &ast.FieldDefinition{
			Name: queryName(plural),
			Type: result,
			Arguments: ast.ArgumentDefinitionList{
				{Name: "where", Type: ast.NamedType(where.Name, nil)},
				{Name: "limit", Type: ast.NamedType("Int", nil)},
				{Name: "offset", Type: ast.NamedType("Int", nil)},
			},
		})
		mutations = append(mutations,
			&ast.FieldDefinition{
				Name: createName(plural),
				Type: copyType(result),
				Arguments: ast.ArgumentDefinitionList{
					{Name: "input", Type: ast.NonNullListType(ast.NonNullNamedType(create.Name, nil), nil)},
				},
			},
			&ast.FieldDefinition{
				Name: deleteName(plural),
				Type: ast.NonNullNamedType("Int", nil),
				Arguments: ast.ArgumentDefinitionList{
					{Name: "where", Type: ast.NamedType(where.Name, nil)},
				},
			},
		)
	}

	defs = append(defs,
		&ast.Definition{Kind: ast.Object, Name: "Query", Fields: queries},
		&ast.Definition{Kind: ast.Object, Name: "Mutation", Fields: mutations},
	)
	return defs
}

func copyType(t *ast.Type) *ast.Type {
	if t == nil {
		return nil
	}
	return &ast.Type{NamedType: t.NamedType, Elem: copyType(t.Elem), NonNull: t.NonNull}
}
