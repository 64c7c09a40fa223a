// Package directive binds named schema annotations to field value transforms.
//
// Transforms are registered once, bound to schema fields once at schema build
// time, and then applied to every resolution of a bound field in registration
// order.
package directive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
)

// Transform post-processes a resolved field value. It must be total: values
// of a type it does not handle are returned unchanged.
type Transform func(value any) any

// ResolveParams describes one field resolution.
type ResolveParams struct {
	Source    any
	Args      map[string]any
	TypeName  string
	FieldName string
}

type Resolver func(ctx context.Context, p ResolveParams) (any, error)

type registration struct {
	name      string
	transform Transform
}

type Pipeline struct {
	mu            sync.Mutex
	registrations []registration
}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Register adds a transform for @name. Names must be unique.
func (p *Pipeline) Register(name string, transform Transform) error {
	if name == "" || transform == nil {
		return fmt.Errorf("directive name and transform are required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.registrations {
		if r.name == name {
			return fmt.Errorf("directive @%s already registered", name)
		}
	}
	p.registrations = append(p.registrations, registration{name: name, transform: transform})
	return nil
}

// Definitions returns the SDL declaring every registered directive.
func (p *Pipeline) Definitions() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sb strings.Builder
	for _, r := range p.registrations {
		fmt.Fprintf(&sb, "directive @%s on FIELD_DEFINITION\n", r.name)
	}
	return sb.String()
}

// Apply scans the object fields of schema and returns the resulting bindings.
func (p *Pipeline) Apply(schema *ast.Schema) *Bindings {
	p.mu.Lock()
	registrations := append([]registration(nil), p.registrations...)
	p.mu.Unlock()

	b := &Bindings{fields: map[fieldKey][]Transform{}}

	names := make([]string, 0, len(schema.Types))
	for name := range schema.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := schema.Types[name]
		if def.Kind != ast.Object || def.BuiltIn {
			continue
		}
		for _, field := range def.Fields {
			var transforms []Transform
			var applied []string
			for _, r := range registrations {
				if field.Directives.ForName(r.name) != nil {
					transforms = append(transforms, r.transform)
					applied = append(applied, r.name)
				}
			}
			if len(transforms) == 0 {
				continue
			}
			key := fieldKey{typeName: def.Name, fieldName: field.Name}
			b.fields[key] = transforms
			b.names = append(b.names, Binding{TypeName: def.Name, FieldName: field.Name, Directives: applied})
		}
	}

	return b
}

type fieldKey struct {
	typeName  string
	fieldName string
}

// Binding records which directives apply to a field, for diagnostics.
type Binding struct {
	TypeName   string
	FieldName  string
	Directives []string
}

// Bindings is the fixed (field, transforms) table produced by Apply.
// It is read-only and safe for concurrent use.
type Bindings struct {
	fields map[fieldKey][]Transform
	names  []Binding
}

func (b *Bindings) List() []Binding {
	return append([]Binding(nil), b.names...)
}

// Wrap returns resolver with the field's transforms applied to its output, or
// resolver itself when the field has none.
func (b *Bindings) Wrap(typeName, fieldName string, resolver Resolver) Resolver {
	transforms := b.fields[fieldKey{typeName: typeName, fieldName: fieldName}]
	if len(transforms) == 0 {
		return resolver
	}
	return func(ctx context.Context, p ResolveParams) (any, error) {
		value, err := resolver(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, t := range transforms {
			value = t(value)
		}
		return value, nil
	}
}
