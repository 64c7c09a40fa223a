package store

// ScalarKind is the storage representation of a node property.
type ScalarKind string

const (
	KindString  ScalarKind = "string"
	KindInt     ScalarKind = "int"
	KindFloat   ScalarKind = "float"
	KindBoolean ScalarKind = "boolean"
)

type Property struct {
	Name     string
	Kind     ScalarKind
	List     bool
	Required bool
	Unique   bool
}

// Label describes one node type, for stores that need a declared layout.
type Label struct {
	Name       string
	Properties []Property
}

func (l Label) Property(name string) (Property, bool) {
	for _, p := range l.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}
