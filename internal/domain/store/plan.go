package store

import "fmt"

type Operation int

const (
	OpRead Operation = iota
	OpCreate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

type Comparison string

const (
	CmpEq       Comparison = "eq"
	CmpIn       Comparison = "in"
	CmpContains Comparison = "contains"
)

type Predicate struct {
	Field string
	Cmp   Comparison
	Value any
}

// CountField is the row key delete plans report the number of removed nodes under.
const CountField = "count"

// Plan is a backend-neutral description of one root field. Labels and field
// names have been checked against the schema before a plan is built.
type Plan struct {
	Operation Operation
	Label     string
	Fields    []string
	Where     []Predicate
	Limit     int
	Offset    int
	Input     []map[string]any
}
