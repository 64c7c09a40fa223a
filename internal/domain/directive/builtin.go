package directive

import "strings"

// StringTransform lifts a string function into a Transform that leaves
// non-string values untouched.
func StringTransform(fn func(string) string) Transform {
	return func(value any) any {
		switch v := value.(type) {
		case string:
			return fn(v)
		case *string:
			if v == nil {
				return value
			}
			out := fn(*v)
			return &out
		default:
			return value
		}
	}
}

var (
	Uppercase = StringTransform(strings.ToUpper)
	Lowercase = StringTransform(strings.ToLower)
	Trim      = StringTransform(strings.TrimSpace)
)

// RegisterBuiltins registers @uppercase, @lowercase and @trim in that order.
func RegisterBuiltins(p *Pipeline) error {
	for _, r := range []registration{
		{name: "uppercase", transform: Uppercase},
		{name: "lowercase", transform: Lowercase},
		{name: "trim", transform: Trim},
	} {
		if err := p.Register(r.name, r.transform); err != nil {
			return err
		}
	}
	return nil
}
