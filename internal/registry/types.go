package registry

import "strings"

// TypeKind names a node in a parameter type tree.
type TypeKind string

const (
	TypeStr      TypeKind = "str"
	TypeInt      TypeKind = "int"
	TypeFloat    TypeKind = "float"
	TypeBool     TypeKind = "bool"
	TypeDatetime TypeKind = "datetime"
	TypeUnknown  TypeKind = "unknown"

	TypeOptional TypeKind = "optional"
	TypeUnion    TypeKind = "union"
	TypeList     TypeKind = "list"
	TypeTuple    TypeKind = "tuple"
	TypeDict     TypeKind = "dict"
	TypeLiteral  TypeKind = "literal"
	TypeEnum     TypeKind = "enum"
)

// TypeDesc is a recursive type descriptor. Leaves carry just a kind;
// container nodes reference their element types; literal and enum nodes
// carry their admissible values. The tree serializes as-is into the
// task-type metadata the UI consumes.
type TypeDesc struct {
	Kind TypeKind `json:"kind"`

	// Elem is the inner type of optional and list nodes, and the value
	// type of dict nodes.
	Elem *TypeDesc `json:"elem,omitempty"`
	// Key is the key type of dict nodes.
	Key *TypeDesc `json:"key,omitempty"`
	// Args are union members or tuple item types, in order.
	Args []*TypeDesc `json:"args,omitempty"`
	// Values are the admissible values of a literal node.
	Values []any `json:"values,omitempty"`
	// Name identifies an enum node; Choices are its member names.
	Name    string   `json:"name,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

func Str() *TypeDesc      { return &TypeDesc{Kind: TypeStr} }
func Int() *TypeDesc      { return &TypeDesc{Kind: TypeInt} }
func Float() *TypeDesc    { return &TypeDesc{Kind: TypeFloat} }
func Bool() *TypeDesc     { return &TypeDesc{Kind: TypeBool} }
func Datetime() *TypeDesc { return &TypeDesc{Kind: TypeDatetime} }
func Unknown() *TypeDesc  { return &TypeDesc{Kind: TypeUnknown} }

// Optional marks a type whose value may be null.
func Optional(elem *TypeDesc) *TypeDesc {
	return &TypeDesc{Kind: TypeOptional, Elem: elem}
}

// Union describes a value admitting several alternative types.
func Union(args ...*TypeDesc) *TypeDesc {
	return &TypeDesc{Kind: TypeUnion, Args: args}
}

// List describes a homogeneous sequence.
func List(elem *TypeDesc) *TypeDesc {
	return &TypeDesc{Kind: TypeList, Elem: elem}
}

// TupleOf describes a fixed-shape sequence.
func TupleOf(args ...*TypeDesc) *TypeDesc {
	return &TypeDesc{Kind: TypeTuple, Args: args}
}

// Dict describes a mapping.
func Dict(key, value *TypeDesc) *TypeDesc {
	return &TypeDesc{Kind: TypeDict, Key: key, Elem: value}
}

// Literal describes a value restricted to the given alternatives.
func Literal(values ...any) *TypeDesc {
	return &TypeDesc{Kind: TypeLiteral, Values: values}
}

// Enum describes a named enumeration with its member names.
func Enum(name string, choices ...string) *TypeDesc {
	return &TypeDesc{Kind: TypeEnum, Name: name, Choices: choices}
}

// unwrap peels optional wrappers to the inner type.
func (t *TypeDesc) unwrap() *TypeDesc {
	for t != nil && t.Kind == TypeOptional && t.Elem != nil {
		t = t.Elem
	}
	return t
}

// IsOptional reports whether the descriptor admits null.
func (t *TypeDesc) IsOptional() bool {
	return t != nil && t.Kind == TypeOptional
}

// String renders the tree in the compact angle-bracket notation the
// task-info output uses, e.g. "optional<list<str>>".
func (t *TypeDesc) String() string {
	if t == nil {
		return string(TypeUnknown)
	}
	switch t.Kind {
	case TypeOptional:
		return "optional<" + t.Elem.String() + ">"
	case TypeList:
		return "list<" + t.Elem.String() + ">"
	case TypeDict:
		return "dict<" + t.Key.String() + "," + t.Elem.String() + ">"
	case TypeUnion:
		return "union<" + joinTypes(t.Args) + ">"
	case TypeTuple:
		return "tuple<" + joinTypes(t.Args) + ">"
	case TypeLiteral:
		return string(TypeLiteral)
	case TypeEnum:
		if t.Name != "" {
			return "enum:" + t.Name
		}
		return string(TypeEnum)
	default:
		return string(t.Kind)
	}
}

func joinTypes(args []*TypeDesc) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}
