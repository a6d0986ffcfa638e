package extract

// Kind is the expected JSON type of a field.
type Kind int

const (
	String Kind = iota
	Number
	Bool
	Object
	Array
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "boolean"
	case Object:
		return "object"
	case Array:
		return "array"
	}
	return "unknown"
}

// Field describes one member of the expected payload.
//
// Enum fields are strings restricted to Enum; an unrecognised or missing
// value becomes Default rather than an error. For Object fields, Fields
// lists the members; for Array fields, Fields describes each item (which
// must then be an object) and MaxItems, when positive, truncates the list.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	Nullable bool
	Enum     []string
	Default  string
	Fields   []Field
	MaxItems int
}

// Schema is the expected shape of a terminal response. The top level is
// always an object. When WrapArray is set, a bare top-level array is
// accepted as the value of that field.
type Schema struct {
	Fields    []Field
	WrapArray string
}
