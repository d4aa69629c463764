package models

// Value is a generic tagged container for attribute and item data.
// Type is a free-form tag set by the dissector (e.g. "net/ipv4").
type Value struct {
	Data any    `json:"data"`
	Type string `json:"type,omitempty"`
}

// NewValue wraps data without a type tag.
func NewValue(data any) Value {
	return Value{Data: data}
}

// NewTypedValue wraps data with a type tag.
func NewTypedValue(data any, typ string) Value {
	return Value{Data: data, Type: typ}
}

// FilterValuer is implemented by values that display one way but compare
// as another. Filters see FilterValue() instead of the value itself.
type FilterValuer interface {
	FilterValue() any
}

// PropertyGetter is implemented by structured values that expose named
// properties to filters.
type PropertyGetter interface {
	Property(name string) (any, bool)
}
