package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"packetlens/internal/models"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindScalar
	KindLayer
	KindItem
	KindPacket
	KindFunc
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindLayer:
		return "layer"
	case KindItem:
		return "item"
	case KindPacket:
		return "packet"
	case KindFunc:
		return "func"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Func is a callable value. Globals and bound string methods are Funcs.
type Func func(args ...Value) Value

// Value is the result of evaluating a filter expression.
type Value struct {
	kind Kind
	data any
	// orig keeps the wrapper a scalar was unwrapped from, so that member
	// lookups can still reach its properties.
	orig any
}

// Null is the absent value.
var Null = Value{}

// ValueOf wraps a Go value, selecting the variant from its dynamic type.
func ValueOf(x any) Value {
	switch v := x.(type) {
	case nil:
		return Null
	case Value:
		return v
	case models.Value:
		return ValueOf(v.Data)
	case *models.Layer:
		if v == nil {
			return Null
		}
		return Value{kind: KindLayer, data: v}
	case *models.Item:
		if v == nil {
			return Null
		}
		return Value{kind: KindItem, data: v}
	case *models.Packet:
		if v == nil {
			return Null
		}
		return Value{kind: KindPacket, data: v}
	case Func:
		if v == nil {
			return Null
		}
		return Value{kind: KindFunc, data: v}
	case func(args ...Value) Value:
		if v == nil {
			return Null
		}
		return Value{kind: KindFunc, data: Func(v)}
	}
	return Value{kind: KindScalar, data: x}
}

// unwrapped returns the value a FilterValuer stands for, remembering the
// wrapper.
func unwrapped(x any) Value {
	if mv, isValue := x.(models.Value); isValue {
		return unwrapped(mv.Data)
	}
	fv, ok := x.(models.FilterValuer)
	if !ok {
		if m, isMap := x.(map[string]any); isMap {
			if inner, has := m["_filter"]; has {
				v := ValueOf(inner)
				v.orig = x
				return v
			}
		}
		return ValueOf(x)
	}
	v := ValueOf(fv.FilterValue())
	v.orig = x
	return v
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Layer returns the layer held by v, or nil.
func (v Value) Layer() *models.Layer {
	l, _ := v.data.(*models.Layer)
	return l
}

// Item returns the item held by v, or nil.
func (v Value) Item() *models.Item {
	i, _ := v.data.(*models.Item)
	return i
}

// Packet returns the packet held by v, or nil.
func (v Value) Packet() *models.Packet {
	p, _ := v.data.(*models.Packet)
	return p
}

// Interface returns the underlying Go value. Items yield their data.
func (v Value) Interface() any {
	return v.primitive()
}

// primitive is the operand form of v: items stand for their data.
func (v Value) primitive() any {
	if v.kind == KindItem {
		return v.Item().Value.Data
	}
	return v.data
}

func (v Value) Number() float64 { return toNumber(v.primitive()) }
func (v Value) Int32() int32    { return toInt32(v.primitive()) }
func (v Value) Bool() bool      { return toBoolean(v.primitive()) }
func (v Value) String() string  { return toString(v.primitive()) }

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull, KindFunc:
		return []byte("null"), nil
	case KindLayer:
		return json.Marshal(v.Layer().Namespace())
	case KindPacket:
		return json.Marshal(v.Packet().Seq())
	}
	x := v.primitive()
	if f, ok := x.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return []byte("null"), nil
	}
	return json.Marshal(x)
}

func number(f float64) Value { return Value{kind: KindScalar, data: f} }
func boolean(b bool) Value   { return Value{kind: KindScalar, data: b} }
func str(s string) Value     { return Value{kind: KindScalar, data: s} }

// asFloat converts Go numeric types.
func asFloat(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toNumber(x any) float64 {
	if f, ok := asFloat(x); ok {
		return f
	}
	switch v := x.(type) {
	case nil:
		return 0
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		return stringToNumber(v)
	case models.FilterValuer:
		return toNumber(v.FilterValue())
	case []byte, []any:
		return stringToNumber(toString(v))
	}
	return math.NaN()
}

func stringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return 0
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	lower := strings.ToLower(s)
	if len(lower) > 2 && lower[0] == '0' {
		base := 0
		switch lower[1] {
		case 'x':
			base = 16
		case 'o':
			base = 8
		case 'b':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}
	if strings.ContainsAny(lower, "_xpn") || strings.Contains(lower, "inf") {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// toInt32 follows ECMAScript ToInt32: truncate, wrap modulo 2^32.
func toInt32(x any) int32 {
	f := toNumber(x)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Trunc(f)
	m := math.Mod(f, 1<<32)
	if m < 0 {
		m += 1 << 32
	}
	return int32(uint32(m))
}

func toBoolean(x any) bool {
	if f, ok := asFloat(x); ok {
		return f != 0 && !math.IsNaN(f)
	}
	switch v := x.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case models.FilterValuer:
		return toBoolean(v.FilterValue())
	}
	return true
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e21 || abs < 1e-6 {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toString(x any) string {
	if f, ok := asFloat(x); ok {
		return formatNumber(f)
	}
	switch v := x.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	case models.FilterValuer:
		return toString(v.FilterValue())
	case *models.Layer:
		return "[object Layer]"
	case *models.Packet:
		return "[object Packet]"
	case Func:
		return "function"
	case fmt.Stringer:
		return v.String()
	case []byte:
		parts := make([]string, len(v))
		for i, b := range v {
			parts[i] = strconv.Itoa(int(b))
		}
		return strings.Join(parts, ",")
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			if e != nil {
				parts[i] = toString(e)
			}
		}
		return strings.Join(parts, ",")
	}
	return "[object Object]"
}

type primKind uint8

const (
	primNull primKind = iota
	primBool
	primNumber
	primString
	primObject
)

func classify(x any) primKind {
	if _, ok := asFloat(x); ok {
		return primNumber
	}
	switch x.(type) {
	case nil:
		return primNull
	case bool:
		return primBool
	case string:
		return primString
	}
	return primObject
}

// looseEqual implements the == comparison of the filter language: numbers
// and strings compare by value after coercion, objects by identity.
func looseEqual(a, b any) bool {
	ka, kb := classify(a), classify(b)
	switch {
	case ka == primNull || kb == primNull:
		return ka == kb
	case ka == primObject && kb == primObject:
		return sameObject(a, b)
	case ka == primObject:
		return looseEqual(toPrimitive(a), b)
	case kb == primObject:
		return looseEqual(a, toPrimitive(b))
	case ka == kb && ka == primString:
		return a.(string) == b.(string)
	case ka == kb && ka == primBool:
		return a.(bool) == b.(bool)
	}
	return toNumber(a) == toNumber(b)
}

func toPrimitive(x any) any {
	if fv, ok := x.(models.FilterValuer); ok {
		return fv.FilterValue()
	}
	return toString(x)
}

// sameObject reports object identity. Slices are identical when they share
// the same non-empty backing array and length.
func sameObject(a, b any) bool {
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	switch ra.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	case reflect.Slice:
		// Empty slices have no backing array to identify them by.
		return ra.Len() > 0 && ra.Len() == rb.Len() && ra.Pointer() == rb.Pointer()
	}
	if ra.Type().Comparable() {
		return a == b
	}
	return false
}
