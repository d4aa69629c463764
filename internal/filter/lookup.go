package filter

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf16"

	"packetlens/internal/models"
)

// member resolves object[name].
func member(object Value, name string) Value {
	if name == "" {
		return Null
	}

	switch object.kind {
	case KindLayer:
		layer := object.Layer()
		if attr, ok := layer.Attr(name); ok {
			return unwrapped(attr.Data)
		}
		if item := layer.Item(name); item != nil {
			return ValueOf(item)
		}
		if child := childByID(layer, name); child != nil {
			return ValueOf(child)
		}
	case KindItem:
		if child := object.Item().Item(name); child != nil {
			return ValueOf(child)
		}
	}

	target := object.primitive()
	if object.orig != nil {
		target = object.orig
	}
	if result, ok := property(target, name); ok {
		return unwrapped(result)
	}
	return Null
}

func childByID(layer *models.Layer, id string) *models.Layer {
	for _, child := range layer.Children() {
		if child.ID() == id {
			return child
		}
	}
	return nil
}

// property performs generic property lookup on a Go value.
func property(x any, name string) (any, bool) {
	switch v := x.(type) {
	case nil:
		return nil, false
	case string:
		return stringProperty(v, name)
	case []byte:
		return bufferProperty(v, name)
	case *models.Layer:
		return layerProperty(v, name)
	case *models.Packet:
		return packetField(v, name)
	case map[string]*models.Layer:
		l, ok := v[name]
		return l, ok
	case map[string]models.Value:
		val, ok := v[name]
		return val, ok
	case []*models.Item:
		if name == "length" {
			return len(v), true
		}
		if i, ok := index(name, len(v)); ok {
			return v[i], true
		}
		return nil, false
	case models.PropertyGetter:
		return v.Property(name)
	case map[string]any:
		val, ok := v[name]
		return val, ok
	}
	return reflectProperty(reflect.ValueOf(x), name)
}

func reflectProperty(rv reflect.Value, name string) (any, bool) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if name == "length" {
			return rv.Len(), true
		}
		if i, ok := index(name, rv.Len()); ok {
			return rv.Index(i).Interface(), true
		}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if val.IsValid() {
			return val.Interface(), true
		}
	}
	return nil, false
}

func index(name string, n int) (int, bool) {
	i, err := strconv.Atoi(name)
	if err != nil || i < 0 || i >= n || strconv.Itoa(i) != name {
		return 0, false
	}
	return i, true
}

func packetField(p *models.Packet, name string) (any, bool) {
	switch name {
	case "seq":
		return p.Seq(), true
	case "ts_sec":
		return p.TsSec(), true
	case "ts_nsec":
		return p.TsNsec(), true
	case "length":
		return p.Length(), true
	case "payload":
		return p.Payload(), true
	case "layers":
		return p.Layers(), true
	}
	return nil, false
}

func layerProperty(l *models.Layer, name string) (any, bool) {
	switch name {
	case "namespace":
		return l.Namespace(), true
	case "name":
		return l.Name(), true
	case "id":
		return l.ID(), true
	case "summary":
		return l.Summary(), true
	case "range":
		return l.Range(), true
	case "confidence":
		return l.Confidence(), true
	case "payload":
		if lp := l.LargePayload(); lp != nil {
			return lp.Bytes(), true
		}
		return l.Payload(), true
	case "layers":
		return l.Layers(), true
	case "items":
		return l.Items(), true
	case "attrs":
		return l.Attrs(), true
	}
	return nil, false
}

// stringProperty exposes the properties of a boxed string. Lengths and
// indices count UTF-16 code units.
func stringProperty(s string, name string) (any, bool) {
	switch name {
	case "length":
		return len(utf16.Encode([]rune(s))), true
	case "includes":
		return Func(func(args ...Value) Value {
			return boolean(strings.Contains(s, argString(args, 0)))
		}), true
	case "startsWith":
		return Func(func(args ...Value) Value {
			return boolean(strings.HasPrefix(s, argString(args, 0)))
		}), true
	case "endsWith":
		return Func(func(args ...Value) Value {
			return boolean(strings.HasSuffix(s, argString(args, 0)))
		}), true
	case "indexOf":
		return Func(func(args ...Value) Value {
			i := strings.Index(s, argString(args, 0))
			if i < 0 {
				return number(-1)
			}
			return number(float64(len(utf16.Encode([]rune(s[:i])))))
		}), true
	case "toLowerCase":
		return Func(func(args ...Value) Value { return str(strings.ToLower(s)) }), true
	case "toUpperCase":
		return Func(func(args ...Value) Value { return str(strings.ToUpper(s)) }), true
	case "trim":
		return Func(func(args ...Value) Value { return str(strings.TrimSpace(s)) }), true
	}

	units := utf16.Encode([]rune(s))
	if i, ok := index(name, len(units)); ok {
		return string(utf16.Decode(units[i : i+1])), true
	}
	return nil, false
}

// bufferProperty exposes the properties of a byte buffer: length, indices
// and the read-only subset of the Node.js Buffer methods. Reads outside the
// buffer yield null.
func bufferProperty(b []byte, name string) (any, bool) {
	switch name {
	case "length":
		return len(b), true
	case "slice":
		return Func(func(args ...Value) Value {
			start, end := bufferRange(args, 0, len(b))
			return ValueOf(b[start:end:end])
		}), true
	case "indexOf":
		return Func(func(args ...Value) Value {
			if len(args) == 0 {
				return number(-1)
			}
			var needle []byte
			switch x := args[0].primitive().(type) {
			case string:
				needle = []byte(x)
			case []byte:
				needle = x
			default:
				needle = []byte{byte(toInt32(x))}
			}
			off := argInt(args, 1, 0)
			if off < 0 {
				off = max(len(b)+off, 0)
			}
			if off > len(b) {
				return number(-1)
			}
			i := bytes.Index(b[off:], needle)
			if i < 0 {
				return number(-1)
			}
			return number(float64(off + i))
		}), true
	case "toString":
		return Func(func(args ...Value) Value {
			enc := "utf8"
			if len(args) > 0 && !args[0].IsNull() {
				enc = strings.ToLower(args[0].String())
			}
			start, end := bufferRange(args, 1, len(b))
			part := b[start:end]
			switch enc {
			case "utf8", "utf-8":
				return str(strings.ToValidUTF8(string(part), "\uFFFD"))
			case "hex":
				return str(hex.EncodeToString(part))
			case "base64":
				return str(base64.StdEncoding.EncodeToString(part))
			case "ascii", "latin1", "binary":
				runes := make([]rune, len(part))
				for i, c := range part {
					if enc == "ascii" {
						c &= 0x7f
					}
					runes[i] = rune(c)
				}
				return str(string(runes))
			}
			return Null
		}), true
	case "readUInt8":
		return bufferReader(b, 1, func(p []byte) float64 { return float64(p[0]) }), true
	case "readUInt16BE":
		return bufferReader(b, 2, func(p []byte) float64 { return float64(binary.BigEndian.Uint16(p)) }), true
	case "readUInt32BE":
		return bufferReader(b, 4, func(p []byte) float64 { return float64(binary.BigEndian.Uint32(p)) }), true
	case "readInt8":
		return bufferReader(b, 1, func(p []byte) float64 { return float64(int8(p[0])) }), true
	case "readInt16BE":
		return bufferReader(b, 2, func(p []byte) float64 { return float64(int16(binary.BigEndian.Uint16(p))) }), true
	case "readInt32BE":
		return bufferReader(b, 4, func(p []byte) float64 { return float64(int32(binary.BigEndian.Uint32(p))) }), true
	}

	if i, ok := index(name, len(b)); ok {
		return b[i], true
	}
	return nil, false
}

func bufferReader(b []byte, size int, read func([]byte) float64) Func {
	return func(args ...Value) Value {
		off := argInt(args, 0, 0)
		if off < 0 || off+size > len(b) {
			return Null
		}
		return number(read(b[off : off+size]))
	}
}

// bufferRange resolves the start and end arguments at args[i] and args[i+1]
// the way Buffer.slice does: negative offsets count from the end and both
// are clamped to the buffer.
func bufferRange(args []Value, i, n int) (int, int) {
	clamp := func(x int) int {
		if x < 0 {
			x += n
		}
		return min(max(x, 0), n)
	}
	start := clamp(argInt(args, i, 0))
	end := clamp(argInt(args, i+1, n))
	if end < start {
		end = start
	}
	return start, end
}

// argInt returns args[i] as an integer, or def when it is missing.
func argInt(args []Value, i, def int) int {
	if i >= len(args) || args[i].IsNull() {
		return def
	}
	f := math.Trunc(args[i].Number())
	switch {
	case math.IsNaN(f):
		return 0
	case f > math.MaxInt32:
		return math.MaxInt32
	case f < math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}

func argString(args []Value, i int) string {
	if i >= len(args) {
		return "undefined"
	}
	return args[i].String()
}
