// Package filter compiles filter expression trees into functions over
// dissected packets.
//
// Evaluation never fails: missing identifiers, absent properties, malformed
// operands and unknown node kinds all evaluate to Null. A compiled Filter
// only reads the packet it is given and may be used from many goroutines at
// once.
package filter

import (
	"encoding/json"
	"math"

	"packetlens/internal/models"
)

type evalFunc func(pkt *models.Packet) Value

// Filter is a compiled expression.
type Filter struct {
	eval evalFunc
}

// Compile builds a Filter from an expression tree. A nil node compiles to a
// filter that always yields Null.
func Compile(node *Node, env *Env) *Filter {
	return &Filter{eval: compile(node, env)}
}

// CompileJSON parses and compiles a JSON expression tree. Malformed input
// yields a filter that always evaluates to Null.
func CompileJSON(data []byte, env *Env) *Filter {
	node, err := Parse(data)
	if err != nil {
		return Compile(nil, env)
	}
	return Compile(node, env)
}

// Eval evaluates the filter against pkt.
func (f *Filter) Eval(pkt *models.Packet) (result Value) {
	if f == nil || f.eval == nil || pkt == nil {
		return Null
	}
	defer func() {
		if r := recover(); r != nil {
			result = Null
		}
	}()
	return f.eval(pkt)
}

// Match reports whether the filter result is truthy for pkt.
func (f *Filter) Match(pkt *models.Packet) bool {
	return f.Eval(pkt).Bool()
}

func evalNull(*models.Packet) Value { return Null }

func compile(n *Node, env *Env) evalFunc {
	if n == nil {
		return evalNull
	}

	switch n.Type {
	case NodeIdentifier:
		return compileIdentifier(n.Name, env)
	case NodeMember:
		return compileMember(n, env)
	case NodeBinary:
		return compileBinary(n, env)
	case NodeLogical:
		return compileLogical(n, env)
	case NodeUnary:
		return compileUnary(n, env)
	case NodeConditional:
		test := compile(n.Test, env)
		cons := compile(n.Consequent, env)
		alt := compile(n.Alternate, env)
		return func(pkt *models.Packet) Value {
			if test(pkt).Bool() {
				return cons(pkt)
			}
			return alt(pkt)
		}
	case NodeCall:
		return compileCall(n, env)
	case NodeLiteral:
		return compileLiteral(n, env)
	}
	return evalNull
}

func compileIdentifier(name string, env *Env) evalFunc {
	return func(pkt *models.Packet) Value {
		if v, ok := packetField(pkt, name); ok {
			return ValueOf(v)
		}
		if l := findLayer(name, pkt.RootLayers()); l != nil {
			return ValueOf(l)
		}
		if name == "$" {
			return ValueOf(pkt)
		}
		if v, ok := env.global(name); ok {
			return ValueOf(v)
		}
		return Null
	}
}

// findLayer searches for a layer by id, checking all siblings before
// descending into any of them.
func findLayer(id string, layers []*models.Layer) *models.Layer {
	for _, l := range layers {
		if l.ID() == id {
			return l
		}
	}
	for _, l := range layers {
		if found := findLayer(id, l.Children()); found != nil {
			return found
		}
	}
	return nil
}

func compileMember(n *Node, env *Env) evalFunc {
	object := compile(n.Object, env)

	var prop evalFunc
	if n.Property != nil && n.Property.Type == NodeIdentifier {
		name := str(n.Property.Name)
		prop = func(*models.Packet) Value { return name }
	} else {
		prop = compile(n.Property, env)
	}

	return func(pkt *models.Packet) Value {
		obj := object(pkt)
		p := prop(pkt)
		if p.IsNull() {
			return Null
		}
		return member(obj, p.String())
	}
}

func compileBinary(n *Node, env *Env) evalFunc {
	left := compile(n.Left, env)
	right := compile(n.Right, env)

	cmp := func(fn func(a, b float64) bool) evalFunc {
		return func(pkt *models.Packet) Value {
			return boolean(fn(left(pkt).Number(), right(pkt).Number()))
		}
	}
	arith := func(fn func(a, b float64) float64) evalFunc {
		return func(pkt *models.Packet) Value {
			return number(fn(left(pkt).Number(), right(pkt).Number()))
		}
	}
	bits := func(fn func(a, b int32) (float64, bool)) evalFunc {
		return func(pkt *models.Packet) Value {
			r, ok := fn(left(pkt).Int32(), right(pkt).Int32())
			if !ok {
				return number(math.NaN())
			}
			return number(r)
		}
	}

	switch n.Operator {
	case ">":
		return cmp(func(a, b float64) bool { return a > b })
	case "<":
		return cmp(func(a, b float64) bool { return a < b })
	case ">=":
		return cmp(func(a, b float64) bool { return a >= b })
	case "<=":
		return cmp(func(a, b float64) bool { return a <= b })
	case "==":
		return func(pkt *models.Packet) Value {
			return boolean(looseEqual(left(pkt).primitive(), right(pkt).primitive()))
		}
	case "!=":
		return func(pkt *models.Packet) Value {
			return boolean(!looseEqual(left(pkt).primitive(), right(pkt).primitive()))
		}
	case "+":
		return arith(func(a, b float64) float64 { return a + b })
	case "-":
		return arith(func(a, b float64) float64 { return a - b })
	case "*":
		return arith(func(a, b float64) float64 { return a * b })
	case "/":
		return arith(func(a, b float64) float64 { return a / b })
	case "%":
		return bits(func(a, b int32) (float64, bool) {
			if b == 0 {
				return 0, false
			}
			return float64(a % b), true
		})
	case "&":
		return bits(func(a, b int32) (float64, bool) { return float64(a & b), true })
	case "|":
		return bits(func(a, b int32) (float64, bool) { return float64(a | b), true })
	case "^":
		return bits(func(a, b int32) (float64, bool) { return float64(a ^ b), true })
	case "<<":
		return bits(func(a, b int32) (float64, bool) { return float64(a << (uint32(b) & 31)), true })
	case ">>":
		return bits(func(a, b int32) (float64, bool) { return float64(a >> (uint32(b) & 31)), true })
	}
	return evalNull
}

func compileLogical(n *Node, env *Env) evalFunc {
	left := compile(n.Left, env)
	right := compile(n.Right, env)

	switch n.Operator {
	case "||":
		return func(pkt *models.Packet) Value {
			if v := left(pkt); v.Bool() {
				return v
			}
			return right(pkt)
		}
	case "&&":
		return func(pkt *models.Packet) Value {
			if v := left(pkt); !v.Bool() {
				return v
			}
			return right(pkt)
		}
	}
	return evalNull
}

func compileUnary(n *Node, env *Env) evalFunc {
	arg := compile(n.Argument, env)

	switch n.Operator {
	case "+":
		return func(pkt *models.Packet) Value { return number(arg(pkt).Number()) }
	case "-":
		return func(pkt *models.Packet) Value { return number(-arg(pkt).Number()) }
	case "!":
		return func(pkt *models.Packet) Value { return boolean(!arg(pkt).Bool()) }
	case "~":
		return func(pkt *models.Packet) Value { return number(float64(^arg(pkt).Int32())) }
	}
	return evalNull
}

func compileCall(n *Node, env *Env) evalFunc {
	callee := compile(n.Callee, env)
	args := make([]evalFunc, len(n.Arguments))
	for i, a := range n.Arguments {
		args[i] = compile(a, env)
	}

	return func(pkt *models.Packet) Value {
		fn := callee(pkt)
		if fn.kind != KindFunc {
			return Null
		}
		values := make([]Value, len(args))
		for i, a := range args {
			values[i] = a(pkt)
		}
		return call(fn.data.(Func), values)
	}
}

func call(fn Func, args []Value) (result Value) {
	defer func() {
		if r := recover(); r != nil {
			result = Null
		}
	}()
	return fn(args...)
}

func compileLiteral(n *Node, env *Env) evalFunc {
	if src, ok := n.patternSource(); ok {
		p := env.pattern(src)
		if p == nil {
			return evalNull
		}
		return func(pkt *models.Packet) Value {
			return ValueOf(p(pkt))
		}
	}

	if len(n.Value) == 0 {
		return evalNull
	}
	var v any
	if err := json.Unmarshal(n.Value, &v); err != nil {
		return evalNull
	}
	lit := ValueOf(v)
	return func(*models.Packet) Value { return lit }
}
