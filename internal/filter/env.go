package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"packetlens/internal/models"
)

// Pattern computes the value of a pattern literal for a packet.
type Pattern func(pkt *models.Packet) any

// Env is the static environment a filter is compiled against.
type Env struct {
	// Globals are resolved after packet fields and layer ids.
	Globals map[string]any
	// Patterns maps the source text of pattern literals to their
	// implementation. Pattern literals with no entry evaluate to null.
	Patterns map[string]Pattern
}

// NewEnv returns an empty environment.
func NewEnv() *Env {
	return &Env{Globals: make(map[string]any), Patterns: make(map[string]Pattern)}
}

func (e *Env) global(name string) (any, bool) {
	if e == nil || e.Globals == nil {
		return nil, false
	}
	v, ok := e.Globals[name]
	return v, ok
}

func (e *Env) pattern(src string) Pattern {
	if e == nil || e.Patterns == nil {
		return nil
	}
	return e.Patterns[src]
}

// Register compiles src with CompilePattern and stores it under name.
func (e *Env) Register(name, src string) error {
	p, err := CompilePattern(src)
	if err != nil {
		return err
	}
	if e.Patterns == nil {
		e.Patterns = make(map[string]Pattern)
	}
	e.Patterns[name] = p
	return nil
}

// patternEnv is the shape of the environment pattern programs run against.
// Layers are keyed by id and expose their attributes.
func patternEnv(pkt *models.Packet) map[string]any {
	env := map[string]any{
		"seq":     uint64(0),
		"ts_sec":  int64(0),
		"ts_nsec": int64(0),
		"length":  uint32(0),
		"payload": []byte{},
		"layers":  map[string]any{},
	}
	if pkt == nil {
		return env
	}

	layers := make(map[string]any)
	pkt.Walk(func(l *models.Layer) bool {
		if l.ID() == "" {
			return true
		}
		if _, seen := layers[l.ID()]; seen {
			return true
		}
		attrs := make(map[string]any)
		for k, v := range l.Attrs() {
			attrs[k] = plain(v.Data)
		}
		for _, item := range l.Items() {
			if _, ok := attrs[item.ID]; !ok {
				attrs[item.ID] = plain(item.Value.Data)
			}
		}
		attrs["namespace"] = l.Namespace()
		attrs["name"] = l.Name()
		attrs["summary"] = l.Summary()
		attrs["confidence"] = l.Confidence()
		layers[l.ID()] = attrs
		return true
	})

	env["seq"] = pkt.Seq()
	env["ts_sec"] = pkt.TsSec()
	env["ts_nsec"] = pkt.TsNsec()
	env["length"] = pkt.Length()
	env["payload"] = pkt.Payload()
	env["layers"] = layers
	return env
}

func plain(x any) any {
	if fv, ok := x.(models.FilterValuer); ok {
		return fv.FilterValue()
	}
	return x
}

// CompilePattern compiles an expr-lang program into a Pattern. The program
// sees seq, ts_sec, ts_nsec, length, payload and layers (by layer id).
// Runtime errors make the pattern yield nil.
func CompilePattern(src string) (Pattern, error) {
	program, err := expr.Compile(src, expr.Env(patternEnv(nil)))
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern %q: %w", src, err)
	}
	return programPattern(program), nil
}

func programPattern(program *vm.Program) Pattern {
	return func(pkt *models.Packet) any {
		out, err := expr.Run(program, patternEnv(pkt))
		if err != nil {
			return nil
		}
		return out
	}
}
