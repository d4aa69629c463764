package filter

import (
	"encoding/json"
	"fmt"
)

// Node kinds understood by Compile.
const (
	NodeIdentifier  = "Identifier"
	NodeMember      = "MemberExpression"
	NodeBinary      = "BinaryExpression"
	NodeLogical     = "LogicalExpression"
	NodeUnary       = "UnaryExpression"
	NodeConditional = "ConditionalExpression"
	NodeCall        = "CallExpression"
	NodeLiteral     = "Literal"
)

// Node is one node of a parsed filter expression, in the JSON form produced
// by the filter grammar. Only the fields relevant to Type are set.
type Node struct {
	Type string `json:"type"`

	// Identifier
	Name string `json:"name,omitempty"`

	// Binary, Logical, Unary
	Operator string `json:"operator,omitempty"`
	Left     *Node  `json:"left,omitempty"`
	Right    *Node  `json:"right,omitempty"`
	Argument *Node  `json:"argument,omitempty"`

	// Member
	Object   *Node `json:"object,omitempty"`
	Property *Node `json:"property,omitempty"`

	// Call
	Callee    *Node   `json:"callee,omitempty"`
	Arguments []*Node `json:"arguments,omitempty"`

	// Conditional
	Test       *Node `json:"test,omitempty"`
	Consequent *Node `json:"consequent,omitempty"`
	Alternate  *Node `json:"alternate,omitempty"`

	// Literal. Regex is set for pattern literals.
	Value json.RawMessage `json:"value,omitempty"`
	Regex json.RawMessage `json:"regex,omitempty"`
}

// Parse decodes a JSON expression tree.
func Parse(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	if n.Type == "" {
		return nil, fmt.Errorf("parse filter: missing node type")
	}
	return &n, nil
}

// Ident builds an Identifier node.
func Ident(name string) *Node {
	return &Node{Type: NodeIdentifier, Name: name}
}

// Member builds a MemberExpression node for object.property.
func Member(object *Node, property string) *Node {
	return &Node{Type: NodeMember, Object: object, Property: Ident(property)}
}

// Lit builds a plain Literal node holding v.
func Lit(v any) *Node {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte("null")
	}
	return &Node{Type: NodeLiteral, Value: raw}
}

// Binary builds a BinaryExpression node.
func Binary(op string, left, right *Node) *Node {
	return &Node{Type: NodeBinary, Operator: op, Left: left, Right: right}
}

// patternSource returns the source text of a pattern literal and whether n
// is one.
func (n *Node) patternSource() (string, bool) {
	if len(n.Regex) == 0 || string(n.Regex) == "null" {
		return "", false
	}
	var src string
	if err := json.Unmarshal(n.Value, &src); err == nil && src != "" {
		return src, true
	}
	var re struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(n.Regex, &re); err == nil {
		return re.Pattern, true
	}
	return "", true
}
