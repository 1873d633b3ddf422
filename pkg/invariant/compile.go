package invariant

import (
	"errors"
	"fmt"
	"math"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// RuleSpec is one declarative safety rule as authored in an agent manifest.
// Exactly one form must be used: an expression, a bound (Min and/or Max), a
// rate limit, or a quality floor. Channel names are resolved through the
// binding table at compile time.
type RuleSpec struct {
	Name string `yaml:"name" cbor:"1,keyasint"`
	// Expr is a boolean expression over bound channel names, e.g.
	// "voltage >= 0.8 and voltage <= 1.2". Only conjunctions of
	// comparisons between a channel and a numeric literal are accepted.
	Expr string `yaml:"expr,omitempty" cbor:"2,keyasint,omitempty"`

	Channel string   `yaml:"channel,omitempty" cbor:"3,keyasint,omitempty"`
	Min     *float64 `yaml:"min,omitempty" cbor:"4,keyasint,omitempty"`
	Max     *float64 `yaml:"max,omitempty" cbor:"5,keyasint,omitempty"`
	// MaxRatePerSec caps |d(channel)/dt| between consecutive frames.
	MaxRatePerSec *float64 `yaml:"max-rate-per-sec,omitempty" cbor:"6,keyasint,omitempty"`
	// MinQuality is a floor on a sensor quality score in [0,1].
	MinQuality *float64 `yaml:"min-quality,omitempty" cbor:"7,keyasint,omitempty"`
}

// Bindings maps channel names to VM channel indexes. The candidate actuation
// value is always bound at index 0.
type Bindings map[string]uint8

var (
	ErrTooManyRules    = errors.New("too many rules for one program")
	ErrUnboundChannel  = errors.New("rule references unbound channel")
	ErrAmbiguousRule   = errors.New("rule must use exactly one form")
	ErrUnsupportedExpr = errors.New("unsupported expression construct")
)

// Compile lowers declarative rules to a validated program. Rules keep their
// slice order so a tripped rule id indexes back into the source list.
func Compile(rules []RuleSpec, bind Bindings, failSafe float64) (*Program, error) {
	if len(rules) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %d", ErrTooManyRules, len(rules))
	}
	p := &Program{FailSafe: failSafe}
	for i, r := range rules {
		id := uint8(i)
		switch {
		case r.Expr != "" && r.Channel == "":
			if err := compileExpr(p, r.Expr, bind, id); err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.Name, err)
			}
		case r.Expr == "" && r.Channel != "":
			if err := compileChannelRule(p, r, bind, id); err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.Name, err)
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrAmbiguousRule, r.Name)
		}
	}
	p.Instrs = append(p.Instrs, Instr{Op: OpReturn})
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func compileChannelRule(p *Program, r RuleSpec, bind Bindings, id uint8) error {
	ch, ok := bind[r.Channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnboundChannel, r.Channel)
	}
	forms := 0
	if r.Min != nil || r.Max != nil {
		forms++
		lo, hi := math.Inf(-1), math.Inf(1)
		if r.Min != nil {
			lo = *r.Min
		}
		if r.Max != nil {
			hi = *r.Max
		}
		p.Instrs = append(p.Instrs,
			Instr{Op: OpLoadChannel, Ch: ch},
			Instr{Op: OpCmpInRange, Rule: id, A: lo, B: hi},
		)
	}
	if r.MaxRatePerSec != nil {
		forms++
		p.Instrs = append(p.Instrs, Instr{Op: OpCheckRate, Ch: ch, Rule: id, A: *r.MaxRatePerSec})
	}
	if r.MinQuality != nil {
		forms++
		p.Instrs = append(p.Instrs,
			Instr{Op: OpLoadChannel, Ch: ch},
			Instr{Op: OpCmpInRange, Rule: id, A: *r.MinQuality, B: 1},
		)
	}
	if forms != 1 {
		return fmt.Errorf("%w: %q", ErrAmbiguousRule, r.Name)
	}
	return nil
}

// compileExpr lowers a conjunction of comparisons. The grammar is restricted
// on purpose: no disjunction, no arithmetic, no function calls. Anything the
// closed opcode set cannot express is rejected at compile time rather than
// approximated.
func compileExpr(p *Program, src string, bind Bindings, id uint8) error {
	tree, err := parser.Parse(src)
	if err != nil {
		return err
	}
	return lowerNode(p, tree.Node, bind, id)
}

func lowerNode(p *Program, n ast.Node, bind Bindings, id uint8) error {
	switch node := n.(type) {
	case *ast.BinaryNode:
		switch node.Operator {
		case "and", "&&":
			if err := lowerNode(p, node.Left, bind, id); err != nil {
				return err
			}
			return lowerNode(p, node.Right, bind, id)
		case "<", ">", "<=", ">=":
			return lowerCompare(p, node, bind, id)
		default:
			return fmt.Errorf("%w: operator %q", ErrUnsupportedExpr, node.Operator)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedExpr, n)
	}
}

func lowerCompare(p *Program, node *ast.BinaryNode, bind Bindings, id uint8) error {
	ch, lit, op, err := compareOperands(node, bind)
	if err != nil {
		return err
	}
	p.Instrs = append(p.Instrs, Instr{Op: OpLoadChannel, Ch: ch})
	switch op {
	case "<":
		p.Instrs = append(p.Instrs, Instr{Op: OpCmpLT, Rule: id, A: lit})
	case ">":
		p.Instrs = append(p.Instrs, Instr{Op: OpCmpGT, Rule: id, A: lit})
	case "<=":
		p.Instrs = append(p.Instrs, Instr{Op: OpCmpInRange, Rule: id, A: math.Inf(-1), B: lit})
	case ">=":
		p.Instrs = append(p.Instrs, Instr{Op: OpCmpInRange, Rule: id, A: lit, B: math.Inf(1)})
	}
	return nil
}

// compareOperands normalizes "channel OP literal". A flipped comparison like
// "0.8 <= voltage" is rewritten to "voltage >= 0.8".
func compareOperands(node *ast.BinaryNode, bind Bindings) (uint8, float64, string, error) {
	if ident, ok := node.Left.(*ast.IdentifierNode); ok {
		lit, err := literal(node.Right)
		if err != nil {
			return 0, 0, "", err
		}
		ch, err := lookup(bind, ident.Value)
		return ch, lit, node.Operator, err
	}
	if ident, ok := node.Right.(*ast.IdentifierNode); ok {
		lit, err := literal(node.Left)
		if err != nil {
			return 0, 0, "", err
		}
		ch, err := lookup(bind, ident.Value)
		return ch, lit, flip(node.Operator), err
	}
	return 0, 0, "", fmt.Errorf("%w: comparison needs a channel and a literal", ErrUnsupportedExpr)
}

func lookup(bind Bindings, name string) (uint8, error) {
	ch, ok := bind[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnboundChannel, name)
	}
	return ch, nil
}

func literal(n ast.Node) (float64, error) {
	switch node := n.(type) {
	case *ast.FloatNode:
		return node.Value, nil
	case *ast.IntegerNode:
		return float64(node.Value), nil
	case *ast.UnaryNode:
		if node.Operator == "-" {
			v, err := literal(node.Node)
			return -v, err
		}
	}
	return 0, fmt.Errorf("%w: expected numeric literal, got %T", ErrUnsupportedExpr, n)
}

func flip(op string) string {
	switch op {
	case "<":
		return ">"
	case ">":
		return "<"
	case "<=":
		return ">="
	case ">=":
		return "<="
	}
	return op
}
