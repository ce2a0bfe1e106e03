package rule

import (
	"encoding/json"
	"errors"
	"fmt"

	"intent-trader/internal/indicator"
	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

// ErrRuleEvaluation marks a rule that references data the available
// series cannot provide (unknown indicator, bad params, empty series).
// Surfaced per instrument — "could not evaluate" is distinct from
// "no signal".
var ErrRuleEvaluation = errors.New("rule evaluation")

// EvaluationError wraps a per-instrument evaluation failure.
type EvaluationError struct {
	Instrument string
	Rule       string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule evaluation: rule %q instrument %s: %v", e.Rule, e.Instrument, e.Err)
}

func (e *EvaluationError) Unwrap() error { return ErrRuleEvaluation }

// CmpOp compares two operands at the evaluation bar.
type CmpOp string

const (
	GT CmpOp = "gt"
	GE CmpOp = "ge"
	LT CmpOp = "lt"
	LE CmpOp = "le"
	EQ CmpOp = "eq"

	// CrossAbove holds when left moves from at-or-below right on the
	// previous bar to above it on the evaluation bar (golden cross when
	// both sides are moving averages). CrossBelow is the mirror.
	CrossAbove CmpOp = "cross_above"
	CrossBelow CmpOp = "cross_below"
)

// Operand is one side of a predicate: an indicator reference, a raw bar
// field, or a decimal constant. Offset counts bars back from the
// evaluation bar.
type Operand struct {
	Indicator string           `json:"indicator,omitempty"`
	Params    indicator.Params `json:"params,omitempty"`
	Field     string           `json:"field,omitempty"`
	Const     string           `json:"const,omitempty"`
	Offset    int              `json:"offset,omitempty"`
}

// Node is a rule tree node: either a Predicate leaf or a Combinator.
type Node interface {
	// Eval evaluates the node at the latest bar of env's series.
	Eval(env *Env) (Tristate, error)
}

// Predicate is a leaf comparison between two operands.
type Predicate struct {
	Left  Operand `json:"left"`
	Op    CmpOp   `json:"op"`
	Right Operand `json:"right"`
}

// CombinatorKind tags a boolean combinator node.
type CombinatorKind string

const (
	All CombinatorKind = "all" // conjunction
	Any CombinatorKind = "any" // disjunction
	Not CombinatorKind = "not" // negation, exactly one child
)

// Combinator combines child nodes with short-circuit tristate logic.
type Combinator struct {
	Kind     CombinatorKind
	Children []Node
}

// Eval walks children with short-circuiting: a conjunction stops at the
// first definite false, a disjunction at the first definite true.
// Indeterminate children keep the branch indeterminate, never false.
func (c *Combinator) Eval(env *Env) (Tristate, error) {
	switch c.Kind {
	case All:
		result := True
		for _, child := range c.Children {
			v, err := child.Eval(env)
			if err != nil {
				return Indeterminate, err
			}
			if v == False {
				return False, nil
			}
			result = result.And(v)
		}
		return result, nil
	case Any:
		result := False
		for _, child := range c.Children {
			v, err := child.Eval(env)
			if err != nil {
				return Indeterminate, err
			}
			if v == True {
				return True, nil
			}
			result = result.Or(v)
		}
		return result, nil
	case Not:
		if len(c.Children) != 1 {
			return Indeterminate, fmt.Errorf("not combinator needs exactly one child, got %d", len(c.Children))
		}
		v, err := c.Children[0].Eval(env)
		if err != nil {
			return Indeterminate, err
		}
		return v.Not(), nil
	default:
		return Indeterminate, fmt.Errorf("unknown combinator %q", c.Kind)
	}
}

// Eval resolves both operands and compares them. Any operand without a
// defined value yields indeterminate; cross operators additionally need
// both operands defined on the previous bar.
func (p *Predicate) Eval(env *Env) (Tristate, error) {
	left, leftOK, err := env.resolve(p.Left, 0)
	if err != nil {
		return Indeterminate, err
	}
	right, rightOK, err := env.resolve(p.Right, 0)
	if err != nil {
		return Indeterminate, err
	}

	switch p.Op {
	case CrossAbove, CrossBelow:
		if !leftOK || !rightOK {
			return Indeterminate, nil
		}
		prevLeft, prevLeftOK, err := env.resolve(p.Left, 1)
		if err != nil {
			return Indeterminate, err
		}
		prevRight, prevRightOK, err := env.resolve(p.Right, 1)
		if err != nil {
			return Indeterminate, err
		}
		// A side undefined on the previous bar counts as "was not
		// above" (and "was not below"): the first bar where both sides
		// exist can itself be the crossing bar. A slow moving average
		// crossed on the bar it becomes defined fires there, not never.
		wasNotAbove := !prevLeftOK || !prevRightOK || prevLeft.LessThanOrEqual(prevRight)
		wasNotBelow := !prevLeftOK || !prevRightOK || prevLeft.GreaterThanOrEqual(prevRight)
		if p.Op == CrossAbove {
			return boolTri(left.GreaterThan(right) && wasNotAbove), nil
		}
		return boolTri(left.LessThan(right) && wasNotBelow), nil
	}

	if !leftOK || !rightOK {
		return Indeterminate, nil
	}
	switch p.Op {
	case GT:
		return boolTri(left.GreaterThan(right)), nil
	case GE:
		return boolTri(left.GreaterThanOrEqual(right)), nil
	case LT:
		return boolTri(left.LessThan(right)), nil
	case LE:
		return boolTri(left.LessThanOrEqual(right)), nil
	case EQ:
		return boolTri(left.Equal(right)), nil
	default:
		return Indeterminate, fmt.Errorf("unknown comparison %q", p.Op)
	}
}

func boolTri(b bool) Tristate {
	if b {
		return True
	}
	return False
}

// Env is the per-instrument evaluation environment: one series plus the
// shared indicator engine. Read-only, safe for concurrent instruments.
type Env struct {
	Series     *model.Series
	Indicators *indicator.Engine
}

// resolve returns an operand's value extraBack+Offset bars before the
// latest bar. The ok result is false when the value is undefined there.
func (env *Env) resolve(op Operand, extraBack int) (decimal.Decimal, bool, error) {
	idx := env.Series.Len() - 1 - op.Offset - extraBack
	if idx < 0 {
		return decimal.Zero, false, nil
	}

	switch {
	case op.Const != "":
		d, err := decimal.NewFromString(op.Const)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("constant %q is not numeric", op.Const)
		}
		return d, true, nil

	case op.Field != "":
		bar := env.Series.Bars[idx]
		switch op.Field {
		case "open":
			return bar.Open, true, nil
		case "high":
			return bar.High, true, nil
		case "low":
			return bar.Low, true, nil
		case "close":
			return bar.Close, true, nil
		case "volume":
			return bar.Volume, true, nil
		default:
			return decimal.Zero, false, fmt.Errorf("unknown bar field %q", op.Field)
		}

	case op.Indicator != "":
		results, err := env.Indicators.Compute(op.Indicator, op.Params, env.Series)
		if err != nil {
			return decimal.Zero, false, err
		}
		r := results[idx]
		if !r.Defined {
			return decimal.Zero, false, nil
		}
		return r.Value, true, nil

	default:
		return decimal.Zero, false, errors.New("empty operand")
	}
}

// ── Wire format ──
// Rule trees arrive inside structured strategy requests as JSON:
//
//	{"all": [ <node>... ]}
//	{"any": [ <node>... ]}
//	{"not": <node>}
//	{"left": <operand>, "op": "gt", "right": <operand>}

type wireNode struct {
	All  []json.RawMessage `json:"all,omitempty"`
	Any  []json.RawMessage `json:"any,omitempty"`
	Not  json.RawMessage   `json:"not,omitempty"`
	Left *Operand          `json:"left,omitempty"`
	Op   CmpOp             `json:"op,omitempty"`
	Rgt  *Operand          `json:"right,omitempty"`
}

// Parse decodes a rule tree from its JSON wire form. The returned tree
// is immutable: nothing in this package mutates nodes after parsing.
func Parse(raw []byte) (Node, error) {
	var w wireNode
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("rule parse: %w", err)
	}

	switch {
	case len(w.All) > 0:
		return parseChildren(All, w.All)
	case len(w.Any) > 0:
		return parseChildren(Any, w.Any)
	case len(w.Not) > 0:
		child, err := Parse(w.Not)
		if err != nil {
			return nil, err
		}
		return &Combinator{Kind: Not, Children: []Node{child}}, nil
	case w.Left != nil && w.Rgt != nil && w.Op != "":
		return &Predicate{Left: *w.Left, Op: w.Op, Right: *w.Rgt}, nil
	default:
		return nil, errors.New("rule parse: node is neither combinator nor predicate")
	}
}

func parseChildren(kind CombinatorKind, raws []json.RawMessage) (Node, error) {
	children := make([]Node, 0, len(raws))
	for _, r := range raws {
		child, err := Parse(r)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return &Combinator{Kind: kind, Children: children}, nil
}
