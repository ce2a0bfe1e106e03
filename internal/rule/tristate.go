// Package rule evaluates declarative strategy rule trees against
// indicator outputs and bar fields, producing ranked trade signals.
//
// Rules are tagged-variant trees (leaf predicate or boolean combinator)
// walked by a generic evaluator — there are no per-strategy code paths.
// Evaluation is three-valued: a branch whose inputs lack enough history
// is indeterminate, not false, and indeterminacy propagates unless a
// combinator absorbs it (AND(false, x) = false, OR(true, x) = true).
package rule

// Tristate is the three-valued result of evaluating a rule branch.
type Tristate int8

const (
	False Tristate = iota
	True
	Indeterminate
)

func (t Tristate) String() string {
	switch t {
	case False:
		return "false"
	case True:
		return "true"
	default:
		return "indeterminate"
	}
}

// And combines per Kleene conjunction: false absorbs indeterminate.
func (t Tristate) And(o Tristate) Tristate {
	if t == False || o == False {
		return False
	}
	if t == Indeterminate || o == Indeterminate {
		return Indeterminate
	}
	return True
}

// Or combines per Kleene disjunction: true absorbs indeterminate.
func (t Tristate) Or(o Tristate) Tristate {
	if t == True || o == True {
		return True
	}
	if t == Indeterminate || o == Indeterminate {
		return Indeterminate
	}
	return False
}

// Not inverts definite values and leaves indeterminate alone.
func (t Tristate) Not() Tristate {
	switch t {
	case True:
		return False
	case False:
		return True
	default:
		return Indeterminate
	}
}
